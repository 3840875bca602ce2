// Package config loads the froyo-acs engine configuration and rule manifests.
//
// # Engine configuration
//
// The engine is configured in CUE. Sources are unified with the built-in
// #ACS schema, which supplies defaults and rejects unknown fields, decoded
// into ACSConfig and checked with go-playground/validator struct tags.
//
//	engine: {
//		maxPasses:        3
//		transportTimeout: "30s"
//	}
//	store: path: "/var/lib/froyo-acs/acs.db"
//	policy: {
//		paths: ["/etc/froyo-acs/policies"]
//		watch: true
//	}
//	transport: {
//		kind: "genieacs"
//		url:  "http://genieacs:7557"
//	}
//
// Load the configuration with:
//
//	cfg, err := config.NewCUEParser().Load(ctx, []string{"acs.cue"})
//
// Parse returns the same result with every problem listed as a
// ValidationError carrying its file position, for tooling that reports
// errors instead of failing on the first one.
//
// # Rule manifests
//
// A manifest is a YAML list of rule units run in order on every pass:
//
//	name: default
//	units:
//	  - name: bootstrap
//	    kind: builtin
//	    builtin: bootstrap
//	  - name: inform
//	    kind: builtin
//	    builtin: periodic-inform
//	    params: {interval: 300}
//	  - name: tplink-wifi
//	    kind: starlark
//	    source: scripts/wifi.star
//	    match:
//	      manufacturer: ["tp-link*"]
//
// Each unit is validated against the #RuleUnit schema. Builtin units come
// from the provisions package, Starlark sources are resolved relative to the
// manifest and compiled by the script package.
package config
