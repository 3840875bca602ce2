// Package policy guards parameter writes with Open Policy Agent (OPA) Rego
// policies.
//
// Before the engine sends a write batch to a device it hands the planned
// writes to a Guard. Every enabled policy is evaluated against an Input
// document and contributes to a "deny" set. Violations of severity error or
// critical deny the write named by their "path" field, or the whole batch
// when they carry no path. Lower severities are logged as warnings.
//
// # Writing policies
//
// Policies see the contacting device and the planned writes as input:
//
//	package acme.policies.ssid
//
//	import rego.v1
//
//	deny contains violation if {
//		some w in input.writes
//		endswith(w.path, ".SSID")
//		startswith(w.value, "ACS-")
//		violation := {
//			"message": "reserved SSID prefix",
//			"severity": "error",
//			"path": w.path,
//		}
//	}
//
// A deny member may also be a plain string, in which case the policy's
// default severity applies and the violation covers the whole batch.
//
// # Scoping
//
// A policy may be limited to some parameter paths, data models or device
// identities. Out-of-scope policies are not evaluated, and a scoped policy
// only sees the planned writes that match its paths, so a pathless violation
// denies only those. In a .rego file the scope is set in the package METADATA
// annotation:
//
//	# METADATA
//	# description: Huawei guest networks stay disabled
//	# custom:
//	#   paths: [Device.WiFi.SSID.]
//	#   manufacturers: ["Huawei*"]
//	package acme.huawei_guest
//
// # Usage
//
//	guard, err := policy.NewGuard(logger, policy.ModeEnforcing)
//	if err != nil {
//		return err
//	}
//	if err := guard.LoadPolicies(ctx, []string{"/etc/froyo-acs/policies"}); err != nil {
//		return err
//	}
//	orch := engine.NewOrchestrator(transport, tags, engine.Options{Guard: guard})
//
// In ModeAdvisory the guard logs violations without denying anything. An
// evaluation error always fails the review, and the engine then denies the
// whole batch. Guard.Watch reloads edited files and uninstalls the policies
// of deleted ones.
//
// # Built-in policies
//
//   - management-server-url: rules may never rewrite ManagementServer.URL.
//   - wifi-passphrase: WPA passphrases are 8 to 63 characters or 64 hex digits.
//   - inform-interval: PeriodicInformInterval of at least 30 seconds. Values
//     above one day produce a warning.
package policy
