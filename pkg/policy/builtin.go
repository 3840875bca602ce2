package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		managementServerURLPolicy(),
		wifiPassphrasePolicy(),
		informIntervalPolicy(),
	}
}

// managementServerURLPolicy forbids rule scripts from repointing a device at
// another ACS.
func managementServerURLPolicy() Policy {
	return Policy{
		Name:        "management-server-url",
		Description: "Forbids writes to ManagementServer.URL",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"security", "management-server"},
		Scope: Scope{Paths: []string{
			"InternetGatewayDevice.ManagementServer.URL",
			"Device.ManagementServer.URL",
		}},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package froyo.acs.policies.management_server

import rego.v1

deny contains violation if {
	some w in input.writes
	endswith(w.path, ".ManagementServer.URL")
	violation := {
		"message": sprintf("rules may not rewrite the ACS URL (attempted %q)", [w.value]),
		"severity": "critical",
		"path": w.path,
	}
}
`,
	}
}

// wifiPassphrasePolicy enforces the WPA passphrase format on both data models.
func wifiPassphrasePolicy() Policy {
	return Policy{
		Name:        "wifi-passphrase",
		Description: "WPA passphrases must be 8 to 63 characters or 64 hex digits",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"wifi", "security"},
		Scope: Scope{Paths: []string{
			"InternetGatewayDevice.LANDevice.*.WLANConfiguration.",
			"Device.WiFi.",
		}},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package froyo.acs.policies.wifi

import rego.v1

passphrase_path(path) if endswith(path, ".Security.KeyPassphrase")

passphrase_path(path) if regex.match(` + "`" + `\.PreSharedKey\.[0-9]+\.PreSharedKey$` + "`" + `, path)

valid_passphrase(p) if {
	count(p) >= 8
	count(p) <= 63
}

valid_passphrase(p) if regex.match("^[0-9A-Fa-f]{64}$", p)

deny contains violation if {
	some w in input.writes
	passphrase_path(w.path)
	not valid_passphrase(w.value)
	violation := {
		"message": sprintf("WPA passphrase of length %d is invalid", [count(w.value)]),
		"severity": "error",
		"path": w.path,
	}
}
`,
	}
}

// informIntervalPolicy keeps the periodic inform interval within bounds.
func informIntervalPolicy() Policy {
	return Policy{
		Name:        "inform-interval",
		Description: "Periodic inform interval must be at least 30s; above one day is flagged",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"management-server"},
		Scope: Scope{Paths: []string{
			"InternetGatewayDevice.ManagementServer.PeriodicInformInterval",
			"Device.ManagementServer.PeriodicInformInterval",
		}},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package froyo.acs.policies.inform

import rego.v1

interval_writes contains w if {
	some w in input.writes
	endswith(w.path, ".ManagementServer.PeriodicInformInterval")
}

deny contains violation if {
	some w in interval_writes
	to_number(w.value) < 30
	violation := {
		"message": sprintf("periodic inform interval %s is below the 30 second minimum", [w.value]),
		"severity": "error",
		"path": w.path,
	}
}

deny contains violation if {
	some w in interval_writes
	to_number(w.value) > 86400
	violation := {
		"message": sprintf("periodic inform interval %s exceeds one day", [w.value]),
		"severity": "warning",
		"path": w.path,
	}
}
`,
	}
}
