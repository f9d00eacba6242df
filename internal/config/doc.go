// Package config loads the warden host configuration.
//
// Settings come from three layers, lowest precedence first: built-in
// defaults, a warden.toml (or .yaml, .json) file, and WARDEN_ environment
// variables. Nested keys map to environment names by upper-casing and
// replacing dots with underscores:
//
//	[security]
//	risk_threshold = 40          # WARDEN_SECURITY_RISK_THRESHOLD=40
//	host_allowed = ["data.read", "network:api.example.com"]
//
//	[sandbox]
//	max_execution = "2s"
//
// Load validates the result; the accessor methods convert sections into the
// option types of the packages they configure.
package config
