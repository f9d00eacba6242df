// Package security decides whether a plugin may run and with which
// permissions.
//
// Validation runs in a fixed order and stops at the first rejecting step:
//
//  1. structural manifest validation (ManifestError rejects),
//  2. static analysis of the entry point (AnalysisError rejects),
//  3. the risk policy (score threshold and the critical-rule override),
//  4. the grant, computed as requested ∩ host-allowed.
//
// An approved result may grant strictly less than the manifest requested;
// ValidationResult.Reduced reports that case.
//
// Results are cached under a SHA-256 content hash of the canonical manifest,
// the entry point source and the policy inputs (rule set version, threshold,
// host-allowed set). Any change to the code or the rules yields a new hash,
// so validation always re-runs after a modification. The cache is a kv.Store:
// an in-process LRU by default, or Redis to share admissions between hosts.
//
// CreateSandbox is the only way to obtain a sandbox. It accepts only
// approved results that match a record this manager issued.
package security
