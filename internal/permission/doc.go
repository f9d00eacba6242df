// Package permission implements the closed capability model used to gate
// every host service a plugin can reach.
//
// A plugin manifest declares the permissions it needs. The host declares the
// permissions it is willing to hand out. The Security Manager grants the
// intersection, and the resulting Set is the only authority a sandbox carries.
//
// # Kinds
//
// The set of kinds is closed:
//
//   - data.read: read-only queries against the analytical engine (scope: tables)
//   - data.write: writes against the analytical engine (scope: tables)
//   - network: outbound fetches (scope: host patterns)
//   - storage: plugin-private key/value storage (scope: key prefixes)
//   - ui.render: render requests to the host UI
//   - system.info: read-only host facts
//
// Scoped kinds accept "*" to mean unrestricted. Host patterns may use a
// single leading wildcard label ("*.example.com").
//
// # Algebra
//
// IsSubset, Merge and Intersect are pure functions over normalized sets.
// They are order-independent and idempotent, so a grant computed from the
// same inputs is always the same grant.
package permission
