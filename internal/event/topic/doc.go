// Package topic provides hierarchical topic names and pattern matching for
// the event bus.
//
// # Topic Format
//
// Topics use colon-separated segments:
//
//	plugin:validated
//	plugin:resource-violation
//	ui:render
//	sandbox:chart-widget:progress
//
// # Wildcards
//
//   - "*" matches exactly one segment
//   - "**" matches zero or more segments
//
// Examples:
//
//	plugin:*                 matches plugin:validated, plugin:failed
//	sandbox:**               matches every topic published by any sandbox
//	sandbox:*:progress       matches progress events from every sandbox
package topic
