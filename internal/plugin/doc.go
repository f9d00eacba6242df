// Package plugin manages the lifecycle of sandboxed plugins.
//
// A plugin is a directory holding a plugin.json manifest and an entry point
// written in Lua or JavaScript:
//
//	~/.config/warden/plugins/reporter/
//	├── plugin.json
//	└── main.lua
//
// Plugins can also be listed in a YAML manifest index produced by the
// packaging layer. The Loader reads both; the Manager owns every instance
// it registers and is the only code that changes an instance's state.
//
// # Lifecycle
//
//	Discovered ─┬─> Validated ──> Initialized ──> Active <──> Deactivated
//	            └─> Rejected          │              │            │
//	                   │              └──────> Failed <───────────┘
//	                   └───────> Cleaned <───────┘
//
// Validation goes through the security manager. Initialization creates the
// sandbox from the issued validation, loads the code and attaches the
// instance to the resource monitor. Activation runs the optional activate
// export. A resource violation reported by the monitor halts the sandbox and
// moves the instance to Failed; Readmit is the only way back.
//
// Transitions for one plugin are serialized; different plugins move
// concurrently. Lifecycle events are published on the bus under the
// plugin: namespace.
//
// # Category views
//
// The manifest category selects a typed view built on Invoke:
//
//	dp, err := mgr.DataProcessor("reporter")
//	out, err := dp.Process(ctx, rows)
package plugin
