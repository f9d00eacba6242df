// Package manifest parses and validates plugin manifests.
//
// A manifest is the plugin.json file at the root of a plugin directory:
//
//	{
//	  "name": "sales-chart",
//	  "version": "1.2.0",
//	  "category": "visualization",
//	  "entryPoint": "main.lua",
//	  "permissions": ["data.read:sales", "ui.render"],
//	  "dependencies": [{"name": "formatting", "versionRange": "^1.0.0"}]
//	}
//
// Parse checks the document against an embedded JSON Schema before decoding
// it and then applies the rules a schema cannot express (semver, entry point
// containment, dependency ranges). All problems are collected into one
// *ManifestError.
package manifest
