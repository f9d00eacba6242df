// Package analyzer performs static risk analysis of plugin source before it
// is allowed to run.
//
// Analysis is two-phase. The source is first parsed with the real parser of
// its language; a source that does not parse is rejected outright
// (AnalysisError), because a parser disagreement between the analyzer and
// the runtime is exactly where hidden behavior lives. The source is then
// scanned with an ordered list of rules. Each match adds a violation whose
// weight contributes to a risk score capped at 100.
//
// Rules are configuration. A default rule set is compiled into the binary;
// operators can replace it with a TOML file and have it reloaded on change.
// The rule set version is part of every assessment, so callers caching
// results can invalidate them when rules change.
//
// The scan is lexical. It catches direct use of dangerous constructs, not
// data flow that reconstructs them.
package analyzer
