package sandbox

import (
	"github.com/dshills/warden/internal/analyzer"
	"github.com/dshills/warden/internal/sandbox/engine"
	"github.com/dshills/warden/internal/sandbox/js"
	"github.com/dshills/warden/internal/sandbox/lua"
)

// DefaultRuntimes returns the interpreter factory for each plugin language.
func DefaultRuntimes() map[analyzer.Language]engine.Factory {
	return map[analyzer.Language]engine.Factory{
		analyzer.Lua:        lua.Factory,
		analyzer.JavaScript: js.Factory,
	}
}
