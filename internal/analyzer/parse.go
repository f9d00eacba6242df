package analyzer

import (
	"errors"
	"strings"

	"github.com/dop251/goja/parser"
	lua "github.com/yuin/gopher-lua"
	luaparse "github.com/yuin/gopher-lua/parse"
)

// checkSyntax parses the source with the language's own parser.
func checkSyntax(lang Language, code string) error {
	switch lang {
	case Lua:
		chunk, err := luaparse.Parse(strings.NewReader(code), "plugin")
		if err != nil {
			ae := &AnalysisError{Language: lang, Reason: err.Error(), Err: err}
			var perr *luaparse.Error
			if errors.As(err, &perr) {
				ae.Line = perr.Pos.Line
				ae.Reason = perr.Message
			}
			return ae
		}
		if _, err := lua.Compile(chunk, "plugin"); err != nil {
			return &AnalysisError{Language: lang, Reason: err.Error(), Err: err}
		}
		return nil

	case JavaScript:
		if _, err := parser.ParseFile(nil, "plugin.js", code, 0); err != nil {
			ae := &AnalysisError{Language: lang, Reason: err.Error(), Err: err}
			var list parser.ErrorList
			if errors.As(err, &list) && len(list) > 0 {
				ae.Line = list[0].Position.Line
				ae.Reason = list[0].Message
			}
			return ae
		}
		return nil

	default:
		return &AnalysisError{Language: lang, Reason: "unsupported language"}
	}
}
