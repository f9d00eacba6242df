package lua

import (
	lua "github.com/yuin/gopher-lua"
)

// maxWalkNodes bounds the values the memory walk descends into. Entries
// past the bound are priced at the average of their walked siblings.
const maxWalkNodes = 1 << 16

// Approximate per-value costs in bytes.
const (
	costValue    = 16
	costString   = 24
	costTable    = 64
	costEntry    = 40
	costFunction = 96
	costCode     = 4
)

// MemoryEstimate approximates the bytes reachable from the globals table
// and the registry stack.
func (r *Runtime) MemoryEstimate() int64 {
	if r.closed {
		return 0
	}
	w := walker{seen: make(map[any]bool)}
	w.visit(r.L.Get(lua.GlobalsIndex))
	for i := 1; i <= r.L.GetTop(); i++ {
		w.visit(r.L.Get(i))
	}
	return w.total
}

type walker struct {
	seen  map[any]bool
	nodes int
	total int64
}

func (w *walker) exhausted() bool { return w.nodes >= maxWalkNodes }

func (w *walker) visit(lv lua.LValue) {
	if w.exhausted() {
		w.total += costValue
		return
	}
	w.nodes++

	switch v := lv.(type) {
	case lua.LString:
		w.total += costString + int64(len(v))
	case *lua.LTable:
		if w.seen[v] {
			return
		}
		w.seen[v] = true
		w.total += costTable
		var walked, walkedCost int64
		v.ForEach(func(k, val lua.LValue) {
			if w.exhausted() {
				w.total += extrapolate(walked, walkedCost)
				return
			}
			before := w.total
			w.total += costEntry
			w.visit(k)
			w.visit(val)
			if !w.exhausted() {
				walked++
				walkedCost += w.total - before
			}
		})
		if mt, ok := v.Metatable.(*lua.LTable); ok {
			w.visit(mt)
		}
	case *lua.LFunction:
		if w.seen[v] {
			return
		}
		w.seen[v] = true
		w.total += costFunction
		if v.Proto != nil {
			w.total += int64(len(v.Proto.Code)) * costCode
			for _, c := range v.Proto.Constants {
				w.visit(c)
			}
		}
		for _, uv := range v.Upvalues {
			if uv != nil {
				w.visit(uv.Value())
			}
		}
	default:
		w.total += costValue
	}
}

// extrapolate prices a table entry the walk had no budget left for.
func extrapolate(walked, walkedCost int64) int64 {
	if walked == 0 {
		return costEntry + 2*costValue
	}
	return walkedCost / walked
}
