package js

import (
	"context"
	"time"

	"github.com/dop251/goja"
)

const (
	// maxWalkNodes bounds the values the walk descends into. Properties
	// past the bound are priced at the average of their walked siblings.
	maxWalkNodes = 1 << 16

	// walkBudget bounds time spent in getters reached by the walk.
	walkBudget = 50 * time.Millisecond
)

// Approximate per-value costs in bytes.
const (
	costValue    = 16
	costString   = 24
	costObject   = 64
	costProperty = 40
	costFunction = 96
)

type estimateAborted struct{}

// MemoryEstimate approximates the bytes reachable from enumerable globals.
// Built-ins are not enumerable and are not counted.
func (r *Runtime) MemoryEstimate() (total int64) {
	if r.closed {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), walkBudget)
	release := interruptOn(ctx, r.vm, estimateAborted{})
	defer func() {
		release()
		cancel()
		// A getter that throws or overruns ends the walk with a partial total.
		_ = recover()
	}()

	w := &walker{seen: make(map[*goja.Object]bool), total: &total}
	_ = r.vm.Try(func() {
		w.visit(r.vm.GlobalObject())
	})
	return total
}

type walker struct {
	seen  map[*goja.Object]bool
	nodes int
	total *int64
}

func (w *walker) exhausted() bool { return w.nodes >= maxWalkNodes }

func (w *walker) visit(v goja.Value) {
	if v == nil {
		return
	}
	if w.exhausted() {
		*w.total += costValue
		return
	}
	w.nodes++

	obj, ok := v.(*goja.Object)
	if !ok {
		if s, isString := v.Export().(string); isString {
			*w.total += costString + int64(len(s))
		} else {
			*w.total += costValue
		}
		return
	}
	if w.seen[obj] {
		return
	}
	w.seen[obj] = true
	if _, isFunc := goja.AssertFunction(obj); isFunc {
		*w.total += costFunction
		return
	}
	*w.total += costObject
	keys := obj.Keys()
	var walked, walkedCost int64
	for i, key := range keys {
		if w.exhausted() {
			*w.total += int64(len(keys)-i) * extrapolate(walked, walkedCost)
			return
		}
		before := *w.total
		*w.total += costProperty + int64(len(key))
		w.visit(obj.Get(key))
		if !w.exhausted() {
			walked++
			walkedCost += *w.total - before
		}
	}
}

// extrapolate prices a property the walk had no budget left for.
func extrapolate(walked, walkedCost int64) int64 {
	if walked == 0 {
		return costProperty + costValue
	}
	return walkedCost / walked
}
