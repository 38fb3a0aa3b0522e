// Package builtin holds the converters that run in-process, addressed
// by a well-known URL under Protocol=BuiltIn.
package builtin

import "github.com/metaflow/engine/internal/model"

// Func is the signature every built-in converter implements.
type Func func(model.ConverterParameter) model.ConverterResult

// Registry maps a builtin converter's URL to its implementation.
type Registry struct {
	funcs map[string]Func
}

// NewRegistry returns a registry pre-loaded with every converter this
// package ships.
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]Func)}
	r.Register("dimensionSplit", DimensionSplit)
	r.Register("identity", Identity)
	r.Register("merge", Merge)
	return r
}

func (r *Registry) Register(url string, fn Func) {
	r.funcs[url] = fn
}

func (r *Registry) Lookup(url string) (Func, bool) {
	fn, ok := r.funcs[url]
	return fn, ok
}
