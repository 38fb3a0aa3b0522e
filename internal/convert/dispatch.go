// Package convert dispatches a planned mission to its converter
// (built-in, remote HTTP, or a locally registered Go function) and
// applies the post-processing every converter result must pass through
// before it becomes a candidate instance.
package convert

import (
	"context"
	"time"

	"github.com/metaflow/engine/internal/builtin"
	"github.com/metaflow/engine/internal/errs"
	"github.com/metaflow/engine/internal/model"
)

// Dispatcher routes a ConverterParameter to the protocol its mission's
// executor names.
type Dispatcher struct {
	builtins *builtin.Registry
	locals   map[string]builtin.Func
	http     *HTTPConverter
	timeout  time.Duration
}

func NewDispatcher(builtins *builtin.Registry, http *HTTPConverter, timeout time.Duration) *Dispatcher {
	return &Dispatcher{builtins: builtins, locals: make(map[string]builtin.Func), http: http, timeout: timeout}
}

// RegisterLocal installs an in-process converter under Protocol=Local
// — the Go-native reading of the original "statically linked" local
// converter protocol.
func (d *Dispatcher) RegisterLocal(name string, fn builtin.Func) {
	d.locals[name] = fn
}

// Invoke dispatches param against mission's executor and returns the
// raw converter result, before verify()/post-processing.
func (d *Dispatcher) Invoke(ctx context.Context, mission model.Mission, param model.ConverterParameter) (model.ConverterResult, error) {
	exec := mission.Executor
	if exec == nil {
		fn, _ := d.builtins.Lookup("identity")
		return fn(param), nil
	}
	switch exec.Protocol {
	case model.BuiltIn:
		fn, ok := d.builtins.Lookup(exec.URL)
		if !ok {
			return model.ConverterResult{}, errs.Logical("no such builtin converter %q", exec.URL)
		}
		return fn(param), nil
	case model.Local:
		fn, ok := d.locals[exec.URL]
		if !ok {
			return model.ConverterResult{}, errs.Logical("no such local converter %q", exec.URL)
		}
		return fn(param), nil
	case model.Http:
		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		return d.http.Call(ctx, exec.URL, param)
	default:
		return model.ConverterResult{}, errs.Logical("unknown converter protocol %v", exec.Protocol)
	}
}
