// Copyright 2022 Stock Parfait

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fn implements a runtime for spreadsheet-style functions: named
// operations with declared positional parameters which return a rectangle of
// cells. Function definitions are declarative messages, typically parsed from
// an embedded pack manifest, and handlers receive their arguments bound and
// type-checked per the declaration.
package fn

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/quandlfn/grid"
	"github.com/stockparfait/quandlfn/message"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Param declares a single positional parameter: its name, value type, and
// what happens when the caller omits the argument.
type Param struct {
	Name        string `json:"name" required:"true"`
	Type        string `json:"type" default:"string" choices:"string,list,date,number"`
	Required    bool   `json:"required"`
	Default     string `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

var _ message.Message = &Param{}

func (p *Param) InitMessage(js interface{}) error {
	return errors.Annotate(message.Init(p, js), "failed to init Param")
}

// Definition declares a callable function: its public name and the ordered
// list of its parameters. Arguments are positional, so a required parameter
// may not follow an optional one.
type Definition struct {
	Name        string  `json:"name" required:"true"`
	Title       string  `json:"title,omitempty"`
	Description string  `json:"description,omitempty"`
	Params      []Param `json:"params"`
}

var _ message.Message = &Definition{}

func (d *Definition) InitMessage(js interface{}) error {
	if err := message.Init(d, js); err != nil {
		return errors.Annotate(err, "failed to init Definition")
	}
	seen := make(map[string]struct{}, len(d.Params))
	optional := false
	for i := range d.Params {
		p := &d.Params[i]
		if _, ok := seen[p.Name]; ok {
			return errors.Reason("duplicate parameter %q in %s", p.Name, d.Name)
		}
		seen[p.Name] = struct{}{}
		if p.Required {
			if optional {
				return errors.Reason(
					"required parameter %q of %s follows an optional one", p.Name, d.Name)
			}
		} else {
			optional = true
			if _, err := paramDefault(p); err != nil {
				return errors.Annotate(err, "invalid default for parameter %q of %s",
					p.Name, d.Name)
			}
		}
	}
	return nil
}

// Manifest is the declarative description of a function pack.
type Manifest struct {
	Name      string       `json:"name" required:"true"`
	Title     string       `json:"title,omitempty"`
	Functions []Definition `json:"functions" required:"true"`
}

var _ message.Message = &Manifest{}

func (m *Manifest) InitMessage(js interface{}) error {
	return errors.Annotate(message.Init(m, js), "failed to init Manifest")
}

// Handler executes a function over its bound arguments and returns the
// resulting rectangle.
type Handler func(ctx context.Context, args Args) (*grid.Grid, error)

// Function is a registered function: its definition with the handler.
type Function struct {
	Def     *Definition
	Handler Handler
}

// Registry holds the callable functions of a pack, keyed by name.
type Registry struct {
	functions map[string]Function
}

func NewRegistry() *Registry {
	return &Registry{functions: make(map[string]Function)}
}

// Register adds a function to the registry. Registering a name twice is an
// error.
func (r *Registry) Register(def *Definition, h Handler) error {
	if def == nil || def.Name == "" {
		return errors.Reason("function definition must have a name")
	}
	if h == nil {
		return errors.Reason("function %s must have a handler", def.Name)
	}
	if _, ok := r.functions[def.Name]; ok {
		return errors.Reason("function %s is already registered", def.Name)
	}
	r.functions[def.Name] = Function{Def: def, Handler: h}
	return nil
}

// Get looks up a function by name.
func (r *Registry) Get(name string) (Function, bool) {
	f, ok := r.functions[name]
	return f, ok
}

// Names lists the registered function names in sorted order.
func (r *Registry) Names() []string {
	names := maps.Keys(r.functions)
	slices.Sort(names)
	return names
}

// Definitions lists the function definitions sorted by name.
func (r *Registry) Definitions() []*Definition {
	defs := make([]*Definition, 0, len(r.functions))
	for _, name := range r.Names() {
		defs = append(defs, r.functions[name].Def)
	}
	return defs
}

// Call binds the raw positional arguments and invokes the named function.
// Binding failures and an unknown name are argument errors; a handler error
// is returned as is.
func (r *Registry) Call(ctx context.Context, name string, args []json.RawMessage) (*grid.Grid, error) {
	f, ok := r.Get(name)
	if !ok {
		return nil, BadArgs(errors.Reason("unknown function: %s", name))
	}
	bound, err := Bind(f.Def, args)
	if err != nil {
		return nil, err
	}
	return f.Handler(ctx, bound)
}

// Invoke parses body as a JSON array of positional arguments and calls the
// named function. An empty body invokes the function with no arguments.
func (r *Registry) Invoke(ctx context.Context, name string, body []byte) (*grid.Grid, error) {
	args, err := ParseArgs(body)
	if err != nil {
		return nil, err
	}
	return r.Call(ctx, name, args)
}

// ParseArgs decodes an invocation body, a JSON array of argument values.
// An empty body means no arguments.
func ParseArgs(body []byte) ([]json.RawMessage, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(body, &args); err != nil {
		return nil, BadArgs(errors.Annotate(err, "arguments must be a JSON array"))
	}
	return args, nil
}

// BadArgsError marks a failure caused by the caller's arguments, as opposed
// to an upstream fetch or processing failure.
type BadArgsError struct {
	Err error
}

func (e *BadArgsError) Error() string { return e.Err.Error() }
func (e *BadArgsError) Unwrap() error { return e.Err }

// BadArgs wraps err as a caller-side argument error.
func BadArgs(err error) error {
	if err == nil {
		return nil
	}
	return &BadArgsError{Err: err}
}

// IsBadArgs checks whether err was caused by the caller's arguments.
func IsBadArgs(err error) bool {
	var e *BadArgsError
	return stderrors.As(err, &e)
}
