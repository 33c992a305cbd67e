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

package fn

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/quandlfn/dates"
)

// Args holds the arguments of one invocation after binding, keyed by
// parameter name. Values are typed per the parameter declaration: string,
// []string for "list", dates.Date for "date" and float64 for "number".
type Args map[string]interface{}

// String returns a string argument, or "" when absent.
func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Strings returns a list argument, or nil when absent.
func (a Args) Strings(name string) []string {
	l, _ := a[name].([]string)
	return l
}

// Date returns a date argument, or the zero Date when absent.
func (a Args) Date(name string) dates.Date {
	d, _ := a[name].(dates.Date)
	return d
}

// Number returns a number argument, or 0 when absent.
func (a Args) Number(name string) float64 {
	f, _ := a[name].(float64)
	return f
}

// Bind maps raw positional JSON arguments to the declared parameters. A
// missing optional argument takes the declared default; a missing required
// argument or an extra argument is an error. A JSON null argument counts as
// missing. All errors satisfy IsBadArgs.
func Bind(def *Definition, args []json.RawMessage) (Args, error) {
	if len(args) > len(def.Params) {
		return nil, BadArgs(errors.Reason("%s takes at most %d arguments, got %d",
			def.Name, len(def.Params), len(args)))
	}
	bound := make(Args, len(def.Params))
	for i := range def.Params {
		p := &def.Params[i]
		var jv interface{}
		if i < len(args) && args[i] != nil {
			if err := json.Unmarshal(args[i], &jv); err != nil {
				return nil, BadArgs(errors.Annotate(err,
					"argument %d (%s) of %s is not valid JSON", i, p.Name, def.Name))
			}
		}
		if jv == nil {
			if p.Required {
				return nil, BadArgs(errors.Reason(
					"%s requires argument %d (%s)", def.Name, i, p.Name))
			}
			v, err := paramDefault(p)
			if err != nil {
				return nil, BadArgs(errors.Annotate(err,
					"invalid default for parameter %q of %s", p.Name, def.Name))
			}
			bound[p.Name] = v
			continue
		}
		v, err := convertArg(p, jv)
		if err != nil {
			return nil, BadArgs(errors.Annotate(err,
				"argument %d (%s) of %s", i, p.Name, def.Name))
		}
		bound[p.Name] = v
	}
	return bound, nil
}

// convertArg coerces a decoded JSON value to the parameter's declared type.
func convertArg(p *Param, jv interface{}) (interface{}, error) {
	switch p.Type {
	case "", "string":
		switch v := jv.(type) {
		case string:
			return v, nil
		case float64:
			// Spreadsheets send numeric cells as numbers; keep the canonical
			// decimal form.
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		}
		return nil, errors.Reason("expected a string, got %v", jv)
	case "list":
		return toList(jv)
	case "date":
		return toDate(jv)
	case "number":
		switch v := jv.(type) {
		case float64:
			return v, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, errors.Reason("expected a number, got %q", v)
			}
			return f, nil
		}
		return nil, errors.Reason("expected a number, got %v", jv)
	}
	return nil, errors.Reason("unsupported parameter type %q", p.Type)
}

// toList accepts either a comma-separated string or a JSON array. A
// spreadsheet range arrives as an array of row arrays and is flattened by one
// level.
func toList(jv interface{}) ([]string, error) {
	switch v := jv.(type) {
	case string:
		return splitList(v), nil
	case []interface{}:
		var res []string
		for _, el := range v {
			row, ok := el.([]interface{})
			if !ok {
				row = []interface{}{el}
			}
			for _, e := range row {
				s, err := listElem(e)
				if err != nil {
					return nil, err
				}
				res = append(res, s)
			}
		}
		return res, nil
	}
	return nil, errors.Reason("expected a string or an array, got %v", jv)
}

func listElem(el interface{}) (string, error) {
	switch e := el.(type) {
	case string:
		return strings.TrimSpace(e), nil
	case float64:
		return strconv.FormatFloat(e, 'f', -1, 64), nil
	}
	return "", errors.Reason("list elements must be strings or numbers, got %v", el)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// toDate accepts a date string or a serial day number.
func toDate(jv interface{}) (dates.Date, error) {
	switch v := jv.(type) {
	case string:
		d, err := dates.NewDateFromString(strings.TrimSpace(v))
		return d, errors.Annotate(err, "invalid date %q", v)
	case float64:
		d, err := dates.NewDateFromSerial(v)
		return d, errors.Annotate(err, "invalid serial date %v", v)
	}
	return dates.Date{}, errors.Reason(
		"expected a date string or a serial day number, got %v", jv)
}

// paramDefault computes the typed value of an omitted argument.
func paramDefault(p *Param) (interface{}, error) {
	switch p.Type {
	case "", "string":
		return p.Default, nil
	case "list":
		if p.Default == "" {
			return []string(nil), nil
		}
		return splitList(p.Default), nil
	case "date":
		if p.Default == "" {
			return dates.Date{}, nil
		}
		d, err := dates.NewDateFromString(p.Default)
		return d, errors.Annotate(err, "invalid date %q", p.Default)
	case "number":
		if p.Default == "" {
			return float64(0), nil
		}
		f, err := strconv.ParseFloat(p.Default, 64)
		if err != nil {
			return float64(0), errors.Reason("invalid number %q", p.Default)
		}
		return f, nil
	}
	return nil, errors.Reason("unsupported parameter type %q", p.Type)
}
