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

// Package pack assembles the Quandl spreadsheet functions: quandl-series,
// quandl-table and quandl-list. The function definitions live in the embedded
// manifest; the handlers fetch from the Quandl v3 API using the client
// installed in the context by quandl.UseClient.
package pack

import (
	"context"
	_ "embed"
	"net/url"
	"sort"
	"strings"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/quandlfn/fn"
	"github.com/stockparfait/quandlfn/grid"
	"github.com/stockparfait/quandlfn/message"
	"github.com/stockparfait/quandlfn/quandl"
)

//go:embed manifest.json
var manifestJSON []byte

// Config tunes the datatable paging of the pack's functions. The zero value
// requests full pages and follows at most defaultMaxPages cursors.
type Config struct {
	PerPage  int // rows per datatable page; 0 = defaultPerPage
	MaxPages int // cursor pages to follow; 0 = defaultMaxPages, negative = unlimited
}

const (
	defaultPerPage  = 10000
	defaultMaxPages = 10
)

func (c Config) perPage() int {
	if c.PerPage == 0 {
		return defaultPerPage
	}
	return c.PerPage
}

func (c Config) maxPages() int {
	switch {
	case c.MaxPages == 0:
		return defaultMaxPages
	case c.MaxPages < 0:
		return 0 // unlimited
	}
	return c.MaxPages
}

// New builds the registry of the pack's functions bound to their manifest
// definitions.
func New(cfg Config) (*fn.Registry, error) {
	var m fn.Manifest
	if err := message.FromJSON(&m, manifestJSON); err != nil {
		return nil, errors.Annotate(err, "failed to parse the pack manifest")
	}
	handlers := map[string]fn.Handler{
		"quandl-series": cfg.series,
		"quandl-table":  cfg.table,
		"quandl-list":   cfg.list,
	}
	r := fn.NewRegistry()
	for i := range m.Functions {
		def := &m.Functions[i]
		h, ok := handlers[def.Name]
		if !ok {
			return nil, errors.Reason("manifest function %s has no handler", def.Name)
		}
		if err := r.Register(def, h); err != nil {
			return nil, errors.Annotate(err, "failed to register %s", def.Name)
		}
	}
	return r, nil
}

// header normalizes upstream column names the way callers address them:
// lowercased and trimmed.
func header(names []string) []string {
	res := make([]string, len(names))
	for i, n := range names {
		res[i] = strings.ToLower(strings.TrimSpace(n))
	}
	return res
}

// datasetGrid converts a fetched dataset into a grid.
func datasetGrid(ds *quandl.Dataset) *grid.Grid {
	g := grid.NewGrid(header(ds.ColumnNames)...)
	for _, r := range ds.Data {
		row := make(grid.Row, len(r))
		for i, v := range r {
			row[i] = grid.FromValue(v)
		}
		g.AddRow(row)
	}
	return g
}

// series implements quandl-series: a time series restricted to a date range.
func (c Config) series(ctx context.Context, args fn.Args) (*grid.Grid, error) {
	name := args.String("name")
	q := quandl.DatasetQuery{
		StartDate: args.Date("mindate"),
		EndDate:   args.Date("maxdate"),
	}
	ds, err := quandl.FetchDataset(ctx, name, q)
	if err != nil {
		return nil, errors.Annotate(err, "failed to fetch series %s", name)
	}
	return datasetGrid(ds).Select(args.Strings("properties")), nil
}

// list implements quandl-list: an entire dataset, no date restriction.
func (c Config) list(ctx context.Context, args fn.Args) (*grid.Grid, error) {
	name := args.String("name")
	ds, err := quandl.FetchDataset(ctx, name, quandl.DatasetQuery{})
	if err != nil {
		return nil, errors.Annotate(err, "failed to fetch dataset %s", name)
	}
	return datasetGrid(ds).Select(args.Strings("properties")), nil
}

// filterQuery converts a filter expression in URL query syntax into column
// equality filters. Repeated keys and comma-separated values both end up as a
// single multi-value equality filter.
func filterQuery(table, filter string) (*quandl.TableQuery, error) {
	vals, err := url.ParseQuery(filter)
	if err != nil {
		return nil, errors.Annotate(err, "invalid filter expression %q", filter)
	}
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	q := quandl.NewTableQuery(table)
	for _, k := range keys {
		q = q.Equal(k, vals[k]...)
	}
	return q, nil
}

// tableRows accumulates datatable rows and checks that every page carries the
// schema of the first one.
type tableRows struct {
	schema quandl.Schema
	rows   []grid.Row
}

var _ quandl.ValueLoader = &tableRows{}

func (t *tableRows) Load(v []quandl.Value, s quandl.Schema) error {
	if t.schema == nil {
		t.schema = s
	} else if !t.schema.Equal(s) {
		return errors.Reason("page schema %s differs from the first page %s",
			s, t.schema)
	}
	row := make(grid.Row, len(v))
	for i, val := range v {
		row[i] = grid.FromValue(val)
	}
	t.rows = append(t.rows, row)
	return nil
}

// table implements quandl-table: a filtered datatable with transparent cursor
// paging.
func (c Config) table(ctx context.Context, args fn.Args) (*grid.Grid, error) {
	name := args.String("name")
	q, err := filterQuery(name, args.String("filter"))
	if err != nil {
		return nil, fn.BadArgs(err)
	}
	q = q.PerPage(c.perPage()).MaxPages(c.maxPages())
	acc := &tableRows{}
	it := q.Read(ctx)
	for {
		ok, err := it.Next(acc)
		if err != nil {
			return nil, errors.Annotate(err, "failed to fetch table %s", name)
		}
		if !ok {
			break
		}
	}
	g := grid.NewGrid(header(acc.schema.Names())...)
	g.AddRow(acc.rows...)
	return g.Select(args.Strings("properties")), nil
}
