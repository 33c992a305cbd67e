// Copyright 2023 Stock Parfait

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// quandlfn-call invokes the Quandl spreadsheet functions from the command
// line:
//
//	quandlfn-call -key KEY quandl-series WIKI/AAPL "date, close" 2015-01-01
//
// Besides single invocations it prints table metadata (-meta), streams bulk
// CSV exports (-export), and runs batches of requests in parallel (-batch).
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/iterator"
	"github.com/stockparfait/logging"
	"github.com/stockparfait/quandlfn/fn"
	"github.com/stockparfait/quandlfn/grid"
	"github.com/stockparfait/quandlfn/pack"
	"github.com/stockparfait/quandlfn/quandl"
	"github.com/stockparfait/quandlfn/store"

	toml "github.com/pelletier/go-toml/v2"
)

type Flags struct {
	Config   string // optional TOML config file
	Key      string // Quandl API key; overrides the config
	LogLevel logging.Level
	// Exactly one of a positional invocation, meta, export or batch.
	Meta     string   // table to print metadata for
	Export   string   // table to bulk-export as CSV
	Batch    string   // file with one JSON request per line
	Args     []string // positional: function name and its arguments
	Describe bool     // append summary statistics; invocations and exports
	// At most one of JSON (the default), CSV or Text.
	JSON     bool
	CSV      bool
	Text     bool
	Rows     int     // max. data rows to print; 0 = unlimited
	Out      string  // output file; default: stdout
	Parallel int     // parallel requests in batch mode
	CacheDir string  // cache results on disk; overrides the config
	CacheTTL float64 // cache expiration in hours; overrides the config
}

func parseFlags(args []string) (*Flags, error) {
	var flags Flags
	fs := flag.NewFlagSet("quandlfn-call", flag.ExitOnError)
	fs.StringVar(&flags.Config, "conf", "", "config file in TOML format")
	fs.StringVar(&flags.Key, "key", "", "Quandl API key; overrides the config")
	flags.LogLevel = logging.Info
	fs.Var(&flags.LogLevel, "log-level", "Log level: debug, info, warning, error")
	fs.StringVar(&flags.Meta, "meta", "", "table to print metadata for")
	fs.StringVar(&flags.Export, "export", "", "table to bulk-export as CSV")
	fs.StringVar(&flags.Batch, "batch", "",
		"file with one JSON request per line: {\"function\": ..., \"args\": [...]}")
	fs.BoolVar(&flags.Describe, "describe", false,
		"append summary statistics of the numeric columns")
	fs.BoolVar(&flags.JSON, "json", false,
		"print the result rectangle as JSON (default)")
	fs.BoolVar(&flags.CSV, "csv", false, "print the result in CSV format")
	fs.BoolVar(&flags.Text, "text", false,
		"print the result as an aligned text table")
	fs.IntVar(&flags.Rows, "rows", 0, "max. data rows to print; 0 = unlimited")
	fs.StringVar(&flags.Out, "out", "", "output file; default: stdout")
	fs.IntVar(&flags.Parallel, "parallel", 2*runtime.NumCPU(),
		"parallel requests in -batch mode")
	fs.StringVar(&flags.CacheDir, "cache-dir", "",
		"cache results on disk; overrides the config")
	fs.Float64Var(&flags.CacheTTL, "cache-ttl", 0,
		"cache expiration in hours; overrides the config; default: 24")

	err := fs.Parse(args)
	if err != nil {
		return nil, err
	}
	flags.Args = fs.Args()

	formats := 0
	for _, f := range []bool{flags.JSON, flags.CSV, flags.Text} {
		if f {
			formats++
		}
	}
	if formats > 1 {
		return nil, errors.Reason("at most one of -json, -csv or -text")
	}
	if formats == 0 {
		flags.JSON = true
	}
	modes := 0
	if len(flags.Args) > 0 {
		modes++
	}
	if flags.Meta != "" {
		modes++
	}
	if flags.Export != "" {
		modes++
	}
	if flags.Batch != "" {
		modes++
	}
	if modes != 1 {
		return nil, errors.Reason(
			"expected exactly one of a function invocation, -meta, -export or -batch")
	}
	if flags.Describe && len(flags.Args) == 0 && flags.Export == "" {
		return nil, errors.Reason("-describe requires a function invocation or -export")
	}
	return &flags, err
}

type Config struct {
	Key           string  `toml:"key"`             // Quandl API key
	PerPage       int     `toml:"per_page"`        // datatable page size
	MaxPages      int     `toml:"max_pages"`       // datatable page cap
	CacheDir      string  `toml:"cache_dir"`       // "" disables the cache
	CacheTTLHours float64 `toml:"cache_ttl_hours"` // default: 24
}

func parseConfig(filePath string) (*Config, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Annotate(err, "failed to open config file %s", filePath)
	}
	defer f.Close()

	d := toml.NewDecoder(f)
	var c Config
	if err := d.Decode(&c); err != nil {
		return nil, errors.Annotate(err, "failed to read config file %s", filePath)
	}
	return &c, nil
}

// cacheStore resolves the cache location and TTL, flags over config. A nil
// store disables caching.
func cacheStore(flags *Flags, config *Config) (*store.Store, time.Duration) {
	dir := flags.CacheDir
	if dir == "" {
		dir = config.CacheDir
	}
	if dir == "" {
		return nil, 0
	}
	hours := flags.CacheTTL
	if hours <= 0 {
		hours = config.CacheTTLHours
	}
	if hours <= 0 {
		hours = 24
	}
	return store.New(dir), time.Duration(hours * float64(time.Hour))
}

// parseArgs converts command line words into raw JSON arguments: a word that
// parses as JSON is passed through, anything else becomes a JSON string.
func parseArgs(words []string) []json.RawMessage {
	args := make([]json.RawMessage, len(words))
	for i, word := range words {
		if json.Valid([]byte(word)) {
			args[i] = json.RawMessage(word)
			continue
		}
		quoted, _ := json.Marshal(word) // marshaling a string never fails
		args[i] = quoted
	}
	return args
}

// invoke calls a function through the cache, if one is configured.
func invoke(ctx context.Context, reg *fn.Registry, cache *store.Store, ttl time.Duration, name string, rawArgs []json.RawMessage) (*grid.Grid, error) {
	var key string
	if cache != nil {
		if raw, err := json.Marshal(rawArgs); err == nil {
			if key, err = store.Key(raw); err == nil {
				if g, savedAt, err := cache.Load(name, key, ttl); err == nil {
					logging.Debugf(ctx, "%s: using the result cached at %s",
						name, savedAt.Format(time.RFC3339))
					return g, nil
				}
			}
		}
	}
	g, err := reg.Call(ctx, name, rawArgs)
	if err != nil {
		return nil, err
	}
	if cache != nil && key != "" {
		if err := cache.Save(name, key, g); err != nil {
			logging.Warningf(ctx, "failed to cache %s result: %s", name, err.Error())
		}
	}
	return g, nil
}

// writeGrid prints the grid in the format selected by the flags.
func writeGrid(g *grid.Grid, flags *Flags, w io.Writer) error {
	p := grid.Params{Rows: flags.Rows}
	if flags.CSV {
		return errors.Annotate(g.WriteCSV(w, p), "failed to print CSV")
	}
	if flags.Text {
		return errors.Annotate(g.WriteText(w, p), "failed to print text")
	}
	return errors.Annotate(g.WriteJSON(w, p), "failed to print JSON")
}

func callFunction(ctx context.Context, flags *Flags, config *Config, w io.Writer) error {
	reg, err := pack.New(pack.Config{PerPage: config.PerPage, MaxPages: config.MaxPages})
	if err != nil {
		return errors.Annotate(err, "failed to build the function pack")
	}
	cache, ttl := cacheStore(flags, config)
	name := flags.Args[0]
	g, err := invoke(ctx, reg, cache, ttl, name, parseArgs(flags.Args[1:]))
	if err != nil {
		return errors.Annotate(err, "%s failed", name)
	}
	if err := writeGrid(g, flags, w); err != nil {
		return err
	}
	if flags.Describe {
		if flags.CSV || flags.Text {
			if _, err := fmt.Fprintln(w); err != nil {
				return errors.Annotate(err, "failed to print the separator")
			}
		}
		return writeGrid(grid.Describe(g), flags, w)
	}
	return nil
}

// metaGrid renders table metadata as a grid of its columns.
func metaGrid(m *quandl.DatatableMeta) *grid.Grid {
	filters := make(map[string]bool, len(m.Filters))
	for _, f := range m.Filters {
		filters[f] = true
	}
	primary := make(map[string]bool, len(m.PrimaryKey))
	for _, p := range m.PrimaryKey {
		primary[p] = true
	}
	g := grid.NewGrid("column", "type", "filter", "primary key")
	for _, f := range m.Schema {
		g.AddRow(grid.Row{
			grid.String(f.Name),
			grid.String(f.Type),
			grid.Bool(filters[f.Name]),
			grid.Bool(primary[f.Name]),
		})
	}
	return g
}

func printMeta(ctx context.Context, flags *Flags, w io.Writer) error {
	m, err := quandl.FetchTableMetadata(ctx, flags.Meta)
	if err != nil {
		return errors.Annotate(err, "failed to fetch metadata for %s", flags.Meta)
	}
	return writeGrid(metaGrid(&m.Datatable), flags, w)
}

func exportTable(ctx context.Context, flags *Flags, w io.Writer) error {
	r, err := quandl.BulkExport(ctx, flags.Export)
	if err != nil {
		return errors.Annotate(err, "failed to export %s", flags.Export)
	}
	defer r.Close()

	cw := csv.NewWriter(w)
	var header []string
	var data [][]string // exported rows, kept only for -describe
	rows := 0
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Annotate(err, "failed to read the export of %s", flags.Export)
		}
		// The first row is the CSV header and doesn't count against -rows.
		if header == nil {
			if err := cw.Write(row); err != nil {
				return errors.Annotate(err, "failed to write the header")
			}
			header = row
			continue
		}
		if flags.Rows > 0 && rows >= flags.Rows {
			break
		}
		if err := cw.Write(row); err != nil {
			return errors.Annotate(err, "failed to write row %d", rows+1)
		}
		if flags.Describe {
			data = append(data, row)
		}
		rows++
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return errors.Annotate(err, "failed to flush the export of %s", flags.Export)
	}
	logging.Infof(ctx, "exported %d rows of %s", rows, flags.Export)
	if flags.Describe {
		if _, err := fmt.Fprintln(w); err != nil {
			return errors.Annotate(err, "failed to print the separator")
		}
		return writeGrid(grid.Describe(grid.FromCSV(header, data)), flags, w)
	}
	return nil
}

// batchRequest is one line of a -batch file.
type batchRequest struct {
	Function string            `json:"function"`
	Args     []json.RawMessage `json:"args"`
}

type batchJob struct {
	index int
	req   batchRequest
}

type batchResult struct {
	index int
	grid  *grid.Grid
	err   error
}

func parseBatch(data []byte) ([]batchJob, error) {
	var jobs []batchJob
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var req batchRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			return nil, errors.Annotate(err, "invalid batch request on line %d", i+1)
		}
		if req.Function == "" {
			return nil, errors.Reason("batch request on line %d has no function", i+1)
		}
		jobs = append(jobs, batchJob{index: len(jobs), req: req})
	}
	return jobs, nil
}

// runBatch executes the batch requests in parallel and writes the results in
// the input order. A failed request becomes an error line, not a batch abort.
func runBatch(ctx context.Context, flags *Flags, config *Config, w io.Writer) error {
	reg, err := pack.New(pack.Config{PerPage: config.PerPage, MaxPages: config.MaxPages})
	if err != nil {
		return errors.Annotate(err, "failed to build the function pack")
	}
	data, err := os.ReadFile(flags.Batch)
	if err != nil {
		return errors.Annotate(err, "failed to read batch file %s", flags.Batch)
	}
	jobs, err := parseBatch(data)
	if err != nil {
		return err
	}
	cache, ttl := cacheStore(flags, config)
	f := func(j batchJob) batchResult {
		g, err := invoke(ctx, reg, cache, ttl, j.req.Function, j.req.Args)
		return batchResult{index: j.index, grid: g, err: err}
	}
	workers := flags.Parallel
	if workers < 1 {
		workers = 1
	}
	pm := iterator.ParallelMap(ctx, workers, iterator.FromSlice(jobs), f)
	defer pm.Close()

	results := iterator.Reduce[batchResult, []batchResult](pm, []batchResult{},
		func(r batchResult, acc []batchResult) []batchResult {
			return append(acc, r)
		})
	sort.Slice(results, func(i, j int) bool { return results[i].index < results[j].index })

	for i, res := range results {
		if i > 0 && (flags.CSV || flags.Text) {
			if _, err := fmt.Fprintln(w); err != nil {
				return errors.Annotate(err, "failed to print the separator")
			}
		}
		if res.err != nil {
			if err := writeBatchError(res.err, flags, w); err != nil {
				return err
			}
			continue
		}
		if err := writeGrid(res.grid, flags, w); err != nil {
			return err
		}
	}
	return nil
}

func writeBatchError(resErr error, flags *Flags, w io.Writer) error {
	if flags.CSV || flags.Text {
		_, err := fmt.Fprintf(w, "error: %s\n", resErr.Error())
		return errors.Annotate(err, "failed to print the error")
	}
	return errors.Annotate(
		json.NewEncoder(w).Encode(map[string]string{"error": resErr.Error()}),
		"failed to print the error")
}

func run(ctx context.Context, flags *Flags, w io.Writer) error {
	config := &Config{}
	if flags.Config != "" {
		var err error
		if config, err = parseConfig(flags.Config); err != nil {
			return err
		}
	}
	key := flags.Key
	if key == "" {
		key = config.Key
	}
	if key == "" {
		return errors.Reason("no API key: set -key or key in the -conf file")
	}
	ctx = quandl.UseClient(ctx, key)

	out := w
	if flags.Out != "" {
		f, err := os.Create(flags.Out)
		if err != nil {
			return errors.Annotate(err, "failed to create output file %s", flags.Out)
		}
		defer f.Close()
		out = f
	}

	switch {
	case flags.Meta != "":
		return printMeta(ctx, flags, out)
	case flags.Export != "":
		return exportTable(ctx, flags, out)
	case flags.Batch != "":
		return runBatch(ctx, flags, config, out)
	}
	return callFunction(ctx, flags, config, out)
}

func main() {
	ctx := context.Background()
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		ctx = logging.Use(ctx, logging.DefaultGoLogger(logging.Info))
		logging.Errorf(ctx, "failed to parse flags: %s", err.Error())
		os.Exit(1)
	}
	ctx = logging.Use(ctx, logging.DefaultGoLogger(flags.LogLevel))

	if err := run(ctx, flags, os.Stdout); err != nil {
		logging.Errorf(ctx, err.Error())
		os.Exit(1)
	}
}
