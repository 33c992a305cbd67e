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

// Package grid implements the rectangles of values that functions return: a
// header row of column names followed by data rows of cells. A cell preserves
// the JSON type of the upstream value, so numbers reach the caller as numbers.
package grid

import (
	"encoding/binary"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/stockparfait/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

type kind uint8

const (
	kindEmpty kind = iota
	kindString
	kindNumber
	kindBool
)

// Cell is a single grid value: a string, a number, a boolean or empty. The
// zero value is the empty cell. A null upstream value maps to the empty cell.
type Cell struct {
	kind   kind
	number float64 // the value of a number cell; 0 or 1 for a bool cell
	string string
}

// String creates a string cell.
func String(s string) Cell {
	return Cell{kind: kindString, string: s}
}

// Number creates a number cell.
func Number(n float64) Cell {
	return Cell{kind: kindNumber, number: n}
}

// Bool creates a boolean cell.
func Bool(b bool) Cell {
	var n float64
	if b {
		n = 1
	}
	return Cell{kind: kindBool, number: n}
}

// Empty creates an empty cell.
func Empty() Cell {
	return Cell{}
}

// FromValue creates a cell from a generic JSON value as decoded by
// encoding/json. Unrecognized types are rendered as strings.
func FromValue(v interface{}) Cell {
	switch val := v.(type) {
	case nil:
		return Empty()
	case string:
		return String(val)
	case float64:
		return Number(val)
	case bool:
		return Bool(val)
	default:
		return String(fmt.Sprintf("%v", val))
	}
}

// IsNumber checks whether the cell holds a number.
func (c Cell) IsNumber() bool { return c.kind == kindNumber }

// IsEmpty checks whether the cell is empty.
func (c Cell) IsEmpty() bool { return c.kind == kindEmpty }

// String renders the cell for CSV and text output. Numbers are printed in
// their shortest round-trip decimal form, booleans as TRUE / FALSE.
func (c Cell) String() string {
	switch c.kind {
	case kindString:
		return c.string
	case kindNumber:
		return strconv.FormatFloat(c.number, 'f', -1, 64)
	case kindBool:
		if c.number != 0 {
			return "TRUE"
		}
		return "FALSE"
	}
	return ""
}

// Value returns the cell as a JSON-marshalable value. The empty cell is the
// empty string, which keeps spreadsheet rectangles dense.
func (c Cell) Value() interface{} {
	switch c.kind {
	case kindString:
		return c.string
	case kindNumber:
		return c.number
	case kindBool:
		return c.number != 0
	}
	return ""
}

// MarshalJSON implements json.Marshaler.
func (c Cell) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Value())
}

// GobEncode implements gob.GobEncoder. Cells keep their payload in
// unexported fields, which gob would otherwise skip.
func (c Cell) GobEncode() ([]byte, error) {
	switch c.kind {
	case kindString:
		return append([]byte{byte(kindString)}, c.string...), nil
	case kindNumber, kindBool:
		b := make([]byte, 9)
		b[0] = byte(c.kind)
		binary.BigEndian.PutUint64(b[1:], math.Float64bits(c.number))
		return b, nil
	}
	return []byte{byte(kindEmpty)}, nil
}

// GobDecode implements gob.GobDecoder.
func (c *Cell) GobDecode(data []byte) error {
	if len(data) == 0 {
		return errors.Reason("empty cell encoding")
	}
	switch kind(data[0]) {
	case kindEmpty:
		*c = Cell{}
	case kindString:
		*c = String(string(data[1:]))
	case kindNumber, kindBool:
		if len(data) != 9 {
			return errors.Reason("invalid numeric cell encoding of %d bytes", len(data))
		}
		*c = Cell{kind: kind(data[0]),
			number: math.Float64frombits(binary.BigEndian.Uint64(data[1:]))}
	default:
		return errors.Reason("unknown cell kind: %d", data[0])
	}
	return nil
}

// Row is a slice of cells.
type Row []Cell

// CSV is an encoding/csv compatible row representation.
func (r Row) CSV() []string {
	res := make([]string, len(r))
	for i, c := range r {
		res[i] = c.String()
	}
	return res
}

// Values returns the row as a slice of JSON-marshalable values.
func (r Row) Values() []interface{} {
	res := make([]interface{}, len(r))
	for i, c := range r {
		res[i] = c.Value()
	}
	return res
}

// Grid is the result rectangle: an optional header and data rows.
type Grid struct {
	Header []string // optional, may be nil
	Rows   []Row
}

// NewGrid creates a new Grid instance with optional column headers. It is
// expected that, when present, the number of column headers is the same as
// the number of cells in each Row.
func NewGrid(header ...string) *Grid {
	return &Grid{Header: header}
}

// AddRow adds one or more rows to the grid.
func (g *Grid) AddRow(rows ...Row) {
	g.Rows = append(g.Rows, rows...)
}

// FromCSV creates a grid from CSV-shaped string data, recovering cell types
// from the text: an empty field is the empty cell, a field parseable as a
// float is a number, TRUE / FALSE (case-insensitively) is a boolean, anything
// else stays a string. This inverts the rendering of WriteCSV.
func FromCSV(header []string, rows [][]string) *Grid {
	cell := func(s string) Cell {
		if s == "" {
			return Empty()
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return Number(n)
		}
		if strings.EqualFold(s, "true") {
			return Bool(true)
		}
		if strings.EqualFold(s, "false") {
			return Bool(false)
		}
		return String(s)
	}
	g := NewGrid(header...)
	for _, r := range rows {
		row := make(Row, len(r))
		for i, s := range r {
			row[i] = cell(s)
		}
		g.AddRow(row)
	}
	return g
}

// Select projects the grid onto the requested columns. Matching is
// case-insensitive, requested names are lowercased and trimmed in the output
// header, and a single "*" selects all columns in their original order.
// Requested columns missing from the grid yield empty cells.
func (g *Grid) Select(columns []string) *Grid {
	props := make([]string, len(columns))
	for i, c := range columns {
		props[i] = strings.ToLower(strings.TrimSpace(c))
	}
	if len(props) == 1 && props[0] == "*" {
		props = make([]string, len(g.Header))
		for i, h := range g.Header {
			props[i] = strings.ToLower(h)
		}
	}
	index := make(map[string]int, len(g.Header))
	for i, h := range g.Header {
		index[strings.ToLower(h)] = i
	}
	res := NewGrid(props...)
	for _, r := range g.Rows {
		row := make(Row, len(props))
		for i, p := range props {
			if j, ok := index[p]; ok && j < len(r) {
				row[i] = r[j]
			}
		}
		res.AddRow(row)
	}
	return res
}

// Params are parameters for JSON, CSV or text export of Grid data.
type Params struct {
	Rows        int  // max. number of rows to write; 0 = unlimited (default)
	NoHeader    bool // whether to print the header, default - yes
	MaxColWidth int  // for WriteText only; 0 = unlimited, otherwise must be >= 4
}

// WriteJSON writes the grid as a JSON array of arrays, the header row first.
// This is the rectangle shape a spreadsheet host consumes.
func (g *Grid) WriteJSON(w io.Writer, p Params) error {
	out := make([][]interface{}, 0, len(g.Rows)+1)
	if !p.NoHeader && len(g.Header) > 0 {
		header := make([]interface{}, len(g.Header))
		for i, h := range g.Header {
			header[i] = h
		}
		out = append(out, header)
	}
	for i, r := range g.Rows {
		if p.Rows > 0 && i >= p.Rows {
			break
		}
		out = append(out, r.Values())
	}
	if err := json.NewEncoder(w).Encode(out); err != nil {
		return errors.Annotate(err, "failed to encode rows as JSON")
	}
	return nil
}

// WriteCSV writes the entire grid to w in CSV format.
func (g *Grid) WriteCSV(w io.Writer, p Params) error {
	cw := csv.NewWriter(w)
	if !p.NoHeader && len(g.Header) > 0 {
		if err := cw.Write(g.Header); err != nil {
			return errors.Annotate(err, "failed to write header")
		}
	}
	for i, r := range g.Rows {
		if p.Rows > 0 && i >= p.Rows {
			break
		}
		if err := cw.Write(r.CSV()); err != nil {
			return errors.Annotate(err, "failed to write row")
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return errors.Annotate(err, "failed to flush written rows")
	}
	return nil
}

// WriteText writes the grid as a text formatted for ease of reading.
func (g *Grid) WriteText(w io.Writer, p Params) error {
	if p.MaxColWidth != 0 && p.MaxColWidth < 4 {
		return errors.Reason("MaxColWidth [%d] must be 0 or >= 4", p.MaxColWidth)
	}
	var widths []int
	update := func(row []string) error {
		if len(row) == 0 {
			return errors.Reason("row size = 0")
		}
		if len(widths) == 0 {
			widths = make([]int, len(row))
		}
		if len(row) != len(widths) {
			return errors.Reason("row size [%d] != expected size [%d]",
				len(row), len(widths))
		}
		for i := range widths {
			if widths[i] < len(row[i]) {
				widths[i] = len(row[i])
				if p.MaxColWidth > 0 && widths[i] > p.MaxColWidth {
					widths[i] = p.MaxColWidth
				}
			}
		}
		return nil
	}

	write := func(row []string) error {
		trimmed := make([]string, len(row))
		for i, s := range row {
			trimmed[i] = s
			if len([]rune(s)) > widths[i] {
				r := []rune(s)[:widths[i]-2]
				trimmed[i] = string(r) + ".."
			}
			trimmed[i] = fmt.Sprintf("%[2]*[1]s", trimmed[i], widths[i])
		}
		_, err := fmt.Fprintf(w, "%s\n", strings.Join(trimmed, " | "))
		return err
	}

	dashes := func(n int) string {
		b := make([]byte, n)
		for i := range b {
			b[i] = byte('-')
		}
		return string(b)
	}

	dashedRow := func() []string {
		row := make([]string, len(widths))
		for i, w := range widths {
			row[i] = dashes(w)
		}
		return row
	}

	if !p.NoHeader && len(g.Header) > 0 {
		if err := update(g.Header); err != nil {
			return errors.Annotate(err, "failed to update header widths")
		}
	}
	for i, r := range g.Rows {
		if p.Rows > 0 && i >= p.Rows {
			break
		}
		if err := update(r.CSV()); err != nil {
			return errors.Annotate(err, "failed to update row widths")
		}
	}

	if !p.NoHeader && len(g.Header) > 0 {
		if err := write(g.Header); err != nil {
			return errors.Annotate(err, "failed to write header")
		}
		if err := write(dashedRow()); err != nil {
			return errors.Annotate(err, "failed to write header separator")
		}
	}
	for i, r := range g.Rows {
		if p.Rows > 0 && i >= p.Rows {
			break
		}
		if err := write(r.CSV()); err != nil {
			return errors.Annotate(err, "failed to write row")
		}
	}
	return nil
}

// Describe summarizes the numeric columns of g. For each column with at least
// one number cell it reports the count of numbers and their mean, standard
// deviation, min and max. Columns without numbers are skipped.
func Describe(g *Grid) *Grid {
	res := NewGrid("column", "count", "mean", "stdev", "min", "max")
	for i, h := range g.Header {
		var vals []float64
		for _, r := range g.Rows {
			if i < len(r) && r[i].IsNumber() {
				vals = append(vals, r[i].number)
			}
		}
		if len(vals) == 0 {
			continue
		}
		stdev := 0.0
		if len(vals) > 1 {
			stdev = stat.StdDev(vals, nil)
		}
		res.AddRow(Row{
			String(h),
			Number(float64(len(vals))),
			Number(stat.Mean(vals, nil)),
			Number(stdev),
			Number(floats.Min(vals)),
			Number(floats.Max(vals)),
		})
	}
	return res
}
