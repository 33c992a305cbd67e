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

package main

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stockparfait/fetch"
	"github.com/stockparfait/logging"
	"github.com/stockparfait/quandlfn/quandl"
	"github.com/stockparfait/testutil"

	. "github.com/smartystreets/goconvey/convey"
)

// zipFile compresses the named files into an in-memory zip archive.
func zipFile(files map[string]string) (string, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			return "", err
		}
		if _, err := w.Write([]byte(content)); err != nil {
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func TestMain(t *testing.T) {
	t.Parallel()

	tmpdir, tmpdirErr := os.MkdirTemp("", "test_call")
	defer os.RemoveAll(tmpdir)

	Convey("Setup succeeded", t, func() {
		So(tmpdirErr, ShouldBeNil)
	})

	Convey("parseFlags", t, func() {
		Convey("function invocation with options", func() {
			flags, err := parseFlags([]string{
				"-key", "testkey", "-log-level", "warning", "-csv", "-rows", "5",
				"quandl-series", "WIKI/AAPL", "date, close"})
			So(err, ShouldBeNil)
			So(flags.Key, ShouldEqual, "testkey")
			So(flags.LogLevel, ShouldEqual, logging.Warning)
			So(flags.CSV, ShouldBeTrue)
			So(flags.JSON, ShouldBeFalse)
			So(flags.Rows, ShouldEqual, 5)
			So(flags.Args, ShouldResemble,
				[]string{"quandl-series", "WIKI/AAPL", "date, close"})
		})

		Convey("JSON is the default format", func() {
			flags, err := parseFlags([]string{"-meta", "TEST/TABLE"})
			So(err, ShouldBeNil)
			So(flags.JSON, ShouldBeTrue)
		})

		Convey("formats are mutually exclusive", func() {
			_, err := parseFlags([]string{"-csv", "-text", "-meta", "TEST/TABLE"})
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "at most one of -json, -csv or -text")
		})

		Convey("exactly one mode is required", func() {
			_, err := parseFlags([]string{"-key", "testkey"})
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "exactly one of")

			_, err = parseFlags([]string{"-meta", "T/T", "quandl-series", "WIKI/AAPL"})
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "exactly one of")
		})

		Convey("-describe requires an invocation or an export", func() {
			_, err := parseFlags([]string{"-describe", "-meta", "TEST/TABLE"})
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring,
				"-describe requires a function invocation or -export")

			_, err = parseFlags([]string{"-describe", "-export", "TEST/TABLE"})
			So(err, ShouldBeNil)
		})
	})

	Convey("parseArgs converts words to JSON arguments", t, func() {
		So(parseArgs([]string{"WIKI/AAPL", "42", `["a","b"]`, "date, close"}),
			ShouldResemble, []json.RawMessage{
				json.RawMessage(`"WIKI/AAPL"`),
				json.RawMessage(`42`),
				json.RawMessage(`["a","b"]`),
				json.RawMessage(`"date, close"`),
			})
	})

	Convey("cacheStore resolves flags over config", t, func() {
		s, ttl := cacheStore(&Flags{}, &Config{})
		So(s, ShouldBeNil)
		So(ttl, ShouldEqual, time.Duration(0))

		s, ttl = cacheStore(&Flags{}, &Config{CacheDir: "cache"})
		So(s, ShouldNotBeNil)
		So(ttl, ShouldEqual, 24*time.Hour)

		s, ttl = cacheStore(&Flags{CacheDir: "cache", CacheTTL: 0.5},
			&Config{CacheDir: "other", CacheTTLHours: 2})
		So(s, ShouldNotBeNil)
		So(ttl, ShouldEqual, 30*time.Minute)
	})

	Convey("run works", t, func() {
		server := fetch.NewTestServer()
		defer server.Close()

		ctx := fetch.UseClient(context.Background(), server.Client())
		quandl.URL = server.URL() + "/api/v3"

		seriesPage := func(data ...[]quandl.Value) string {
			page, err := quandl.TestDatasetPage(quandl.Dataset{
				DatabaseCode: "WIKI",
				DatasetCode:  "AAPL",
				ColumnNames:  []string{"Date", "Close"},
				Data:         data,
			})
			So(err, ShouldBeNil)
			return page
		}

		Convey("series invocation as JSON", func() {
			server.ResponseBody = []string{
				seriesPage([]quandl.Value{"2015-01-02", 109.33})}
			flags, err := parseFlags([]string{
				"-key", "testkey", "quandl-series", "WIKI/AAPL", "date, close"})
			So(err, ShouldBeNil)
			var buf bytes.Buffer
			So(run(ctx, flags, &buf), ShouldBeNil)
			So(buf.String(), ShouldEqual, `[["date","close"],["2015-01-02",109.33]]`+"\n")
			So(server.RequestPath, ShouldEqual, "/api/v3/datasets/WIKI/AAPL.json")
			So(server.RequestQuery, ShouldResemble, url.Values{
				"api_key":    []string{"testkey"},
				"start_date": []string{"1900-01-01"},
				"end_date":   []string{"2099-12-31"},
			})
		})

		Convey("-csv with -rows caps the data rows", func() {
			server.ResponseBody = []string{seriesPage(
				[]quandl.Value{"2015-01-05", 106.25},
				[]quandl.Value{"2015-01-02", 109.33},
			)}
			flags, err := parseFlags([]string{
				"-key", "testkey", "-csv", "-rows", "1", "quandl-series", "WIKI/AAPL"})
			So(err, ShouldBeNil)
			var buf bytes.Buffer
			So(run(ctx, flags, &buf), ShouldBeNil)
			So(buf.String(), ShouldEqual, "date,close\n2015-01-05,106.25\n")
		})

		Convey("-text prints an aligned table", func() {
			server.ResponseBody = []string{
				seriesPage([]quandl.Value{"2015-01-02", 109.33})}
			flags, err := parseFlags([]string{
				"-key", "testkey", "-text", "quandl-series", "WIKI/AAPL"})
			So(err, ShouldBeNil)
			var buf bytes.Buffer
			So(run(ctx, flags, &buf), ShouldBeNil)
			So("\n"+buf.String(), ShouldEqual, `
      date |  close
---------- | ------
2015-01-02 | 109.33
`)
		})

		Convey("-describe appends summary statistics", func() {
			server.ResponseBody = []string{seriesPage(
				[]quandl.Value{"2015-01-05", 106.25},
				[]quandl.Value{"2015-01-02", 109.33},
			)}
			flags, err := parseFlags([]string{
				"-key", "testkey", "-describe", "quandl-series", "WIKI/AAPL"})
			So(err, ShouldBeNil)
			var buf bytes.Buffer
			So(run(ctx, flags, &buf), ShouldBeNil)
			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			So(len(lines), ShouldEqual, 2)
			So(lines[0], ShouldEqual,
				`[["date","close"],["2015-01-05",106.25],["2015-01-02",109.33]]`)
			So(lines[1], ShouldStartWith,
				`[["column","count","mean","stdev","min","max"],["close",2,`)
			So(lines[1], ShouldEndWith, `,106.25,109.33]]`)
		})

		Convey("config file provides the key and paging", func() {
			configFile := filepath.Join(tmpdir, "config.toml")
			So(testutil.WriteFile(configFile, `
key = "conf-key"
per_page = 7
max_pages = 1
`), ShouldBeNil)
			page, err := quandl.TestTablePage(
				[][]quandl.Value{{"AAPL", 1100.0}},
				quandl.Schema{
					{Name: "ticker", Type: "String"},
					{Name: "marketcap", Type: "double"},
				},
				"morepages")
			So(err, ShouldBeNil)
			server.ResponseBody = []string{page}

			flags, err := parseFlags([]string{
				"-conf", configFile, "quandl-table", "SHARADAR/TICKERS"})
			So(err, ShouldBeNil)
			var buf bytes.Buffer
			So(run(ctx, flags, &buf), ShouldBeNil)
			So(buf.String(), ShouldEqual, `[["ticker","marketcap"],["AAPL",1100]]`+"\n")
			So(server.RequestQuery, ShouldResemble, url.Values{
				"api_key":        []string{"conf-key"},
				"qopts.per_page": []string{"7"},
			})
		})

		Convey("missing API key", func() {
			flags, err := parseFlags([]string{"quandl-series", "WIKI/AAPL"})
			So(err, ShouldBeNil)
			var buf bytes.Buffer
			err = run(ctx, flags, &buf)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "no API key")
		})

		Convey("-out writes to a file", func() {
			server.ResponseBody = []string{
				seriesPage([]quandl.Value{"2015-01-02", 109.33})}
			outFile := filepath.Join(tmpdir, "out.json")
			flags, err := parseFlags([]string{
				"-key", "testkey", "-out", outFile, "quandl-series", "WIKI/AAPL"})
			So(err, ShouldBeNil)
			var buf bytes.Buffer
			So(run(ctx, flags, &buf), ShouldBeNil)
			So(buf.Len(), ShouldEqual, 0)
			data, err := os.ReadFile(outFile)
			So(err, ShouldBeNil)
			So(string(data), ShouldEqual, `[["date","close"],["2015-01-02",109.33]]`+"\n")
		})

		Convey("-meta prints the table schema", func() {
			server.ResponseBody = []string{`
{"datatable":{
 "vendor_code":"TEST",
 "datatable_code":"TABLE",
 "name":"A test table",
 "columns":[
    {"name":"foo","type":"String"},
    {"name":"bar","type":"double"}],
 "filters":["foo"],
 "primary_key":["bar"]
}}`}
			flags, err := parseFlags([]string{
				"-key", "testkey", "-csv", "-meta", "TEST/TABLE"})
			So(err, ShouldBeNil)
			var buf bytes.Buffer
			So(run(ctx, flags, &buf), ShouldBeNil)
			So("\n"+buf.String(), ShouldEqual, `
column,type,filter,primary key
foo,String,TRUE,FALSE
bar,double,FALSE,TRUE
`)
			So(server.RequestPath, ShouldEqual, "/api/v3/datatables/TEST/TABLE/metadata.json")
		})

		Convey("-export streams the snapshot CSV", func() {
			link := server.URL() + "/export/table.zip"
			fresh, err := quandl.TestExportJSON(link, quandl.StatusFresh,
				"2017-04-26 14:33:02 UTC", "2017-10-12 09:03:36 UTC")
			So(err, ShouldBeNil)
			archive, err := zipFile(map[string]string{
				"table.csv": "num,str\n42,one\n84,two\n"})
			So(err, ShouldBeNil)
			server.ResponseBody = []string{fresh, archive}

			flags, err := parseFlags([]string{
				"-key", "testkey", "-rows", "1", "-export", "TEST/TABLE"})
			So(err, ShouldBeNil)
			var buf bytes.Buffer
			So(run(ctx, flags, &buf), ShouldBeNil)
			So(buf.String(), ShouldEqual, "num,str\n42,one\n")
		})

		Convey("-export with -describe appends summary statistics", func() {
			link := server.URL() + "/export/table.zip"
			fresh, err := quandl.TestExportJSON(link, quandl.StatusFresh,
				"2017-04-26 14:33:02 UTC", "2017-10-12 09:03:36 UTC")
			So(err, ShouldBeNil)
			archive, err := zipFile(map[string]string{
				"table.csv": "num,str\n42,one\n84,two\n"})
			So(err, ShouldBeNil)
			server.ResponseBody = []string{fresh, archive}

			flags, err := parseFlags([]string{
				"-key", "testkey", "-describe", "-export", "TEST/TABLE"})
			So(err, ShouldBeNil)
			var buf bytes.Buffer
			So(run(ctx, flags, &buf), ShouldBeNil)
			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			So(len(lines), ShouldEqual, 5)
			So(lines[0], ShouldEqual, "num,str")
			So(lines[3], ShouldEqual, "")
			So(lines[4], ShouldStartWith,
				`[["column","count","mean","stdev","min","max"],["num",2,63,`)
			So(lines[4], ShouldEndWith, `,42,84]]`)
		})

		Convey("-batch runs the requests and keeps their order", func() {
			server.ResponseBody = []string{
				seriesPage([]quandl.Value{"2015-01-02", 109.33})}
			batchFile := filepath.Join(tmpdir, "batch")
			So(testutil.WriteFile(batchFile,
				`{"function": "quandl-series", "args": ["WIKI/AAPL", "date, close"]}`+"\n"+
					`{"function": "quandl-bogus"}`+"\n"), ShouldBeNil)

			flags, err := parseFlags([]string{
				"-key", "testkey", "-parallel", "1", "-batch", batchFile})
			So(err, ShouldBeNil)
			var buf bytes.Buffer
			So(run(ctx, flags, &buf), ShouldBeNil)
			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			So(len(lines), ShouldEqual, 2)
			So(lines[0], ShouldEqual, `[["date","close"],["2015-01-02",109.33]]`)
			So(lines[1], ShouldStartWith, `{"error":`)
			So(lines[1], ShouldContainSubstring, "unknown function: quandl-bogus")
		})

		Convey("-batch rejects malformed requests", func() {
			batchFile := filepath.Join(tmpdir, "bad_batch")
			So(testutil.WriteFile(batchFile, "{truncated\n"), ShouldBeNil)
			flags, err := parseFlags([]string{"-key", "testkey", "-batch", batchFile})
			So(err, ShouldBeNil)
			var buf bytes.Buffer
			err = run(ctx, flags, &buf)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "invalid batch request on line 1")

			So(testutil.WriteFile(batchFile, `{"args": ["WIKI/AAPL"]}`+"\n"), ShouldBeNil)
			err = run(ctx, flags, &buf)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "batch request on line 1 has no function")
		})

		Convey("cached results are reused", func() {
			cacheDir := filepath.Join(tmpdir, "cache")
			server.ResponseBody = []string{
				seriesPage([]quandl.Value{"2015-01-02", 109.33})}
			args := []string{
				"-key", "testkey", "-cache-dir", cacheDir, "quandl-series", "WIKI/AAPL"}
			flags, err := parseFlags(args)
			So(err, ShouldBeNil)
			var first bytes.Buffer
			So(run(ctx, flags, &first), ShouldBeNil)

			// The next upstream response differs; a cache hit must not consume it.
			server.ResponseBody = []string{
				seriesPage([]quandl.Value{"2015-01-03", 101.5})}
			flags, err = parseFlags(args)
			So(err, ShouldBeNil)
			var second bytes.Buffer
			So(run(ctx, flags, &second), ShouldBeNil)
			So(second.String(), ShouldEqual, first.String())

			// Different arguments miss the cache and fetch the new page.
			flags, err = parseFlags(append(args, "close"))
			So(err, ShouldBeNil)
			var third bytes.Buffer
			So(run(ctx, flags, &third), ShouldBeNil)
			So(third.String(), ShouldEqual, `[["close"],[101.5]]`+"\n")
		})
	})
}
