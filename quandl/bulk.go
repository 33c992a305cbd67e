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

package quandl

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/fetch"
	"github.com/stockparfait/logging"
)

// exportHandle is the JSON schema received by the asynchronous table export
// call.
type exportHandle struct {
	Data struct {
		File struct {
			Link         string `json:"link"`
			Status       string `json:"status"`
			SnapshotTime string `json:"data_snapshot_time"`
		} `json:"file"`
		Datatable struct {
			LastRefreshedTime string `json:"last_refreshed_time"`
		} `json:"datatable"`
	} `json:"datatable_bulk_download"`
}

// Values of the Status field of ExportHandle.
const (
	StatusFresh        = "fresh"
	StatusRegenerating = "regenerating"
	StatusCreating     = "creating"
)

// ExportHandle is a simplified result of the asynchronous table export call:
// a link to the zipped CSV snapshot of the entire table and its freshness.
type ExportHandle struct {
	Link              string
	Status            string
	SnapshotTime      string
	LastRefreshedTime string
	testCloser        io.Closer // used in tests
}

// TestExportJSON generates the JSON string in a format as returned by the
// export API. For use in tests.
func TestExportJSON(link, status, snapshotTime, lastRefreshedTime string) (string, error) {
	var h exportHandle
	h.Data.File.Link = link
	h.Data.File.Status = status
	h.Data.File.SnapshotTime = snapshotTime
	h.Data.Datatable.LastRefreshedTime = lastRefreshedTime
	bytes, err := json.Marshal(&h)
	return string(bytes), err
}

// RequestExport asks the server to prepare a full-table snapshot of the table
// specified as PUBLISHER/TABLE. The snapshot is generated asynchronously;
// repeat the call until the handle's Status is StatusFresh.
func RequestExport(ctx context.Context, table string) (*ExportHandle, error) {
	var h exportHandle
	client, err := clientFromContext(ctx)
	if err != nil {
		return nil, err
	}
	uri := client.baseURL + "/datatables/" + table + ".json"
	query := make(url.Values)
	query["api_key"] = []string{client.apiKey}
	query["qopts.export"] = []string{"true"}
	if err := fetch.FetchJSON(ctx, uri, &h, query, nil); err != nil {
		return nil, errors.Annotate(err, "failed to fetch URL")
	}
	b := ExportHandle{
		Link:              h.Data.File.Link,
		Status:            h.Data.File.Status,
		SnapshotTime:      h.Data.File.SnapshotTime,
		LastRefreshedTime: h.Data.Datatable.LastRefreshedTime,
	}
	return &b, nil
}

// ExportPollInterval is the delay between RequestExport polls in BulkExport.
// A variable, to speed up tests.
var ExportPollInterval = 10 * time.Second

// BulkExport requests a full-table snapshot of the table, polls until the
// snapshot is fresh, and streams the rows of its zipped CSV file. This is the
// sanctioned way around the row cap of the paging table API. Make sure to
// call CSVReader.Close() when done with the stream.
func BulkExport(ctx context.Context, table string) (*CSVReader, error) {
	for {
		h, err := RequestExport(ctx, table)
		if err != nil {
			return nil, errors.Annotate(err, "failed to request export of %s", table)
		}
		if h.Status == StatusFresh {
			return ExportCSV(ctx, h)
		}
		logging.Infof(ctx, "Quandl: export of %s is %s, next poll in %s",
			table, h.Status, ExportPollInterval)
		select {
		case <-ctx.Done():
			return nil, errors.Annotate(ctx.Err(),
				"interrupted waiting for export of %s", table)
		case <-time.After(ExportPollInterval):
		}
	}
}

// CSVReader implements a streaming CSV reader, one row at a time, with a
// Close() method to release its resources.
type CSVReader struct {
	reader              *csv.Reader
	closers             []io.Closer
	ignoreDeferredClose bool // see deferredClose method
}

// Read the next CSV row as a slice of strings. It returns the same errors as
// encoding/csv.Reader.Read() method. In particular, it returns nil, io.EOF when
// there are no more rows.
func (r *CSVReader) Read() ([]string, error) {
	return r.reader.Read()
}

// Close CSVReader and release all the resources.
func (r *CSVReader) Close() {
	// Must invoke closers in reverse order. Ignore their errors.
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i].Close()
		r.closers = r.closers[0:i]
	}
}

// deferredClose is to be used in defer in ExportCSV. When an intermediate
// error occurs, it is important to release all of the already registered
// closers before returning an error, but not if the method terminates
// normally.
func (r *CSVReader) deferredClose() {
	if r.ignoreDeferredClose {
		return
	}
	r.Close()
}

// AddCloser to the list of closers. Method Close() will call each registered
// closer in LIFO order.
func (r *CSVReader) AddCloser(c io.Closer) {
	r.closers = append(r.closers, c)
}

// ExportCSV starts downloading the actual data pointed to by ExportHandle. It
// downloads the zip archive with a single CSV file into memory, and returns a
// CSVReader which streams the contents of that file. Make sure to call
// CSVReader.Close() when done with the CSV stream.
func ExportCSV(ctx context.Context, h *ExportHandle) (*CSVReader, error) {
	var csvReader CSVReader
	defer csvReader.deferredClose()

	resp, err := fetch.GetRetry(ctx, h.Link, nil, nil)
	if err != nil {
		return nil, errors.Annotate(err, "failed to initiate download")
	}
	csvReader.AddCloser(resp.Body)
	if h.testCloser != nil { // used in tests to verify that CSVReader was closed
		csvReader.AddCloser(h.testCloser)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Annotate(err, "failed to read response body")
	}
	r := bytes.NewReader(data)
	z, err := zip.NewReader(r, r.Size())
	if err != nil {
		return nil, errors.Annotate(err, "failed to read zip archive")
	}
	if len(z.File) != 1 {
		names := make([]string, len(z.File))
		for i := 0; i < len(z.File); i++ {
			names[i] = z.File[i].Name
		}
		return nil, errors.Reason("archive contains %d files (expected 1):\n  %s",
			len(z.File), strings.Join(names, "\n  "))
	}
	rc, err := z.File[0].Open()
	if err != nil {
		return nil, errors.Annotate(err,
			"failed to open file in archive '%s'", z.File[0].Name)
	}
	csvReader.AddCloser(rc)
	csvReader.reader = csv.NewReader(rc)
	csvReader.ignoreDeferredClose = true
	return &csvReader, nil
}
