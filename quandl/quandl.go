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
	"context"
	"encoding/json"
	"net/url"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/fetch"
	"github.com/stockparfait/logging"
	"github.com/stockparfait/quandlfn/dates"
)

type contextKey int

const (
	clientContextKey contextKey = iota
)

// URL is the default base URL of the server. It may be overwritten in tests
// before creating a new client.
var URL = "https://www.quandl.com/api/v3"

// Client for querying Quandl datasets and datatables.
type Client struct {
	baseURL string // the base URL of the server
	apiKey  string // your very own secret key
}

// newClient creates a new client.
func newClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

// GetClient extracts the Client from the context, if any.
func GetClient(ctx context.Context) *Client {
	c, ok := ctx.Value(clientContextKey).(*Client)
	if !ok {
		return nil
	}
	return c
}

// UseClient creates a new client based on the API key and injects it into the
// context.
func UseClient(ctx context.Context, apiKey string) context.Context {
	return context.WithValue(ctx, clientContextKey, newClient(URL, apiKey))
}

// clientFromContext extracts the Client and checks that it can authenticate.
func clientFromContext(ctx context.Context) (*Client, error) {
	client := GetClient(ctx)
	if client == nil {
		return nil, errors.Reason("no client in context")
	}
	if client.apiKey == "" {
		return nil, errors.Reason("API key is not set")
	}
	return client, nil
}

// Value is an arbitrary value of a table cell.
type Value interface{}

// DatasetQuery are the optional constraints of a time-series dataset fetch.
// Zero-value dates are not sent, and the server returns the full series.
type DatasetQuery struct {
	StartDate dates.Date
	EndDate   dates.Date
}

// Values returns the URL query values for the dataset query. Each call
// creates a new object, so the caller is free to modify it.
func (q DatasetQuery) Values() url.Values {
	v := make(url.Values)
	if !q.StartDate.IsZero() {
		v["start_date"] = []string{q.StartDate.String()}
	}
	if !q.EndDate.IsZero() {
		v["end_date"] = []string{q.EndDate.String()}
	}
	return v
}

// Dataset is a time-series dataset as returned by the datasets API. Data rows
// are ordered by the server, newest first by default, and their values
// correspond to ColumnNames.
type Dataset struct {
	DatabaseCode string     `json:"database_code"`
	DatasetCode  string     `json:"dataset_code"`
	Name         string     `json:"name"`
	Frequency    string     `json:"frequency"`
	ColumnNames  []string   `json:"column_names"`
	StartDate    dates.Date `json:"start_date"`
	EndDate      dates.Date `json:"end_date"`
	Data         [][]Value  `json:"data"`
}

// datasetPage is the envelope of a datasets API response.
type datasetPage struct {
	Dataset Dataset `json:"dataset"`
}

// TestDatasetPage generates the JSON string in a format as returned by the
// datasets API. For use in tests.
func TestDatasetPage(d Dataset) (string, error) {
	bytes, err := json.Marshal(&datasetPage{Dataset: d})
	return string(bytes), err
}

// FetchDataset downloads the time-series dataset specified as
// PUBLISHER/DATASET, e.g. "WIKI/AAPL", within the query constraints.
func FetchDataset(ctx context.Context, dataset string, dq DatasetQuery) (*Dataset, error) {
	client, err := clientFromContext(ctx)
	if err != nil {
		return nil, err
	}
	uri := client.baseURL + "/datasets/" + dataset + ".json"
	query := dq.Values()
	query["api_key"] = []string{client.apiKey}

	var page datasetPage
	if err := fetch.FetchJSON(ctx, uri, &page, query, nil); err != nil {
		return nil, errors.Annotate(err, "failed to fetch dataset %s", dataset)
	}
	logging.Infof(ctx, "Quandl: fetched dataset %s with %d rows",
		dataset, len(page.Dataset.Data))
	return &page.Dataset, nil
}
