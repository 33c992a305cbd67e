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

// Package quandl implements the two data products of the Quandl v3 API:
// time-series datasets and datatables.
//
// A dataset ("WIKI/AAPL") is a dated table downloaded whole with
// FetchDataset, optionally constrained to a date range.
//
// A datatable ("SHARADAR/SF3") has a schema, which is the list of column
// names and their types in the order they appear in the table. The schema of
// the original table can be obtained with FetchTableMetadata. The relevant
// schema is also included in each downloaded page, which may be a subset of
// the full schema if only a subset of columns was requested.
//
// The table API returns at most 10K rows in a single page together with a
// cursor for the next page. RowIterator follows the cursors transparently, up
// to an optional page cap. For tables too large for paging, BulkExport
// downloads a zipped CSV snapshot of the entire table.
//
// All calls authenticate with the API key of the Client installed in the
// context by UseClient.
package quandl
