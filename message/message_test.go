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

package message

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stockparfait/testutil"

	. "github.com/smartystreets/goconvey/convey"
)

type Endpoint struct {
	Name       string  `json:"name" required:"true"`
	Kind       string  `json:"kind" default:"dataset" choices:"dataset,datatable"`
	PerPage    int     `json:"per_page" default:"100"`
	Timeout    float64 `default:"2.5"` // json:"Timeout" is assumed
	Retries    *int    `default:"3"`
	Paginated  bool    `default:"true"`
	Deprecated bool
	Aliases    []string          `json:"aliases,omitempty"`
	Tags       map[string]string `json:"tags"`
	Fallback   *Endpoint         `json:"fallback"`
	Ignored    int               `json:"-"`
	unexported int
}

// InitMessage implements Message.
func (e *Endpoint) InitMessage(js interface{}) error {
	return Init(e, js)
}

type BadChoice struct {
	Choice string `choices:"foo,bar"` // no default
}

func (b *BadChoice) InitMessage(js interface{}) error {
	return Init(b, js)
}

func TestMessage(t *testing.T) {
	t.Parallel()

	Convey("Init() works", t, func() {
		Convey("with required fields only", func() {
			var e Endpoint
			So(e.InitMessage(testutil.JSON(`{"name": "series"}`)), ShouldBeNil)
			So(e.Name, ShouldEqual, "series")
			So(e.Kind, ShouldEqual, "dataset")
			So(e.PerPage, ShouldEqual, 100)
			So(e.Timeout, ShouldEqual, 2.5)
			So(*e.Retries, ShouldEqual, 3)
			So(e.Paginated, ShouldBeTrue)
			So(e.Deprecated, ShouldBeFalse)
			So(len(e.Aliases), ShouldEqual, 0)
		})

		Convey("with nested Message entries", func() {
			var e Endpoint
			So(e.InitMessage(testutil.JSON(`{
        "name": "table", "kind": "datatable", "Retries": null,
        "Paginated": false, "Timeout": 5.2, "Deprecated": true,
        "aliases": ["tbl", "datatable"],
        "tags": {"tier": "premium", "vendor": "ndl"},
        "fallback": {"name": "mirror", "PerPage": 50}
      }`)), ShouldBeNil)
			So(e.Name, ShouldEqual, "table")
			So(e.Kind, ShouldEqual, "datatable")
			So(e.Retries, ShouldBeNil)
			So(e.Paginated, ShouldBeFalse)
			So(e.Timeout, ShouldEqual, 5.2)
			So(e.Deprecated, ShouldBeTrue)
			So(e.Aliases, ShouldResemble, []string{"tbl", "datatable"})
			So(e.Tags, ShouldResemble, map[string]string{
				"tier": "premium", "vendor": "ndl"})
			So(e.Fallback.Name, ShouldEqual, "mirror")
			So(e.Fallback.Kind, ShouldEqual, "dataset")
			So(e.Fallback.PerPage, ShouldEqual, 50)
			So(*e.Fallback.Retries, ShouldEqual, 3)
			So(e.unexported, ShouldEqual, 0)
		})

		Convey("with missing fields in nested InitMessage() call", func() {
			var e Endpoint
			// The fallback is missing its name.
			So(e.InitMessage(testutil.JSON(
				`{"name": "table", "fallback": {"PerPage": 50}}`)), ShouldNotBeNil)
		})

		Convey("with missing required field", func() {
			var e Endpoint
			err := e.InitMessage(testutil.JSON(`{"kind": "dataset"}`))
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "missing required fields: name")
		})

		Convey("with ignored fields", func() {
			var e Endpoint
			err := e.InitMessage(testutil.JSON(`{"name": "x", "Ignored": 5}`))
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring,
				"unsupported fields for Endpoint: Ignored")
		})

		Convey("with unexported fields", func() {
			var e Endpoint
			err := e.InitMessage(testutil.JSON(`{"name": "x", "unexported": 5}`))
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring,
				"unsupported fields for Endpoint: unexported")
		})

		Convey("with incorrect kind", func() {
			var e Endpoint
			err := e.InitMessage(testutil.JSON(`{"name": "x", "kind": "stream"}`))
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring,
				"value for Kind is not in its choice list: 'stream'")
		})

		Convey("with incorrect default choice", func() {
			var b BadChoice
			err := b.InitMessage(testutil.JSON(`{}`))
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring,
				"error setting zero value for Choice")
			So(err.Error(), ShouldContainSubstring,
				"value for Choice is not in its choice list: ''")
		})
	})

	Convey("FromJSON works", t, func() {
		var e Endpoint
		So(FromJSON(&e, []byte(`{"name": "series"}`)), ShouldBeNil)
		So(e.Name, ShouldEqual, "series")

		So(FromJSON(&e, []byte(`{"name":`)), ShouldNotBeNil)
		So(FromJSON(&e, []byte(`{"nope": true}`)), ShouldNotBeNil)
	})

	Convey("FromFile works", t, func() {
		tmpdir, tmpdirErr := os.MkdirTemp("", "test_message")
		So(tmpdirErr, ShouldBeNil)
		defer os.RemoveAll(tmpdir)

		path := filepath.Join(tmpdir, "endpoint.json")
		So(testutil.WriteFile(path, `{"name": "series", "kind": "dataset"}`),
			ShouldBeNil)

		var e Endpoint
		So(FromFile(&e, path), ShouldBeNil)
		So(e.Name, ShouldEqual, "series")

		So(FromFile(&e, filepath.Join(tmpdir, "no-such.json")), ShouldNotBeNil)
	})

	Convey("StringIn works", t, func() {
		So(StringIn("date", "string", "date", "number"), ShouldBeTrue)
		So(StringIn("blob", "string", "date"), ShouldBeFalse)
	})
}
