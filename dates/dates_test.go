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

package dates

import (
	"encoding/json"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestDate(t *testing.T) {
	t.Parallel()

	Convey("Date works", t, func() {
		Convey("constructors and accessors", func() {
			d := NewDate(2015, 3, 31)
			So(d.Year(), ShouldEqual, 2015)
			So(d.Month(), ShouldEqual, 3)
			So(d.Day(), ShouldEqual, 31)
			So(d.String(), ShouldEqual, "2015-03-31")
			So(d.ToTime(), ShouldResemble,
				time.Date(2015, 3, 31, 0, 0, 0, 0, time.UTC))
			So(NewDateFromTime(d.ToTime()), ShouldResemble, d)
		})

		Convey("from string", func() {
			for _, s := range []string{
				"2015-01-02",
				"2015/01/02",
				"20150102",
				"2015-01-02T23:59:59",
				"2015-01-02 23:59:59",
			} {
				d, err := NewDateFromString(s)
				So(err, ShouldBeNil)
				So(d, ShouldResemble, NewDate(2015, 1, 2))
			}
			_, err := NewDateFromString("Jan 2, 2015")
			So(err, ShouldNotBeNil)
		})

		Convey("from serial day number", func() {
			d, err := NewDateFromSerial(1)
			So(err, ShouldBeNil)
			So(d, ShouldResemble, NewDate(1900, 1, 1))

			d, err = NewDateFromSerial(60)
			So(err, ShouldBeNil)
			So(d, ShouldResemble, NewDate(1900, 3, 1))

			d, err = NewDateFromSerial(366.75) // time of day is dropped
			So(err, ShouldBeNil)
			So(d, ShouldResemble, NewDate(1901, 1, 1))

			_, err = NewDateFromSerial(0)
			So(err, ShouldNotBeNil)
			_, err = NewDateFromSerial(-5)
			So(err, ShouldNotBeNil)
			_, err = NewDateFromSerial(4e6)
			So(err, ShouldNotBeNil)
		})

		Convey("JSON round trip", func() {
			js, err := json.Marshal(NewDate(2020, 12, 31))
			So(err, ShouldBeNil)
			So(string(js), ShouldEqual, `"2020-12-31"`)

			var d Date
			So(json.Unmarshal(js, &d), ShouldBeNil)
			So(d, ShouldResemble, NewDate(2020, 12, 31))

			var zero Date
			So(json.Unmarshal([]byte(`""`), &zero), ShouldBeNil)
			So(zero.IsZero(), ShouldBeTrue)
			So(json.Unmarshal([]byte(`"0000-00-00"`), &zero), ShouldBeNil)
			So(zero.IsZero(), ShouldBeTrue)

			So(json.Unmarshal([]byte(`42`), &d), ShouldNotBeNil)
		})

		Convey("InitMessage", func() {
			var d Date
			So(d.InitMessage("2015-01-02"), ShouldBeNil)
			So(d, ShouldResemble, NewDate(2015, 1, 2))

			So(d.InitMessage(60.0), ShouldBeNil)
			So(d, ShouldResemble, NewDate(1900, 3, 1))

			So(d.InitMessage(map[string]interface{}{}), ShouldBeNil)
			So(d.IsZero(), ShouldBeTrue)

			So(d.InitMessage(true), ShouldNotBeNil)
			So(d.InitMessage("not a date"), ShouldNotBeNil)
		})

		Convey("ordering", func() {
			d := NewDate(2019, 6, 15)
			So(d.Before(NewDate(2019, 6, 16)), ShouldBeTrue)
			So(d.Before(NewDate(2019, 7, 1)), ShouldBeTrue)
			So(d.Before(NewDate(2020, 1, 1)), ShouldBeTrue)
			So(d.Before(d), ShouldBeFalse)
			So(d.After(NewDate(2019, 6, 14)), ShouldBeTrue)
			So(d.After(d), ShouldBeFalse)
		})

		Convey("InRange", func() {
			d := NewDate(2019, 6, 15)
			So(d.InRange(NewDate(2019, 1, 1), NewDate(2019, 12, 31)), ShouldBeTrue)
			So(d.InRange(Date{}, NewDate(2019, 6, 15)), ShouldBeTrue)
			So(d.InRange(NewDate(2019, 6, 16), Date{}), ShouldBeFalse)
			So(d.InRange(MinDate, MaxDate), ShouldBeTrue)
			So(Date{}.InRange(MinDate, MaxDate), ShouldBeFalse)
		})
	})
}
