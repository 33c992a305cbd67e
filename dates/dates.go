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

// Package dates implements calendar dates as they appear in function
// arguments and data API queries: ISO-like strings and spreadsheet serial day
// numbers.
package dates

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/quandlfn/message"
)

// lessLex is a lexicographic ordering on the slices of int.
func lessLex(x, y []int) bool {
	l := len(x)
	if len(y) < l {
		l = len(y)
	}
	for i := 0; i < l; i++ {
		if x[i] < y[i] {
			return true
		}
		if x[i] > y[i] {
			return false
		}
	}
	return len(x) < len(y)
}

func parseTime(s string) (time.Time, error) {
	formats := []string{
		"2006-01-02",
		"2006/01/02",
		"20060102",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	}
	var err error
	for _, f := range formats {
		var tm time.Time
		if tm, err = time.Parse(f, s); err == nil {
			return tm, nil
		}
	}
	return time.Time{}, err
}

// serialEpoch is day 1 in the spreadsheet serial day convention.
var serialEpoch = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// Date records a calendar date as year, month and day. The struct is designed
// to fit into 4 bytes.
type Date struct {
	YearVal  uint16
	MonthVal uint8
	DayVal   uint8
}

var _ json.Marshaler = Date{}
var _ json.Unmarshaler = &Date{}
var _ message.Message = &Date{}

// NewDate is the constructor for Date.
func NewDate(year uint16, month, day uint8) Date {
	return Date{year, month, day}
}

// NewDateFromTime creates a Date instance from a time.Time value in UTC.
func NewDateFromTime(t time.Time) Date {
	return Date{
		YearVal:  uint16(t.Year()),
		MonthVal: uint8(t.Month()),
		DayVal:   uint8(t.Day()),
	}
}

// NewDateFromString creates a Date instance from a string representation.
// Accepted layouts: "2006-01-02", "2006/01/02", "20060102", and the first two
// with a time part, which is ignored.
func NewDateFromString(s string) (Date, error) {
	t, err := parseTime(s)
	if err != nil {
		return Date{}, errors.Annotate(err, "failed to parse a Date string: '%s'", s)
	}
	return NewDateFromTime(t), nil
}

// NewDateFromSerial creates a Date from a spreadsheet serial day number,
// where serial 1 is 1900-01-01. A fractional time-of-day part is truncated.
func NewDateFromSerial(serial float64) (Date, error) {
	days := int(math.Floor(serial))
	if days < 1 {
		return Date{}, errors.Reason("serial day number must be >= 1: %v", serial)
	}
	t := serialEpoch.AddDate(0, 0, days-1)
	if t.Year() > 9999 {
		return Date{}, errors.Reason("serial day number is out of range: %v", serial)
	}
	return NewDateFromTime(t), nil
}

func (d Date) Year() uint16 { return d.YearVal }
func (d Date) Month() uint8 { return d.MonthVal }
func (d Date) Day() uint8   { return d.DayVal }

// String representation of the value.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year(), d.Month(), d.Day())
}

// MarshalJSON implements json.Marshaler.
func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler. NOTE: unlike other methods, this
// is a pointer method. An empty or all-zeros string is the zero Date, as some
// API responses use those for "no date".
func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Annotate(err, "Date JSON must be a string")
	}
	if s == "" || s == "0000-00-00" {
		*d = Date{}
		return nil
	}
	date, err := NewDateFromString(s)
	if err != nil {
		return errors.Annotate(err, "failed to parse Date string")
	}
	*d = date
	return nil
}

// InitMessage implements message.Message. A date in a JSON document may be a
// string, a spreadsheet serial day number, or {} for the zero value.
func (d *Date) InitMessage(js interface{}) error {
	switch s := js.(type) {
	case string:
		date, err := NewDateFromString(s)
		if err != nil {
			return errors.Annotate(err, "failed to parse Date string")
		}
		*d = date
	case float64:
		date, err := NewDateFromSerial(s)
		if err != nil {
			return errors.Annotate(err, "failed to parse serial date")
		}
		*d = date
	case map[string]interface{}:
		*d = Date{}
	default:
		return errors.Reason("expected a string, a number or {}, got %v", js)
	}
	return nil
}

// ToTime converts Date to Time in UTC.
func (d Date) ToTime() time.Time {
	return time.Date(int(d.Year()), time.Month(d.Month()), int(d.Day()), 0, 0, 0, 0, time.UTC)
}

// Before compares two Date objects for strict inequality (self < d2).
func (d Date) Before(d2 Date) bool {
	return lessLex([]int{int(d.Year()), int(d.Month()), int(d.Day())},
		[]int{int(d2.Year()), int(d2.Month()), int(d2.Day())})
}

// After compares two Date objects for strict inequality, self > d2.
func (d Date) After(d2 Date) bool {
	return d2.Before(d)
}

// IsZero checks whether the date has a zero value.
func (d Date) IsZero() bool {
	return d.Year() == 0 && d.Month() == 0 && d.Day() == 0
}

// InRange checks if d is in the inclusive date range. Any of the bounds may be
// zero value, in which case it's ignored.
func (d Date) InRange(start, end Date) bool {
	if d.IsZero() {
		return false
	}
	if !start.IsZero() && start.After(d) {
		return false
	}
	if !end.IsZero() && end.Before(d) {
		return false
	}
	return true
}

// MinDate and MaxDate are the widest date bounds a series query accepts, and
// the default values of its date parameters.
var (
	MinDate = NewDate(1900, 1, 1)
	MaxDate = NewDate(2099, 12, 31)
)
