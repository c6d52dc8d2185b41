package quikrpc

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type (
	// ParamEx mirrors the payload of a getParamEx2 reply. All fields come
	// from the terminal as strings regardless of the parameter type.
	ParamEx struct {
		ParamType  string `json:"param_type"`
		Result     string `json:"result"`
		ParamImage string `json:"param_image"`
		ParamValue string `json:"param_value"`
	}

	// ParamExReply is the result object of getParamEx2.
	ParamExReply struct {
		ParamEx ParamEx `json:"param_ex"`
	}

	// InfoParamReply is the result object of getInfoParam.
	InfoParamReply struct {
		InfoParam string `json:"info_param"`
	}

	// ParamArgs is the argument set shared by getParamEx2, ParamRequest and
	// CancelParamRequest. ParamRequest and CancelParamRequest name the
	// parameter db_name, getParamEx2 names it param_name; both tags are
	// emitted for the one that is set.
	ParamArgs struct {
		ClassCode string `json:"class_code"`
		SecCode   string `json:"sec_code"`
		ParamName string `json:"param_name,omitempty"`
		DBName    string `json:"db_name,omitempty"`
	}
)

// ValueKind is a tag of the decoded parameter value variant.
type ValueKind byte

const (
	// Absent marks a parameter that has no value yet (or an empty image).
	Absent ValueKind = iota
	// Num is a numeric parameter, both integers and floats decode to it.
	Num
	// Text is a string or enumeration parameter stored verbatim.
	Text
	// TimeOfDay is an intraday time parameter without a date part.
	TimeOfDay
	// Date is a calendar date parameter without a time part.
	Date
)

// String implements the Stringer interface.
func (k ValueKind) String() string {
	switch k {
	case Absent:
		return "absent"
	case Num:
		return "num"
	case Text:
		return "text"
	case TimeOfDay:
		return "time"
	case Date:
		return "date"
	default:
		return "unknown"
	}
}

// Value is a tagged decoded parameter value. Only the field matching Kind
// is meaningful; Num holds NaN for failed numeric reads.
type Value struct {
	Kind ValueKind
	Num  float64
	Text string
	Time DayTime
	Date time.Time
}

// NumValue makes a numeric Value.
func NumValue(f float64) Value { return Value{Kind: Num, Num: f} }

// TextValue makes a text Value.
func TextValue(s string) Value { return Value{Kind: Text, Text: s} }

// TimeValue makes a time-of-day Value.
func TimeValue(t DayTime) Value { return Value{Kind: TimeOfDay, Time: t} }

// DateValue makes a date Value.
func DateValue(t time.Time) Value { return Value{Kind: Date, Date: t} }

// MissingNum is a numeric Value with the "failed read" sentinel.
func MissingNum() Value { return Value{Kind: Num, Num: math.NaN()} }

// Equal compares two values. NaN numerics are considered unequal to
// everything including themselves, matching the "value changed" semantics
// of the parameter cache.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case Num:
		return v.Num == o.Num
	case Text:
		return v.Text == o.Text
	case TimeOfDay:
		return v.Time == o.Time
	case Date:
		return v.Date.Equal(o.Date)
	default:
		return true
	}
}

// String implements the Stringer interface.
func (v Value) String() string {
	switch v.Kind {
	case Num:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case Text:
		return v.Text
	case TimeOfDay:
		return v.Time.String()
	case Date:
		return v.Date.Format("02.01.2006")
	default:
		return "<absent>"
	}
}

// DayTime is a time of day in the terminal's local exchange time. It is
// deliberately not bound to any date or timezone.
type DayTime struct {
	Hour int
	Min  int
	Sec  int
}

// String implements the Stringer interface.
func (t DayTime) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Min, t.Sec)
}

// At pins the time of day to the date of ref in ref's location.
func (t DayTime) At(ref time.Time) time.Time {
	return time.Date(ref.Year(), ref.Month(), ref.Day(), t.Hour, t.Min, t.Sec, 0, ref.Location())
}

// ParseDayTime parses an HH:MM:SS image as emitted by the terminal for
// type 5 parameters and getInfoParam('LASTRECORDTIME').
func ParseDayTime(s string) (DayTime, error) {
	tok := strings.Split(s, ":")
	if len(tok) != 3 {
		return DayTime{}, fmt.Errorf("unexpected time image %q", s)
	}
	var parts [3]int
	for i, t := range tok {
		n, err := strconv.Atoi(t)
		if err != nil {
			return DayTime{}, fmt.Errorf("unexpected time image %q: %w", s, err)
		}
		parts[i] = n
	}
	return DayTime{Hour: parts[0], Min: parts[1], Sec: parts[2]}, nil
}

// ParseParamDate parses a DD.MM.YYYY image of a type 6 parameter.
func ParseParamDate(s string) (time.Time, error) {
	d, err := time.Parse("02.01.2006", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unexpected date image %q: %w", s, err)
	}
	return d, nil
}

// DecodeParam converts a ParamEx payload into a tagged Value following the
// bridge's param_type table: 1,2 are numerics, 3,4 are text/enumerations,
// 5 is a time of day and 6 is a date. Anything else is a hard error. Empty
// time and date images decode to Absent.
func DecodeParam(p ParamEx) (Value, error) {
	switch p.ParamType {
	case "1", "2":
		f, err := strconv.ParseFloat(p.ParamValue, 64)
		if err != nil {
			return Value{}, fmt.Errorf("parsing numeric param %q: %w", p.ParamValue, err)
		}
		return NumValue(f), nil
	case "3", "4":
		return TextValue(p.ParamImage), nil
	case "5":
		if p.ParamImage == "" {
			return Value{}, nil
		}
		t, err := ParseDayTime(p.ParamImage)
		if err != nil {
			return Value{}, err
		}
		return TimeValue(t), nil
	case "6":
		if p.ParamImage == "" {
			return Value{}, nil
		}
		d, err := ParseParamDate(p.ParamImage)
		if err != nil {
			return Value{}, err
		}
		return DateValue(d), nil
	default:
		return Value{}, fmt.Errorf("unknown param type %q", p.ParamType)
	}
}
