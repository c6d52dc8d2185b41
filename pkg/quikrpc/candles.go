package quikrpc

import (
	"time"
)

type (
	// Candle is one OHLCV bar. Time is naive local-exchange time, no
	// timezone conversion is performed anywhere in the client.
	Candle struct {
		Time   time.Time
		Open   float64
		High   float64
		Low    float64
		Close  float64
		Volume float64
	}

	// CandleTime mirrors the time object of a datasource.T reply.
	CandleTime struct {
		Year  int `json:"year"`
		Month int `json:"month"`
		Day   int `json:"day"`
		Hour  int `json:"hour"`
		Min   int `json:"min"`
		Sec   int `json:"sec"`
		MS    int `json:"ms"`
	}

	// CreateDataSourceArgs is the argument set of datasource.CreateDataSource.
	CreateDataSourceArgs struct {
		ClassCode string   `json:"class_code"`
		SecCode   string   `json:"sec_code"`
		Interval  Interval `json:"interval"`
		Param     string   `json:"param"`
	}

	// CreateDataSourceReply is the result object of datasource.CreateDataSource.
	CreateDataSourceReply struct {
		DatasourceUUID string `json:"datasource_uuid"`
	}

	// DataSourceArgs addresses an open datasource cursor, optionally at a
	// 1-based candle index (datasource.O/H/L/C/V/T).
	DataSourceArgs struct {
		DatasourceUUID string `json:"datasource_uuid"`
		CandleIndex    int    `json:"candle_index,omitempty"`
	}

	// ValueReply is the result object of datasource.Size and of the
	// per-candle datasource.O/H/L/C/V getters.
	ValueReply struct {
		Value float64 `json:"value"`
	}

	// TimeReply is the result object of datasource.T.
	TimeReply struct {
		Time CandleTime `json:"time"`
	}
)

// Time converts the wire representation into a naive time.Time in UTC
// location (the terminal reports exchange-local wall-clock values).
func (t CandleTime) Time() time.Time {
	return time.Date(t.Year, time.Month(t.Month), t.Day, t.Hour, t.Min, t.Sec, t.MS*int(time.Millisecond), time.UTC)
}
