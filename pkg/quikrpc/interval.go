package quikrpc

import (
	"fmt"
	"strings"
)

// Interval is a candle interval identifier as understood by
// datasource.CreateDataSource.
type Interval string

// Interval vocabulary of the bridge.
const (
	IntervalTick Interval = "INTERVAL_TICK"
	IntervalM1   Interval = "INTERVAL_M1"
	IntervalM2   Interval = "INTERVAL_M2"
	IntervalM3   Interval = "INTERVAL_M3"
	IntervalM4   Interval = "INTERVAL_M4"
	IntervalM5   Interval = "INTERVAL_M5"
	IntervalM6   Interval = "INTERVAL_M6"
	IntervalM10  Interval = "INTERVAL_M10"
	IntervalM15  Interval = "INTERVAL_M15"
	IntervalM30  Interval = "INTERVAL_M30"
	IntervalH1   Interval = "INTERVAL_H1"
	IntervalH2   Interval = "INTERVAL_H2"
	IntervalH4   Interval = "INTERVAL_H4"
	IntervalD1   Interval = "INTERVAL_D1"
	IntervalW1   Interval = "INTERVAL_W1"
	IntervalMN1  Interval = "INTERVAL_MN1"
)

var knownIntervals = map[Interval]bool{
	IntervalTick: true,
	IntervalM1:   true, IntervalM2: true, IntervalM3: true,
	IntervalM4: true, IntervalM5: true, IntervalM6: true,
	IntervalM10: true, IntervalM15: true, IntervalM30: true,
	IntervalH1: true, IntervalH2: true, IntervalH4: true,
	IntervalD1: true, IntervalW1: true, IntervalMN1: true,
}

// Valid tells whether i belongs to the bridge's interval vocabulary.
func (i Interval) Valid() bool {
	return knownIntervals[i]
}

// ParseInterval accepts both full identifiers ("INTERVAL_M5") and their
// short forms ("m5", "tick", "D1") as used by the command line tool.
func ParseInterval(s string) (Interval, error) {
	i := Interval(strings.ToUpper(s))
	if !strings.HasPrefix(string(i), "INTERVAL_") {
		i = "INTERVAL_" + i
	}
	if !i.Valid() {
		return "", fmt.Errorf("unknown candle interval %q", s)
	}
	return i, nil
}
