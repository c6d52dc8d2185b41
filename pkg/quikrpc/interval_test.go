package quikrpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInterval(t *testing.T) {
	cases := map[string]Interval{
		"INTERVAL_M5": IntervalM5,
		"m5":          IntervalM5,
		"M15":         IntervalM15,
		"tick":        IntervalTick,
		"h1":          IntervalH1,
		"D1":          IntervalD1,
		"interval_w1": IntervalW1,
		"mn1":         IntervalMN1,
	}
	for in, want := range cases {
		got, err := ParseInterval(in)
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, want, got)
	}

	for _, bad := range []string{"", "m7", "INTERVAL_M42", "minutely"} {
		_, err := ParseInterval(bad)
		require.Error(t, err, "input %q", bad)
	}
}

func TestIntervalValid(t *testing.T) {
	assert.True(t, IntervalH4.Valid())
	assert.False(t, Interval("H4").Valid())
	assert.False(t, Interval("").Valid())
}
