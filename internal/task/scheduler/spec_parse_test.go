package scheduler

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrequency(t *testing.T) {
	cases := []struct {
		in      string
		want    Frequency
		wantErr bool
	}{
		{"", Once, false},
		{"Once", Once, false},
		{" daily ", Daily, false},
		{"WEEKLY", Weekly, false},
		{"monthly", Once, true},
		{"*/5 * * * *", Once, true},
	}
	for _, c := range cases {
		got, err := ParseFrequency(c.in)
		if c.wantErr {
			assert.Error(t, err, c.in)
			continue
		}
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-01-03")
	require.NoError(t, err)
	assert.Equal(t, Date{Year: 2024, Month: time.January, Day: 3}, d)
	assert.Equal(t, "2024-01-03", d.String())

	_, err = ParseDate("03/01/2024")
	assert.Error(t, err)
	_, err = ParseDate("2024-02-30")
	assert.Error(t, err)
	_, err = ParseDate("  ")
	assert.Error(t, err)
}

func TestParseClock(t *testing.T) {
	cases := []struct {
		in      string
		want    Clock
		wantErr bool
	}{
		{"09:00", Clock{Hour: 9}, false},
		{"9:05", Clock{Hour: 9, Minute: 5}, false},
		{"23:59:30", Clock{Hour: 23, Minute: 59, Second: 30}, false},
		{"24:00", Clock{}, true},
		{"12:60", Clock{}, true},
		{"noon", Clock{}, true},
	}
	for _, c := range cases {
		got, err := ParseClock(c.in)
		if c.wantErr {
			assert.Error(t, err, c.in)
			continue
		}
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestCombine(t *testing.T) {
	at := Combine(Date{Year: 2024, Month: time.January, Day: 1}, Clock{Hour: 9}, nil)

	assert.Equal(t, time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), at)
}

func TestParseLocation(t *testing.T) {
	loc, err := ParseLocation("", nil)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	_, err = ParseLocation("Mars/Olympus_Mons", nil)
	assert.Error(t, err)
}

func TestRequest_JSON(t *testing.T) {
	var req Request
	err := json.Unmarshal([]byte(`{"start_at":"2024-01-01T09:00:00Z","end_date":"2024-01-03","frequency":"daily"}`), &req)
	require.NoError(t, err)

	assert.Equal(t, Daily, req.Frequency)
	assert.Equal(t, Date{Year: 2024, Month: time.January, Day: 3}, req.EndDate)
	assert.Len(t, Expand(req), 3)
}

func TestDate_Compare(t *testing.T) {
	a := Date{Year: 2024, Month: time.January, Day: 31}
	b := Date{Year: 2024, Month: time.February, Day: 1}

	assert.True(t, a.Before(b))
	assert.True(t, b.After(a))
	assert.False(t, a.Before(a))
	assert.Equal(t, 1, a.DaysUntil(b))
	assert.Equal(t, -1, b.DaysUntil(a))
}
