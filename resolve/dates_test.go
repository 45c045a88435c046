package resolve

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickyhof/dotdata/core"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestDetectDate(t *testing.T) {
	tests := []struct {
		input string
		order DateOrder
		want  time.Time
		ok    bool
	}{
		{"2024-01-15T10:30:00Z", MonthFirst, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC), true},
		{"2024-01-15T10:30:00.250Z", MonthFirst, time.Date(2024, 1, 15, 10, 30, 0, 250_000_000, time.UTC), true},
		{"2024-01-15T10:30:00+02:00", MonthFirst, time.Date(2024, 1, 15, 8, 30, 0, 0, time.UTC), true},
		{"2024-01-15 10:30", MonthFirst, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC), true},
		{"2024-01-15", MonthFirst, day(2024, 1, 15), true},
		{"2024/1/15", MonthFirst, day(2024, 1, 15), true},
		{"02/01/2024", MonthFirst, day(2024, 2, 1), true},
		{"02/01/2024", DayFirst, day(2024, 1, 2), true},
		{"25/12/2024", MonthFirst, day(2024, 12, 25), true},
		{"12/25/2024", DayFirst, day(2024, 12, 25), true},
		{"05/05/2024", StrictOrder, day(2024, 5, 5), true},
		{"25.12.2024", MonthFirst, day(2024, 12, 25), true},
		{"1700000000", MonthFirst, time.Unix(1700000000, 0).UTC(), true},
		{"1700000000123", MonthFirst, time.UnixMilli(1700000000123).UTC(), true},
		{"15 Jan 2024", MonthFirst, day(2024, 1, 15), true},
		{"3rd September 2024", MonthFirst, day(2024, 9, 3), true},
		{"14:30", MonthFirst, time.Date(2024, 3, 10, 14, 30, 0, 0, time.UTC), true},
		{"2024", MonthFirst, day(2024, 1, 1), true},
		{"2024-02-30", MonthFirst, time.Time{}, false},
		{"2024-13-01T00:00:00Z", MonthFirst, time.Time{}, false},
		{"31/31/2024", MonthFirst, time.Time{}, false},
		{"555-123-4567", MonthFirst, time.Time{}, false},
		{"12345", MonthFirst, time.Time{}, false},
		{"15 Foo 2024", MonthFirst, time.Time{}, false},
		{"25:00", MonthFirst, time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.input+"/"+tt.order.String(), func(t *testing.T) {
			got, ok, err := DetectDate(tt.input, tt.order, fixedNow)
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.True(t, tt.want.Equal(got), "got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStrictOrderRejectsAmbiguousDates(t *testing.T) {
	_, _, err := DetectDate("02/01/2024", StrictOrder, fixedNow)
	assert.ErrorIs(t, err, core.ErrAmbiguousDate)

	c := newTestContext(Options{DateOrder: StrictOrder})
	_, err = c.Resolve(lit("02/01/2024"), Site{Line: 7, Field: "due"})
	var resolveErr *core.ResolveError
	require.ErrorAs(t, err, &resolveErr)
	assert.Equal(t, 7, resolveErr.Line)
}

func TestParseDateOrder(t *testing.T) {
	for input, want := range map[string]DateOrder{"us": MonthFirst, "EU": DayFirst, "strict": StrictOrder, "": MonthFirst} {
		got, err := ParseDateOrder(input)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseDateOrder("iso")
	assert.Error(t, err)
}

func TestParseDateAcceptsVerboseLayouts(t *testing.T) {
	got, err := ParseDate("January 15, 2024", MonthFirst, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, day(2024, 1, 15), got)

	_, err = ParseDate("next tuesday", MonthFirst, fixedNow)
	assert.ErrorIs(t, err, core.ErrInvalidCast)
}

func TestParseOffset(t *testing.T) {
	offset, err := ParseOffset("1y2M3d4h")
	require.NoError(t, err)
	assert.Equal(t, Offset{Years: 1, Months: 2, Days: 3, Clock: 4 * time.Hour}, offset)
	assert.Equal(t, time.Date(2025, 5, 13, 16, 0, 0, 0, time.UTC), offset.Apply(fixedNow, 1))

	weeks, err := ParseOffset("2w")
	require.NoError(t, err)
	assert.Equal(t, day(2024, 2, 25), weeks.Apply(day(2024, 3, 10), -1))

	for _, bad := range []string{"", "7", "7x", "d7", "7d junk"} {
		_, err := ParseOffset(bad)
		assert.Error(t, err, bad)
	}
}
