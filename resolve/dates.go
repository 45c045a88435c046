package resolve

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nickyhof/dotdata/core"
)

// DateOrder decides how an ambiguous slash date such as 02/01/2024 is read.
type DateOrder int

const (
	MonthFirst DateOrder = iota
	DayFirst
	StrictOrder
)

func (order DateOrder) String() string {
	switch order {
	case DayFirst:
		return "eu"
	case StrictOrder:
		return "strict"
	}
	return "us"
}

// ParseDateOrder accepts the DATE_ORDER directive and configuration values.
func ParseDateOrder(s string) (DateOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "us", "mdy", "month_first":
		return MonthFirst, nil
	case "eu", "dmy", "day_first":
		return DayFirst, nil
	case "strict":
		return StrictOrder, nil
	}
	return MonthFirst, fmt.Errorf("unknown date order %q (want us, eu or strict)", s)
}

type datePattern struct {
	name  string
	re    *regexp.Regexp
	parse func(m []string, order DateOrder, now time.Time) (time.Time, bool, error)
}

// datePatterns is evaluated in order; the first pattern that both matches
// and yields a valid calendar date wins.
var datePatterns = []datePattern{
	{"iso-utc", regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})[T ](\d{2}):(\d{2})(?::(\d{2})(\.\d{1,9})?)?(Z)?$`), parseISO},
	{"iso-offset", regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})[T ](\d{2}):(\d{2})(?::(\d{2})(\.\d{1,9})?)?([+-]\d{2}:?\d{2})$`), parseISO},
	{"date", regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})$`), parseYMD},
	{"ymd-slash", regexp.MustCompile(`^(\d{4})/(\d{1,2})/(\d{1,2})$`), parseYMD},
	{"slash", regexp.MustCompile(`^(\d{1,2})[/-](\d{1,2})[/-](\d{4})$`), parseSlash},
	{"dotted", regexp.MustCompile(`^(\d{1,2})\.(\d{1,2})\.(\d{4})$`), parseDotted},
	{"unix", regexp.MustCompile(`^(\d{10})$`), parseUnix},
	{"unix-millis", regexp.MustCompile(`^(\d{13})$`), parseUnix},
	{"natural", regexp.MustCompile(`^(\d{1,2})(?:st|nd|rd|th)?\s+([A-Za-z]+)\.?,?\s+(\d{4})$`), parseNatural},
	{"time", regexp.MustCompile(`^(\d{1,2}):(\d{2})(?::(\d{2}))?$`), parseTime},
	{"year", regexp.MustCompile(`^(\d{4})$`), parseYear},
}

// DetectDate runs the content-based date table against s. It reports false
// when no pattern yields a valid date. An ambiguous slash date under
// StrictOrder is an error wrapping core.ErrAmbiguousDate.
func DetectDate(s string, order DateOrder, now time.Time) (time.Time, bool, error) {
	s = strings.TrimSpace(s)
	for _, pattern := range datePatterns {
		m := pattern.re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		t, ok, err := pattern.parse(m, order, now)
		if err != nil {
			return time.Time{}, false, err
		}
		if ok {
			return t.UTC(), true, nil
		}
	}
	return time.Time{}, false, nil
}

var castLayouts = []string{
	time.RFC3339Nano,
	time.RFC1123Z,
	time.RFC1123,
	time.RFC850,
	"January 2, 2006",
	"Jan 2, 2006",
	"January 2 2006",
	"Jan 2 2006",
	"2006-01-02T15:04:05.999999999Z0700",
}

// ParseDate is the Date(...) cast: the detection table plus a few verbose
// layouts detection does not attempt.
func ParseDate(s string, order DateOrder, now time.Time) (time.Time, error) {
	t, ok, err := DetectDate(s, order, now)
	if err != nil {
		return time.Time{}, err
	}
	if ok {
		return t, nil
	}
	for _, layout := range castLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q is not a recognised date", core.ErrInvalidCast, s)
}

func parseISO(m []string, _ DateOrder, _ time.Time) (time.Time, bool, error) {
	year, month, day := atoi(m[1]), atoi(m[2]), atoi(m[3])
	hour, minute := atoi(m[4]), atoi(m[5])
	second := 0
	if m[6] != "" {
		second = atoi(m[6])
	}
	nanos := 0
	if m[7] != "" {
		frac := m[7][1:] + strings.Repeat("0", 9-len(m[7][1:]))
		nanos = atoi(frac)
	}
	location := time.UTC
	if zone := m[8]; zone != "" && zone != "Z" {
		offset, ok := parseOffset(zone)
		if !ok {
			return time.Time{}, false, nil
		}
		location = time.FixedZone(zone, offset)
	}
	if !validDate(year, month, day) || hour > 23 || minute > 59 || second > 59 {
		return time.Time{}, false, nil
	}
	return time.Date(year, time.Month(month), day, hour, minute, second, nanos, location), true, nil
}

func parseOffset(zone string) (int, bool) {
	sign := 1
	if zone[0] == '-' {
		sign = -1
	}
	digits := strings.ReplaceAll(zone[1:], ":", "")
	hours, minutes := atoi(digits[:2]), atoi(digits[2:])
	if hours > 14 || minutes > 59 {
		return 0, false
	}
	return sign * (hours*3600 + minutes*60), true
}

func parseYMD(m []string, _ DateOrder, _ time.Time) (time.Time, bool, error) {
	return calendarDate(atoi(m[1]), atoi(m[2]), atoi(m[3]))
}

func parseSlash(m []string, order DateOrder, _ time.Time) (time.Time, bool, error) {
	first, second, year := atoi(m[1]), atoi(m[2]), atoi(m[3])
	switch {
	case first > 12 && second > 12:
		return time.Time{}, false, nil
	case first > 12:
		return calendarDate(year, second, first)
	case second > 12 || first == second:
		return calendarDate(year, first, second)
	}
	switch order {
	case DayFirst:
		return calendarDate(year, second, first)
	case StrictOrder:
		return time.Time{}, false, fmt.Errorf("%w: %s could be month-first or day-first", core.ErrAmbiguousDate, m[0])
	}
	return calendarDate(year, first, second)
}

func parseDotted(m []string, _ DateOrder, _ time.Time) (time.Time, bool, error) {
	return calendarDate(atoi(m[3]), atoi(m[2]), atoi(m[1]))
}

func parseUnix(m []string, _ DateOrder, _ time.Time) (time.Time, bool, error) {
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	if len(m[1]) == 13 {
		return time.UnixMilli(n), true, nil
	}
	return time.Unix(n, 0), true, nil
}

var monthNames = map[string]time.Month{
	"jan": time.January, "january": time.January,
	"feb": time.February, "february": time.February,
	"mar": time.March, "march": time.March,
	"apr": time.April, "april": time.April,
	"may": time.May,
	"jun": time.June, "june": time.June,
	"jul": time.July, "july": time.July,
	"aug": time.August, "august": time.August,
	"sep": time.September, "sept": time.September, "september": time.September,
	"oct": time.October, "october": time.October,
	"nov": time.November, "november": time.November,
	"dec": time.December, "december": time.December,
}

func parseNatural(m []string, _ DateOrder, _ time.Time) (time.Time, bool, error) {
	month, ok := monthNames[strings.ToLower(m[2])]
	if !ok {
		return time.Time{}, false, nil
	}
	return calendarDate(atoi(m[3]), int(month), atoi(m[1]))
}

func parseTime(m []string, _ DateOrder, now time.Time) (time.Time, bool, error) {
	hour, minute, second := atoi(m[1]), atoi(m[2]), 0
	if m[3] != "" {
		second = atoi(m[3])
	}
	if hour > 23 || minute > 59 || second > 59 {
		return time.Time{}, false, nil
	}
	y, mo, d := now.UTC().Date()
	return time.Date(y, mo, d, hour, minute, second, 0, time.UTC), true, nil
}

func parseYear(m []string, _ DateOrder, _ time.Time) (time.Time, bool, error) {
	return calendarDate(atoi(m[1]), 1, 1)
}

func calendarDate(year, month, day int) (time.Time, bool, error) {
	if !validDate(year, month, day) {
		return time.Time{}, false, nil
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), true, nil
}

func validDate(year, month, day int) bool {
	if month < 1 || month > 12 || day < 1 {
		return false
	}
	return day <= time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
