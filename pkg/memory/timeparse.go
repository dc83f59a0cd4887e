package memory

import (
	"regexp"
	"strconv"
	"time"
)

// maxRelativeDays caps relative expressions at ten years.
const maxRelativeDays = 3650

// timeRange is a half-open [Start, End) interval in UTC.
type timeRange struct {
	Start time.Time
	End   time.Time
}

func (r timeRange) midpoint() time.Time {
	return r.Start.Add(r.End.Sub(r.Start) / 2)
}

func (r timeRange) totalDays() float64 {
	d := r.End.Sub(r.Start).Seconds() / secondsPerDay
	if d < 0.01 {
		return 0.01
	}
	return d
}

type timePattern struct {
	re      *regexp.Regexp
	resolve func(m []string, now time.Time) *timeRange
}

var weekdayNames = map[string]time.Weekday{
	"月": time.Monday,
	"火": time.Tuesday,
	"水": time.Wednesday,
	"木": time.Thursday,
	"金": time.Friday,
	"土": time.Saturday,
	"日": time.Sunday,
}

func midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// lastWeekMonday is the Monday of the calendar week before now's week.
func lastWeekMonday(now time.Time) time.Time {
	today := midnight(now)
	// weekday with Monday = 0
	offset := (int(today.Weekday()) + 6) % 7
	thisMonday := today.AddDate(0, 0, -offset)
	return thisMonday.AddDate(0, 0, -7)
}

// Patterns are ordered most-specific first; the first match wins.
var relativeTimePatterns = []timePattern{
	{
		re: regexp.MustCompile(`(\d+)\s*日前`),
		resolve: func(m []string, now time.Time) *timeRange {
			n, _ := strconv.Atoi(m[1])
			if n > maxRelativeDays {
				n = maxRelativeDays
			}
			today := midnight(now)
			return &timeRange{today.AddDate(0, 0, -n), today}
		},
	},
	{
		re: regexp.MustCompile(`(\d+)\s*週間前`),
		resolve: func(m []string, now time.Time) *timeRange {
			n, _ := strconv.Atoi(m[1])
			if n > maxRelativeDays/7 {
				n = maxRelativeDays / 7
			}
			today := midnight(now)
			return &timeRange{today.AddDate(0, 0, -7*n), today}
		},
	},
	{
		re: regexp.MustCompile(`(\d+)\s*[かヶケ]月前`),
		resolve: func(m []string, now time.Time) *timeRange {
			n, _ := strconv.Atoi(m[1])
			if n > maxRelativeDays/30 {
				n = maxRelativeDays / 30
			}
			today := midnight(now)
			return &timeRange{today.AddDate(0, 0, -30*n), today}
		},
	},
	{
		re: regexp.MustCompile(`(\d{4})年(\d{1,2})月`),
		resolve: func(m []string, now time.Time) *timeRange {
			year, _ := strconv.Atoi(m[1])
			month, _ := strconv.Atoi(m[2])
			if month < 1 || month > 12 {
				return nil
			}
			start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
			return &timeRange{start, start.AddDate(0, 1, 0)}
		},
	},
	{
		re: regexp.MustCompile(`先週の([月火水木金土日])曜日`),
		resolve: func(m []string, now time.Time) *timeRange {
			wd := weekdayNames[m[1]]
			monday := lastWeekMonday(now)
			offset := (int(wd) + 6) % 7
			day := monday.AddDate(0, 0, offset)
			return &timeRange{day, day.AddDate(0, 0, 1)}
		},
	},
	{
		re: regexp.MustCompile(`おととい|一昨日`),
		resolve: func(m []string, now time.Time) *timeRange {
			today := midnight(now)
			return &timeRange{today.AddDate(0, 0, -2), today.AddDate(0, 0, -1)}
		},
	},
	{
		re: regexp.MustCompile(`昨日|きのう`),
		resolve: func(m []string, now time.Time) *timeRange {
			today := midnight(now)
			return &timeRange{today.AddDate(0, 0, -1), today}
		},
	},
	{
		re: regexp.MustCompile(`今日|きょう`),
		resolve: func(m []string, now time.Time) *timeRange {
			today := midnight(now)
			return &timeRange{today, today.AddDate(0, 0, 1)}
		},
	},
	{
		re: regexp.MustCompile(`先週`),
		resolve: func(m []string, now time.Time) *timeRange {
			monday := lastWeekMonday(now)
			return &timeRange{monday, monday.AddDate(0, 0, 7)}
		},
	},
	{
		re: regexp.MustCompile(`先月`),
		resolve: func(m []string, now time.Time) *timeRange {
			t := now.UTC()
			thisMonth := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
			return &timeRange{thisMonth.AddDate(0, -1, 0), thisMonth}
		},
	},
	{
		re: regexp.MustCompile(`去年|昨年`),
		resolve: func(m []string, now time.Time) *timeRange {
			thisYear := time.Date(now.UTC().Year(), 1, 1, 0, 0, 0, 0, time.UTC)
			return &timeRange{thisYear.AddDate(-1, 0, 0), thisYear}
		},
	},
}

// extractTimeRange scans the query for Japanese time expressions. Relative
// day counts produce rolling windows; named periods resolve to calendar
// boundaries. Returns nil when the query carries no time expression.
func extractTimeRange(query string, now time.Time) *timeRange {
	for _, p := range relativeTimePatterns {
		if m := p.re.FindStringSubmatch(query); m != nil {
			if r := p.resolve(m, now); r != nil {
				return r
			}
		}
	}
	return nil
}
