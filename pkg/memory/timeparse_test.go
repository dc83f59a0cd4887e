package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestExtractTimeRangeCalendarPeriods(t *testing.T) {
	// Thursday
	now := time.Date(2026, time.February, 19, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		name  string
		query string
		start time.Time
		end   time.Time
	}{
		{
			name:  "last month resolves to previous calendar month",
			query: "先月の会議について",
			start: date(2026, time.January, 1),
			end:   date(2026, time.February, 1),
		},
		{
			name:  "explicit year-month",
			query: "2025年6月に何があった？",
			start: date(2025, time.June, 1),
			end:   date(2025, time.July, 1),
		},
		{
			name:  "monday of last calendar week",
			query: "先週の月曜日の予定",
			start: date(2026, time.February, 9),
			end:   date(2026, time.February, 10),
		},
		{
			name:  "friday of last calendar week",
			query: "先週の金曜日は？",
			start: date(2026, time.February, 13),
			end:   date(2026, time.February, 14),
		},
		{
			name:  "last week is the previous calendar week",
			query: "先週どこに行った？",
			start: date(2026, time.February, 9),
			end:   date(2026, time.February, 16),
		},
		{
			name:  "last year is the previous calendar year",
			query: "去年の出来事",
			start: date(2025, time.January, 1),
			end:   date(2026, time.January, 1),
		},
		{
			name:  "yesterday",
			query: "昨日なにした？",
			start: date(2026, time.February, 18),
			end:   date(2026, time.February, 19),
		},
		{
			name:  "day before yesterday",
			query: "おとといの夕食",
			start: date(2026, time.February, 17),
			end:   date(2026, time.February, 18),
		},
		{
			name:  "rolling three days",
			query: "3日前のこと",
			start: date(2026, time.February, 16),
			end:   date(2026, time.February, 19),
		},
		{
			name:  "rolling two weeks",
			query: "2週間前から",
			start: date(2026, time.February, 5),
			end:   date(2026, time.February, 19),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tr := extractTimeRange(tc.query, now)
			require.NotNil(t, tr)
			assert.Equal(t, tc.start, tr.Start)
			assert.Equal(t, tc.end, tr.End)
		})
	}
}

func TestExtractTimeRangeNoExpression(t *testing.T) {
	now := time.Date(2026, time.February, 19, 0, 0, 0, 0, time.UTC)
	assert.Nil(t, extractTimeRange("太郎の好きな食べ物は？", now))
}

func TestExtractTimeRangeSpecificBeatsGeneric(t *testing.T) {
	now := time.Date(2026, time.February, 19, 0, 0, 0, 0, time.UTC)

	// 先週の月曜日 must not fall through to the bare 先週 pattern.
	tr := extractTimeRange("先週の月曜日と先週全体", now)
	require.NotNil(t, tr)
	assert.Equal(t, date(2026, time.February, 9), tr.Start)
	assert.Equal(t, date(2026, time.February, 10), tr.End)
}

func TestExtractTimeRangeCapsRelativeDays(t *testing.T) {
	now := time.Date(2026, time.February, 19, 0, 0, 0, 0, time.UTC)

	tr := extractTimeRange("99999日前の話", now)
	require.NotNil(t, tr)
	assert.Equal(t, midnight(now).AddDate(0, 0, -maxRelativeDays), tr.Start)
}

func TestLastWeekMondayFromSunday(t *testing.T) {
	// Sunday belongs to the week starting the previous Monday.
	sunday := time.Date(2026, time.February, 22, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, date(2026, time.February, 9), lastWeekMonday(sunday))
}

func TestTimeRangeMidpointAndDays(t *testing.T) {
	tr := timeRange{Start: date(2026, time.January, 1), End: date(2026, time.January, 11)}
	assert.Equal(t, date(2026, time.January, 6), tr.midpoint())
	assert.InDelta(t, 10.0, tr.totalDays(), 1e-9)

	empty := timeRange{Start: date(2026, time.January, 1), End: date(2026, time.January, 1)}
	assert.InDelta(t, 0.01, empty.totalDays(), 1e-9)
}
