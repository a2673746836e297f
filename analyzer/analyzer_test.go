package analyzer

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keulen/groupdav/storage"
)

func wrapEvent(body string) string {
	return fmt.Sprintf("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//groupdav//test//EN\r\nBEGIN:VEVENT\r\nUID:evt-1\r\nDTSTAMP:20260101T000000Z\r\n%sEND:VEVENT\r\nEND:VCALENDAR\r\n", body)
}

func TestAnalyze_BasicMetadata(t *testing.T) {
	raw := wrapEvent("DTSTART:20260110T090000Z\r\nDTEND:20260110T100000Z\r\nCLASS:private\r\n")

	meta, err := New().Analyze(raw)
	require.NoError(t, err)

	assert.Equal(t, storage.ETag(raw), meta.ETag)
	assert.Equal(t, int64(len(raw)), meta.Size)
	assert.Equal(t, "VEVENT", meta.ComponentType)
	assert.Equal(t, "evt-1", meta.UID)

	class, ok := meta.Classification.Get()
	require.True(t, ok)
	assert.Equal(t, "PRIVATE", class)
}

func TestAnalyze_NoClassification(t *testing.T) {
	raw := wrapEvent("DTSTART:20260110T090000Z\r\n")

	meta, err := New().Analyze(raw)
	require.NoError(t, err)
	assert.True(t, meta.Classification.IsAbsent())
}

func TestAnalyze_OccurrenceRange(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		first time.Time
		last  time.Time
	}{
		{
			name:  "explicit DTEND",
			body:  "DTSTART:20260110T090000Z\r\nDTEND:20260110T103000Z\r\n",
			first: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC),
			last:  time.Date(2026, 1, 10, 10, 30, 0, 0, time.UTC),
		},
		{
			name:  "duration",
			body:  "DTSTART:20260110T090000Z\r\nDURATION:PT90M\r\n",
			first: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC),
			last:  time.Date(2026, 1, 10, 10, 30, 0, 0, time.UTC),
		},
		{
			name:  "instant without end",
			body:  "DTSTART:20260110T090000Z\r\n",
			first: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC),
			last:  time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC),
		},
		{
			name:  "bounded daily count",
			body:  "DTSTART:20260110T090000Z\r\nDTEND:20260110T100000Z\r\nRRULE:FREQ=DAILY;COUNT=5\r\n",
			first: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC),
			last:  time.Date(2026, 1, 14, 10, 0, 0, 0, time.UTC),
		},
		{
			name:  "bounded until",
			body:  "DTSTART:20260110T090000Z\r\nDTEND:20260110T100000Z\r\nRRULE:FREQ=WEEKLY;UNTIL=20260131T090000Z\r\n",
			first: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC),
			last:  time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC),
		},
		{
			name:  "exdate removes final instance",
			body:  "DTSTART:20260110T090000Z\r\nDTEND:20260110T100000Z\r\nRRULE:FREQ=DAILY;COUNT=3\r\nEXDATE:20260112T090000Z\r\n",
			first: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC),
			last:  time.Date(2026, 1, 11, 10, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta, err := New().Analyze(wrapEvent(tt.body))
			require.NoError(t, err)

			first, ok := meta.FirstOccurrence.Get()
			require.True(t, ok)
			assert.True(t, tt.first.Equal(first), "first: want %v got %v", tt.first, first)

			last, ok := meta.LastOccurrence.Get()
			require.True(t, ok)
			assert.True(t, tt.last.Equal(last), "last: want %v got %v", tt.last, last)
		})
	}
}

func TestAnalyze_AllDayEvent(t *testing.T) {
	raw := wrapEvent("DTSTART;VALUE=DATE:20260110\r\n")

	meta, err := New().Analyze(raw)
	require.NoError(t, err)

	first, ok := meta.FirstOccurrence.Get()
	require.True(t, ok)
	last, ok := meta.LastOccurrence.Get()
	require.True(t, ok)
	assert.Equal(t, 24*time.Hour, last.Sub(first))
}

func TestAnalyze_UnboundedRecurrence(t *testing.T) {
	raw := wrapEvent("DTSTART:20260110T090000Z\r\nDTEND:20260110T100000Z\r\nRRULE:FREQ=WEEKLY\r\n")

	meta, err := New().Analyze(raw)
	require.NoError(t, err)

	last, ok := meta.LastOccurrence.Get()
	require.True(t, ok)
	assert.True(t, MaxDate.Equal(last), "want sentinel, got %v", last)
}

func TestAnalyze_BoundedBeyondSentinel(t *testing.T) {
	raw := wrapEvent("DTSTART:20260110T090000Z\r\nDTEND:20260110T100000Z\r\nRRULE:FREQ=YEARLY;UNTIL=20500110T090000Z\r\n")

	meta, err := New().Analyze(raw)
	require.NoError(t, err)

	last, ok := meta.LastOccurrence.Get()
	require.True(t, ok)
	assert.True(t, MaxDate.Equal(last))
}

func TestAnalyze_IterationCeiling(t *testing.T) {
	a := New(WithMaxIterations(5))
	raw := wrapEvent("DTSTART:20260110T090000Z\r\nDTEND:20260110T100000Z\r\nRRULE:FREQ=DAILY;COUNT=100\r\n")

	meta, err := a.Analyze(raw)
	require.NoError(t, err)

	last, ok := meta.LastOccurrence.Get()
	require.True(t, ok)
	assert.True(t, MaxDate.Equal(last), "ceiling hit, want sentinel")
}

func TestAnalyze_OverrideExtendsRange(t *testing.T) {
	raw := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//groupdav//test//EN\r\n" +
		"BEGIN:VEVENT\r\nUID:evt-1\r\nDTSTAMP:20260101T000000Z\r\n" +
		"DTSTART:20260110T090000Z\r\nDTEND:20260110T100000Z\r\nRRULE:FREQ=DAILY;COUNT=3\r\nEND:VEVENT\r\n" +
		"BEGIN:VEVENT\r\nUID:evt-1\r\nDTSTAMP:20260101T000000Z\r\nRECURRENCE-ID:20260112T090000Z\r\n" +
		"DTSTART:20260120T090000Z\r\nDTEND:20260120T110000Z\r\nEND:VEVENT\r\n" +
		"END:VCALENDAR\r\n"

	meta, err := New().Analyze(raw)
	require.NoError(t, err)

	last, ok := meta.LastOccurrence.Get()
	require.True(t, ok)
	want := time.Date(2026, 1, 20, 11, 0, 0, 0, time.UTC)
	assert.True(t, want.Equal(last), "want %v got %v", want, last)
}

func TestAnalyze_Todo(t *testing.T) {
	raw := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//groupdav//test//EN\r\n" +
		"BEGIN:VTODO\r\nUID:todo-1\r\nDTSTAMP:20260101T000000Z\r\nSUMMARY:File report\r\nEND:VTODO\r\n" +
		"END:VCALENDAR\r\n"

	meta, err := New().Analyze(raw)
	require.NoError(t, err)

	assert.Equal(t, "VTODO", meta.ComponentType)
	assert.Equal(t, "todo-1", meta.UID)
	assert.True(t, meta.FirstOccurrence.IsAbsent())
	assert.True(t, meta.LastOccurrence.IsAbsent())
}

func TestAnalyze_ReserializeKeepsMetadata(t *testing.T) {
	raw := wrapEvent("DTSTART:20260110T090000Z\r\nDTEND:20260110T110000Z\r\nRRULE:FREQ=DAILY;COUNT=4\r\nCLASS:CONFIDENTIAL\r\n")

	cal, err := storage.ParseCalendar(raw)
	require.NoError(t, err)
	reencoded, err := storage.EncodeCalendar(cal)
	require.NoError(t, err)

	orig, err := New().Analyze(raw)
	require.NoError(t, err)
	again, err := New().Analyze(reencoded)
	require.NoError(t, err)

	// Property order may change across a parse/encode pass, so the
	// etag and byte size are allowed to differ.
	assert.Equal(t, orig.ComponentType, again.ComponentType)
	assert.Equal(t, orig.UID, again.UID)
	assert.Equal(t, orig.Classification, again.Classification)
	assert.Equal(t, orig.FirstOccurrence, again.FirstOccurrence)
	assert.Equal(t, orig.LastOccurrence, again.LastOccurrence)
}

func TestAnalyze_BadInput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not iCalendar", raw: "hello world"},
		{name: "event without DTSTART", raw: wrapEvent("SUMMARY:no start\r\n")},
		{
			name: "timezone only",
			raw: "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//groupdav//test//EN\r\n" +
				"BEGIN:VTIMEZONE\r\nTZID:Europe/Amsterdam\r\nBEGIN:STANDARD\r\nDTSTART:19701025T030000\r\n" +
				"TZOFFSETFROM:+0200\r\nTZOFFSETTO:+0100\r\nEND:STANDARD\r\nEND:VTIMEZONE\r\nEND:VCALENDAR\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New().Analyze(tt.raw)
			assert.ErrorIs(t, err, storage.ErrBadInput)
		})
	}
}
