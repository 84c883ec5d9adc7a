package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTemplateType(t *testing.T) {
	for _, typ := range TemplateTypes {
		got, err := ParseTemplateType(string(typ))
		require.NoError(t, err)
		assert.Equal(t, typ, got)
	}

	_, err := ParseTemplateType("expires_5d")
	require.True(t, errors.Is(err, ErrUnknownTemplateType))
}

func TestRenewalOffset(t *testing.T) {
	want := map[TemplateType]int{
		TypeExpires3d:    3,
		TypeExpires7d:    7,
		TypeExpiresToday: 0,
		TypeExpired1d:    -1,
		TypeExpired3d:    -3,
	}
	for _, typ := range TemplateTypes {
		days, ok := typ.RenewalOffset()
		exp, relative := want[typ]
		assert.Equal(t, relative, ok, "type %s", typ)
		if relative {
			assert.Equal(t, exp, days, "type %s", typ)
		}
	}
}

func TestTemplateValidate(t *testing.T) {
	nine := TimeOfDay{Hour: 9}
	days, err := ParseWeekdays([]string{"monday"})
	require.NoError(t, err)

	ok := Template{ID: 1, Type: TypeExpires3d, IsScheduled: true, ScheduledDays: days, ScheduledTime: &nine}
	require.NoError(t, ok.Validate())

	noDays := ok
	noDays.ScheduledDays = nil
	require.ErrorIs(t, noDays.Validate(), ErrInvalidTemplate)

	noTime := ok
	noTime.ScheduledTime = nil
	require.ErrorIs(t, noTime.Validate(), ErrInvalidTemplate)

	stray := Template{ID: 2, Type: TypeWelcome, ScheduledTime: &nine}
	require.ErrorIs(t, stray.Validate(), ErrInvalidTemplate)

	ok.DisableSchedule()
	require.NoError(t, ok.Validate())
	assert.Nil(t, ok.ScheduledDays)
	assert.Nil(t, ok.ScheduledTime)
}

func TestParseWeekdays(t *testing.T) {
	set, err := ParseWeekdayList("Monday, wed,5, sun")
	require.NoError(t, err)
	assert.True(t, set.Contains(time.Monday))
	assert.True(t, set.Contains(time.Wednesday))
	assert.True(t, set.Contains(time.Friday))
	assert.True(t, set.Contains(time.Sunday))
	assert.False(t, set.Contains(time.Tuesday))
	assert.Equal(t, "sunday,monday,wednesday,friday", set.String())

	_, err = ParseWeekdayList("someday")
	require.ErrorIs(t, err, ErrInvalidTemplate)

	empty, err := ParseWeekdayList("  ")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestParseTimeOfDay(t *testing.T) {
	tod, err := ParseTimeOfDay("09:30")
	require.NoError(t, err)
	assert.Equal(t, TimeOfDay{Hour: 9, Minute: 30}, tod)

	tod, err = ParseTimeOfDay("23:59:59")
	require.NoError(t, err)
	assert.Equal(t, "23:59:59", tod.String())

	for _, bad := range []string{"", "9", "24:00", "12:60", "aa:bb", "1:2:3:4"} {
		_, err := ParseTimeOfDay(bad)
		assert.ErrorIs(t, err, ErrInvalidTemplate, "input %q", bad)
	}

	loc := time.FixedZone("BRT", -3*3600)
	ref := time.Date(2026, 3, 2, 17, 45, 0, 0, loc)
	at := TimeOfDay{Hour: 9}.On(ref)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, loc), at)
}

func TestScheduleJSON(t *testing.T) {
	days, err := ParseWeekdays([]string{"fri", "mon"})
	require.NoError(t, err)
	nine := TimeOfDay{Hour: 9}
	b, err := json.Marshal(Template{Type: TypeExpires3d, ScheduledDays: days, ScheduledTime: &nine})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"scheduled_days":["monday","friday"]`)
	assert.Contains(t, string(b), `"scheduled_time":"09:00:00"`)

	var back Template
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, back.ScheduledDays.Contains(time.Friday))
	require.NotNil(t, back.ScheduledTime)
	assert.Equal(t, nine, *back.ScheduledTime)
}

func TestDaysBetweenAndDedupKey(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	today := time.Date(2026, 3, 2, 23, 30, 0, 0, loc)
	renewal := time.Date(2026, 3, 5, 0, 0, 0, 0, loc)
	assert.Equal(t, 3, DaysBetween(today, renewal))
	assert.Equal(t, -3, DaysBetween(renewal, today))

	assert.Equal(t, "c1:expires_3d:2026-03-02", DedupKey("c1", TypeExpires3d, today))
	assert.Equal(t, "c1:invoice_generated#inv-7:2026-03-02", InvoiceDedupKey("c1", TypeInvoiceGenerated, "inv-7", today))
}

func TestClientRenewal(t *testing.T) {
	c := Client{ID: "1", RenewalDate: "2026-03-05"}
	d, err := c.Renewal(time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 5, d.Day())

	_, err = Client{ID: "2", RenewalDate: "05/03/2026"}.Renewal(time.UTC)
	require.Error(t, err)
}

func TestQueueMessageDue(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m := QueueMessage{Status: Pending}
	assert.True(t, m.Due(now))

	later := now.Add(time.Minute)
	m.ScheduledAt = &later
	assert.False(t, m.Due(now))
	assert.True(t, m.Due(later))

	m.Status = Sent
	assert.False(t, m.Due(later))
}
