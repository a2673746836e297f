package itip

import (
	"testing"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiff_NoOrganizer(t *testing.T) {
	cal := calendarOf(newEvent("uid-1", "Private note"))

	messages, err := NewBroker().Diff(nil, cal, []string{"alice@example.com"})
	require.NoError(t, err)
	assert.Empty(t, messages, "objects without an organizer schedule nothing")
}

func TestDiff_NewInviteFromOrganizer(t *testing.T) {
	cal := invite("Sync", "carol@example.com", "bob@example.com")

	messages, err := NewBroker().Diff(nil, cal, []string{"alice@example.com"})
	require.NoError(t, err)
	require.Len(t, messages, 2)

	// Deterministic recipient order.
	assert.Equal(t, "bob@example.com", messages[0].Recipient)
	assert.Equal(t, "carol@example.com", messages[1].Recipient)
	for _, msg := range messages {
		assert.Equal(t, MethodRequest, msg.Method)
		assert.Equal(t, "alice@example.com", msg.Sender)
		assert.Equal(t, "uid-1", msg.UID)
		assert.True(t, msg.SignificantChange)
		require.NotNil(t, msg.Calendar)
		assert.Equal(t, string(MethodRequest), msg.Calendar.Props.Get(ical.PropMethod).Value)
	}
}

func TestDiff_OrganizerRemovesAttendee(t *testing.T) {
	oldCal := invite("Sync", "bob@example.com", "carol@example.com")
	newCal := invite("Sync", "bob@example.com")

	messages, err := NewBroker().Diff(oldCal, newCal, []string{"alice@example.com"})
	require.NoError(t, err)
	require.Len(t, messages, 2)

	assert.Equal(t, MethodRequest, messages[0].Method)
	assert.Equal(t, "bob@example.com", messages[0].Recipient)

	assert.Equal(t, MethodCancel, messages[1].Method)
	assert.Equal(t, "carol@example.com", messages[1].Recipient)
	assert.True(t, messages[1].SignificantChange, "a cancellation is always significant")
}

func TestDiff_Removal(t *testing.T) {
	oldCal := invite("Sync", "bob@example.com")

	messages, err := NewBroker().Diff(oldCal, nil, []string{"alice@example.com"})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, MethodCancel, messages[0].Method)
	assert.Equal(t, "bob@example.com", messages[0].Recipient)
}

func TestDiff_AttendeeReply(t *testing.T) {
	oldCal := invite("Sync", "bob@example.com")
	newCal := calendarOf(withAttendee(withOrganizer(newEvent("uid-1", "Sync"),
		"alice@example.com"), "bob@example.com", "ACCEPTED"))

	messages, err := NewBroker().Diff(oldCal, newCal, []string{"bob@example.com"})
	require.NoError(t, err)
	require.Len(t, messages, 1)

	msg := messages[0]
	assert.Equal(t, MethodReply, msg.Method)
	assert.Equal(t, "bob@example.com", msg.Sender)
	assert.Equal(t, "alice@example.com", msg.Recipient)
	assert.True(t, msg.SignificantChange, "the participation status flipped")

	// Saving the copy untouched yields an insignificant reply.
	messages, err = NewBroker().Diff(oldCal, invite("Sync", "bob@example.com"), []string{"bob@example.com"})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.False(t, messages[0].SignificantChange)
}

func TestFragmentFor_OnlyAttendedOccurrences(t *testing.T) {
	master := withAttendee(withOrganizer(newEvent("uid-1", "Weekly"), "alice@example.com"),
		"bob@example.com", "NEEDS-ACTION")
	exception := withRecurrenceID(
		withAttendee(withOrganizer(newEvent("uid-1", "Weekly #3"), "alice@example.com"),
			"carol@example.com", "NEEDS-ACTION"),
		"20260317T090000Z")
	cal := calendarOf(master, exception)

	// Carol only attends the exception; her fragment omits the master.
	messages, err := NewBroker().Diff(nil, cal, []string{"alice@example.com"})
	require.NoError(t, err)
	require.Len(t, messages, 2)

	byRecipient := map[string]*Message{}
	for _, msg := range messages {
		byRecipient[msg.Recipient] = msg
	}

	carol := byRecipient["carol@example.com"]
	require.NotNil(t, carol)
	comps := carol.EventComponents()
	require.Len(t, comps, 1)
	assert.Equal(t, "20260317T090000Z", RecurrenceID(comps[0]))

	bob := byRecipient["bob@example.com"]
	require.NotNil(t, bob)
	comps = bob.EventComponents()
	require.Len(t, comps, 1)
	assert.Equal(t, RecurrenceIDMaster, RecurrenceID(comps[0]))
}
