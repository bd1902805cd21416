package rsvp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-rsvp/internal/models"
)

func guestOf(t models.GuestType, a models.Attendance, plusOne string) *models.Guest {
	return &models.Guest{
		FirstName:   "Test",
		LastName:    "Guest",
		GuestType:   t,
		QRID:        "qr",
		PlusOneQRID: plusOne,
		Responded:   a != models.AttendanceUnset,
		WillAttend:  a,
	}
}

func open() models.EventConfig   { return models.EventConfig{RSVPEnabled: true} }
func closed() models.EventConfig { return models.EventConfig{RSVPEnabled: false} }

func TestResolvePriorityOrder(t *testing.T) {
	vip := guestOf(models.GuestVIP, models.AttendanceYes, "")

	tests := []struct {
		name string
		in   Input
		want State
	}{
		{"unverified beats everything", Input{Loading: true, FetchFailed: true, Guest: vip, Event: open()}, Verifying},
		{"loading beats fetch failure", Input{Verified: true, Loading: true, FetchFailed: true}, Loading},
		{"fetch failure", Input{Verified: true, FetchFailed: true, Guest: vip, Event: open()}, NotFound},
		{"no guest", Input{Verified: true, Event: open()}, NotFound},
		{"closed attending", Input{Verified: true, Guest: vip, Event: closed(), ShowCompanionForm: true}, ClosedAttending},
		{"closed declined", Input{Verified: true, Guest: guestOf(models.GuestRegular, models.AttendanceNo, ""), Event: closed(), DeclineAcknowledged: true}, ClosedOther},
		{"closed unset", Input{Verified: true, Guest: guestOf(models.GuestRegular, models.AttendanceUnset, ""), Event: closed()}, ClosedOther},
		{"vip companion form", Input{Verified: true, Guest: vip, Event: open(), ShowCompanionForm: true}, PlusOneCollection},
		{"vip form dismissed", Input{Verified: true, Guest: vip, Event: open()}, Confirmed},
		{"vip with companion", Input{Verified: true, Guest: guestOf(models.GuestVIP, models.AttendanceYes, "p1"), Event: open(), ShowCompanionForm: true}, Confirmed},
		{"regular attending", Input{Verified: true, Guest: guestOf(models.GuestRegular, models.AttendanceYes, ""), Event: open(), ShowCompanionForm: true}, Confirmed},
		{"plusone attending", Input{Verified: true, Guest: guestOf(models.GuestPlusOne, models.AttendanceYes, ""), Event: open(), ShowCompanionForm: true}, Confirmed},
		{"declined acknowledged", Input{Verified: true, Guest: guestOf(models.GuestRegular, models.AttendanceNo, ""), Event: open(), DeclineAcknowledged: true}, DeclinedAck},
		{"declined fresh load", Input{Verified: true, Guest: guestOf(models.GuestRegular, models.AttendanceNo, ""), Event: open()}, ResponsePrompt},
		{"unset", Input{Verified: true, Guest: guestOf(models.GuestEmployee, models.AttendanceUnset, ""), Event: open(), DeclineAcknowledged: true}, ResponsePrompt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.in))
		})
	}
}

// Exhaustive sweep over the flag space: every combination resolves to a known
// state, deterministically, and the closed window never yields a prompt.
func TestResolveExhaustive(t *testing.T) {
	types := []models.GuestType{models.GuestRegular, models.GuestEmployee, models.GuestVIP, models.GuestPlusOne}
	attendance := []models.Attendance{models.AttendanceUnset, models.AttendanceYes, models.AttendanceNo}
	bools := []bool{false, true}

	seen := map[State]bool{}
	for _, verified := range bools {
		for _, loading := range bools {
			for _, failed := range bools {
				for _, enabled := range bools {
					for _, gt := range types {
						for _, a := range attendance {
							for _, hasCompanion := range bools {
								for _, showForm := range bools {
									for _, declineAck := range bools {
										plusOne := ""
										if hasCompanion {
											plusOne = "p1"
										}
										in := Input{
											Verified:            verified,
											Loading:             loading,
											FetchFailed:         failed,
											Event:               models.EventConfig{RSVPEnabled: enabled},
											Guest:               guestOf(gt, a, plusOne),
											ShowCompanionForm:   showForm,
											DeclineAcknowledged: declineAck,
										}
										got := Resolve(in)
										assert.Equal(t, got, Resolve(in), "resolver must be pure")
										assert.NotEqual(t, "unknown", got.String())
										seen[got] = true

										if verified && !loading && !failed && !enabled {
											assert.Contains(t, []State{ClosedAttending, ClosedOther}, got)
											if a == models.AttendanceYes {
												assert.Equal(t, ClosedAttending, got)
											}
										}
										if verified && !loading && !failed && enabled && a == models.AttendanceUnset {
											assert.Equal(t, ResponsePrompt, got)
										}
										if got == PlusOneCollection {
											assert.True(t, gt.MayBringCompanion())
											assert.False(t, hasCompanion)
										}
									}
								}
							}
						}
					}
				}
			}
		}
	}
	for _, s := range States() {
		assert.True(t, seen[s], "state %s never produced", s)
	}
}

func TestCompanionEligible(t *testing.T) {
	assert.True(t, CompanionEligible(guestOf(models.GuestVIP, models.AttendanceYes, ""), open()))
	assert.True(t, CompanionEligible(guestOf(models.GuestEmployee, models.AttendanceYes, ""), open()))
	assert.False(t, CompanionEligible(guestOf(models.GuestVIP, models.AttendanceYes, ""), closed()))
	assert.False(t, CompanionEligible(guestOf(models.GuestVIP, models.AttendanceYes, "p1"), open()))
	assert.False(t, CompanionEligible(guestOf(models.GuestVIP, models.AttendanceNo, ""), open()))
	assert.False(t, CompanionEligible(guestOf(models.GuestRegular, models.AttendanceYes, ""), open()))
	assert.False(t, CompanionEligible(nil, open()))
}

func TestStateHelpers(t *testing.T) {
	assert.True(t, Confirmed.TicketAvailable())
	assert.True(t, ClosedAttending.TicketAvailable())
	assert.False(t, PlusOneCollection.TicketAvailable())
	assert.True(t, NotFound.Terminal())
	assert.True(t, ClosedOther.Terminal())
	assert.False(t, DeclinedAck.Terminal())
	assert.Equal(t, "plus_one_collection", PlusOneCollection.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.Len(t, States(), 9)

	var s State
	require.NoError(t, s.UnmarshalText([]byte("declined_ack")))
	assert.Equal(t, DeclinedAck, s)
	assert.Error(t, s.UnmarshalText([]byte("bogus")))
}
