package rsvp

import (
	"fmt"

	"event-rsvp/internal/models"
)

// State is the single display/interaction state of a view
type State int

const (
	Verifying State = iota
	Loading
	NotFound
	ClosedAttending
	ClosedOther
	ResponsePrompt
	PlusOneCollection
	Confirmed
	DeclinedAck
)

var stateNames = [...]string{
	Verifying:         "verifying",
	Loading:           "loading",
	NotFound:          "not_found",
	ClosedAttending:   "closed_attending",
	ClosedOther:       "closed_other",
	ResponsePrompt:    "response_prompt",
	PlusOneCollection: "plus_one_collection",
	Confirmed:         "confirmed",
	DeclinedAck:       "declined_ack",
}

// States lists every state in declaration order
func States() []State {
	out := make([]State, len(stateNames))
	for i := range stateNames {
		out[i] = State(i)
	}
	return out
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// TicketAvailable reports whether tickets may be generated in this state
func (s State) TicketAvailable() bool {
	return s == Confirmed || s == ClosedAttending
}

// Terminal reports whether the state ends the session
func (s State) Terminal() bool {
	return s == NotFound || s == ClosedOther
}

// Input is everything the resolver looks at
type Input struct {
	Verified    bool
	Loading     bool
	FetchFailed bool
	Event       models.EventConfig
	Guest       *models.Guest
	Companion   *models.Guest

	// ShowCompanionForm is derived on load by CompanionEligible and cleared
	// once a companion is submitted or skipped in the current view.
	ShowCompanionForm bool
	// DeclineAcknowledged is set by a decline in the current view only.
	DeclineAcknowledged bool
}

// Resolve maps in to exactly one State. Rules are checked in order and the
// first match wins.
func Resolve(in Input) State {
	switch {
	case !in.Verified:
		return Verifying
	case in.Loading:
		return Loading
	case in.FetchFailed, in.Guest == nil:
		return NotFound
	}

	g := in.Guest
	if !in.Event.RSVPEnabled {
		if g.WillAttend == models.AttendanceYes {
			return ClosedAttending
		}
		return ClosedOther
	}

	switch {
	case g.WillAttend == models.AttendanceYes:
		if g.GuestType.MayBringCompanion() && !g.HasCompanion() && in.ShowCompanionForm {
			return PlusOneCollection
		}
		return Confirmed
	case g.WillAttend == models.AttendanceNo && in.DeclineAcknowledged:
		return DeclinedAck
	}
	return ResponsePrompt
}

// CompanionEligible reports whether the companion form should be offered for
// guest under event. It is recomputed from scratch on every load.
func CompanionEligible(guest *models.Guest, event models.EventConfig) bool {
	return guest != nil &&
		event.RSVPEnabled &&
		guest.WillAttend == models.AttendanceYes &&
		guest.GuestType.MayBringCompanion() &&
		!guest.HasCompanion()
}
