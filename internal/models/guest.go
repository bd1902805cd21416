package models

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// GuestType is the invitation category of a guest
type GuestType string

const (
	GuestRegular  GuestType = "REGULAR"
	GuestEmployee GuestType = "EMPLOYEE"
	GuestVIP      GuestType = "VIP"
	GuestPlusOne  GuestType = "PLUSONE"
)

// Valid reports whether t is one of the known guest types
func (t GuestType) Valid() bool {
	switch t {
	case GuestRegular, GuestEmployee, GuestVIP, GuestPlusOne:
		return true
	}
	return false
}

// MayBringCompanion reports whether guests of this type are offered a plus-one
func (t GuestType) MayBringCompanion() bool {
	return t == GuestEmployee || t == GuestVIP
}

// Attendance is the tri-state answer to the invitation.
// It encodes to JSON as null, true or false.
type Attendance int8

const (
	AttendanceUnset Attendance = iota
	AttendanceYes
	AttendanceNo
)

// AttendanceOf converts a submitted answer
func AttendanceOf(willAttend bool) Attendance {
	if willAttend {
		return AttendanceYes
	}
	return AttendanceNo
}

// Bool returns the answer and whether one was given
func (a Attendance) Bool() (value bool, ok bool) {
	switch a {
	case AttendanceYes:
		return true, true
	case AttendanceNo:
		return false, true
	}
	return false, false
}

func (a Attendance) String() string {
	switch a {
	case AttendanceYes:
		return "true"
	case AttendanceNo:
		return "false"
	}
	return "unset"
}

func (a Attendance) MarshalJSON() ([]byte, error) {
	switch a {
	case AttendanceYes:
		return []byte("true"), nil
	case AttendanceNo:
		return []byte("false"), nil
	}
	return []byte("null"), nil
}

func (a *Attendance) UnmarshalJSON(data []byte) error {
	switch string(bytes.TrimSpace(data)) {
	case "true":
		*a = AttendanceYes
	case "false":
		*a = AttendanceNo
	case "null", "":
		*a = AttendanceUnset
	default:
		return fmt.Errorf("invalid attendance value %s", data)
	}
	return nil
}

// Guest represents an invited guest or a companion created during RSVP
type Guest struct {
	ID          int64      `json:"_id"`
	FirstName   string     `json:"firstName"`
	LastName    string     `json:"lastName"`
	Email       string     `json:"email"`
	PhoneNumber string     `json:"phoneNumber,omitempty"`
	GuestType   GuestType  `json:"guestType"`
	QRID        string     `json:"qrId"`
	PlusOneQRID string     `json:"plusOneQrId,omitempty"`
	InvitedBy   string     `json:"invitedBy,omitempty"`
	Responded   bool       `json:"responded"`
	WillAttend  Attendance `json:"willAttend"`
	RespondedAt *time.Time `json:"respondedAt,omitempty"`
	IsCheckedIn bool       `json:"isCheckedIn"`
	CheckInTime *time.Time `json:"checkInTime,omitempty"`
	InvitedDate time.Time  `json:"invitedDate"`
}

// FullName joins first and last name
func (g Guest) FullName() string {
	return strings.TrimSpace(g.FirstName + " " + g.LastName)
}

// HasCompanion reports whether a plus-one is linked to the guest
func (g Guest) HasCompanion() bool {
	return g.PlusOneQRID != ""
}

// Status folds the response fields into the operator-facing status
func (g Guest) Status() RSVPStatus {
	if !g.Responded {
		return RSVPPending
	}
	switch g.WillAttend {
	case AttendanceYes:
		return RSVPAccepted
	case AttendanceNo:
		return RSVPDeclined
	}
	return RSVPPending
}

// RSVPStatus represents the attendance confirmation status
type RSVPStatus string

const (
	RSVPPending  RSVPStatus = "pending"
	RSVPAccepted RSVPStatus = "accepted"
	RSVPDeclined RSVPStatus = "declined"
)

// PlusOneRequest carries the companion details collected from an eligible guest
type PlusOneRequest struct {
	FirstName string `json:"firstName" validate:"required,max=100"`
	LastName  string `json:"lastName" validate:"required,max=100"`
	Email     string `json:"email" validate:"required,email,max=254"`
}

// Normalize trims surrounding whitespace from every field
func (r PlusOneRequest) Normalize() PlusOneRequest {
	return PlusOneRequest{
		FirstName: strings.TrimSpace(r.FirstName),
		LastName:  strings.TrimSpace(r.LastName),
		Email:     strings.TrimSpace(r.Email),
	}
}

// EventConfig is the process-wide event description.
// Only RSVPEnabled drives behaviour; the rest is invitation copy.
type EventConfig struct {
	RSVPEnabled bool   `json:"rsvpEnabled"`
	Title       string `json:"title,omitempty"`
	Occasion    string `json:"occasion,omitempty"`
	Date        string `json:"date,omitempty"`
	Location    string `json:"location,omitempty"`
	HostNames   string `json:"hostNames,omitempty"`
	RSVPEmail   string `json:"rsvpEmail,omitempty"`
}

// RSVPWindow is the payload of the window status endpoint
type RSVPWindow struct {
	RSVPEnabled bool `json:"rsvpEnabled"`
}

// RespondRequest is the payload of the respond endpoint
type RespondRequest struct {
	WillAttend *bool `json:"willAttend"`
}

// RespondResponse acknowledges an answer with the stored attendance
type RespondResponse struct {
	Message    string     `json:"message"`
	WillAttend Attendance `json:"willAttend"`
}

// PlusOneResponse is the payload returned after a companion is created
type PlusOneResponse struct {
	PlusOne Guest `json:"plusOne"`
}

// AttendanceFromNull maps a nullable boolean column value
func AttendanceFromNull(valid, value bool) Attendance {
	if !valid {
		return AttendanceUnset
	}
	return AttendanceOf(value)
}
