package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"event-rsvp/internal/models"
	"event-rsvp/internal/whatsapp"
)

type guestStore interface {
	AddGuest(ctx context.Context, guest models.Guest) (*models.Guest, error)
	DeleteGuest(ctx context.Context, qrID string) error
	GetAllGuests(ctx context.Context) ([]models.Guest, error)
	GetGuestsByStatus(ctx context.Context, status models.RSVPStatus) ([]models.Guest, error)
	RSVPEnabled(ctx context.Context) (bool, error)
	SetRSVPEnabled(ctx context.Context, enabled bool) error
}

type inviter interface {
	SendInvitation(ctx context.Context, guest models.Guest) (*models.Guest, error)
}

// operator is the interactive menu for the event organizer
type operator struct {
	storage guestStore
	// invitations is nil when WhatsApp is not connected
	invitations   inviter
	inviteBaseURL string
	countryCode   string
	out           io.Writer
}

// run reads commands from in until exit, EOF or ctx is done. It reports
// whether the operator chose to exit.
func (o *operator) run(ctx context.Context, in io.Reader) bool {
	if o.out == nil {
		o.out = os.Stdout
	}
	scanner := bufio.NewScanner(in)

	for ctx.Err() == nil {
		fmt.Fprintln(o.out, "\nCommands:")
		fmt.Fprintln(o.out, "  1. Add guest / send invitation")
		fmt.Fprintln(o.out, "  2. View all guests")
		fmt.Fprintln(o.out, "  3. View guests by status")
		fmt.Fprintln(o.out, "  4. Open or close RSVP")
		fmt.Fprintln(o.out, "  5. Remove guest")
		fmt.Fprintln(o.out, "  6. Exit")
		fmt.Fprint(o.out, "\nEnter command (1-6): ")

		if !scanner.Scan() {
			return false
		}

		switch strings.TrimSpace(scanner.Text()) {
		case "1":
			o.addGuest(ctx, scanner)
		case "2":
			o.viewAllGuests(ctx)
		case "3":
			o.viewGuestsByStatus(ctx, scanner)
		case "4":
			o.toggleRSVP(ctx)
		case "5":
			o.removeGuest(ctx, scanner)
		case "6":
			fmt.Fprintln(o.out, "Exiting...")
			return true
		default:
			fmt.Fprintln(o.out, "Invalid command. Please try again.")
		}
	}
	return false
}

func (o *operator) prompt(scanner *bufio.Scanner, label string) (string, bool) {
	fmt.Fprint(o.out, label)
	if !scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(scanner.Text()), true
}

func (o *operator) addGuest(ctx context.Context, scanner *bufio.Scanner) {
	var guest models.Guest
	var ok bool
	if guest.FirstName, ok = o.prompt(scanner, "Enter first name: "); !ok {
		return
	}
	if guest.LastName, ok = o.prompt(scanner, "Enter last name: "); !ok {
		return
	}
	if guest.Email, ok = o.prompt(scanner, "Enter e-mail (optional): "); !ok {
		return
	}
	if guest.PhoneNumber, ok = o.prompt(scanner, "Enter phone number (optional, with country code): "); !ok {
		return
	}
	choice, ok := o.prompt(scanner, "Guest type (1. Regular  2. Employee  3. VIP) [1]: ")
	if !ok {
		return
	}
	switch choice {
	case "", "1":
		guest.GuestType = models.GuestRegular
	case "2":
		guest.GuestType = models.GuestEmployee
	case "3":
		guest.GuestType = models.GuestVIP
	default:
		fmt.Fprintln(o.out, "Invalid choice.")
		return
	}
	if guest.FirstName == "" {
		fmt.Fprintln(o.out, "❌ First name is required.")
		return
	}

	if o.invitations != nil && guest.PhoneNumber != "" {
		fmt.Fprintf(o.out, "\nSending invitation to %s (%s)...\n", guest.FullName(), guest.PhoneNumber)
		stored, err := o.invitations.SendInvitation(ctx, guest)
		if err != nil {
			fmt.Fprintf(o.out, "❌ Error sending invitation: %v\n", err)
		} else {
			fmt.Fprintln(o.out, "✅ Invitation sent successfully!")
		}
		if stored != nil {
			fmt.Fprintf(o.out, "Invitation link: %s\n", o.inviteLink(stored.QRID))
		}
		return
	}

	if guest.PhoneNumber != "" {
		guest.PhoneNumber = whatsapp.NormalizePhoneNumber(guest.PhoneNumber, o.countryCode)
	}
	stored, err := o.storage.AddGuest(ctx, guest)
	if err != nil {
		fmt.Fprintf(o.out, "❌ Error adding guest: %v\n", err)
		return
	}
	fmt.Fprintf(o.out, "✅ Guest added. Invitation link: %s\n", o.inviteLink(stored.QRID))
}

func (o *operator) inviteLink(qrID string) string {
	return strings.TrimRight(o.inviteBaseURL, "/") + "/rsvp/" + url.PathEscape(qrID)
}

func (o *operator) viewAllGuests(ctx context.Context) {
	guests, err := o.storage.GetAllGuests(ctx)
	if err != nil {
		fmt.Fprintf(o.out, "❌ Error listing guests: %v\n", err)
		return
	}
	if len(guests) == 0 {
		fmt.Fprintln(o.out, "\nNo guests found.")
		return
	}

	fmt.Fprintf(o.out, "\n📋 All Guests (%d total):\n", len(guests))
	o.printGuests(guests, true)
}

func (o *operator) viewGuestsByStatus(ctx context.Context, scanner *bufio.Scanner) {
	fmt.Fprintln(o.out, "\nSelect status:")
	fmt.Fprintln(o.out, "  1. Pending")
	fmt.Fprintln(o.out, "  2. Accepted")
	fmt.Fprintln(o.out, "  3. Declined")
	choice, ok := o.prompt(scanner, "Enter choice (1-3): ")
	if !ok {
		return
	}

	var status models.RSVPStatus
	switch choice {
	case "1":
		status = models.RSVPPending
	case "2":
		status = models.RSVPAccepted
	case "3":
		status = models.RSVPDeclined
	default:
		fmt.Fprintln(o.out, "Invalid choice.")
		return
	}

	guests, err := o.storage.GetGuestsByStatus(ctx, status)
	if err != nil {
		fmt.Fprintf(o.out, "❌ Error listing guests: %v\n", err)
		return
	}
	if len(guests) == 0 {
		fmt.Fprintf(o.out, "\nNo guests with status '%s'.\n", string(status))
		return
	}

	fmt.Fprintf(o.out, "\n📋 Guests with status '%s' (%d total):\n", string(status), len(guests))
	o.printGuests(guests, false)
}

func (o *operator) printGuests(guests []models.Guest, withStatus bool) {
	fmt.Fprintln(o.out, strings.Repeat("-", 60))
	for _, guest := range guests {
		fmt.Fprintf(o.out, "Name: %s (%s)\n", guest.FullName(), guest.GuestType)
		if guest.PhoneNumber != "" {
			fmt.Fprintf(o.out, "Phone: %s\n", guest.PhoneNumber)
		}
		fmt.Fprintf(o.out, "QR: %s\n", guest.QRID)
		if guest.InvitedBy != "" {
			fmt.Fprintf(o.out, "Invited by: %s\n", guest.InvitedBy)
		}
		if withStatus {
			fmt.Fprintf(o.out, "Status: %s\n", guest.Status())
		}
		if guest.RespondedAt != nil {
			fmt.Fprintf(o.out, "RSVP Date: %s\n", guest.RespondedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Fprintln(o.out, strings.Repeat("-", 60))
	}
}

func (o *operator) toggleRSVP(ctx context.Context) {
	enabled, err := o.storage.RSVPEnabled(ctx)
	if err != nil {
		fmt.Fprintf(o.out, "❌ Error reading RSVP window: %v\n", err)
		return
	}
	if err := o.storage.SetRSVPEnabled(ctx, !enabled); err != nil {
		fmt.Fprintf(o.out, "❌ Error updating RSVP window: %v\n", err)
		return
	}
	if enabled {
		fmt.Fprintln(o.out, "🔒 RSVP is now closed.")
	} else {
		fmt.Fprintln(o.out, "🔓 RSVP is now open.")
	}
}

func (o *operator) removeGuest(ctx context.Context, scanner *bufio.Scanner) {
	qrID, ok := o.prompt(scanner, "Enter QR id: ")
	if !ok || qrID == "" {
		return
	}
	if err := o.storage.DeleteGuest(ctx, qrID); err != nil {
		fmt.Fprintf(o.out, "❌ Error removing guest: %v\n", err)
		return
	}
	fmt.Fprintln(o.out, "✅ Guest removed.")
}
