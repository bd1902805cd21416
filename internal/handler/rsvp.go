package handler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/text/language"

	"event-rsvp/internal/guests"
	"event-rsvp/internal/i18n"
	"event-rsvp/internal/models"
	"event-rsvp/internal/whatsapp"
)

// GuestStore is the persistence the messaging handler needs
type GuestStore interface {
	AddGuest(ctx context.Context, guest models.Guest) (*models.Guest, error)
	GetGuestByPhone(ctx context.Context, phoneNumber string) (*models.Guest, error)
}

// TextSender delivers plain text messages
type TextSender interface {
	SendMessage(ctx context.Context, phoneNumber, message string) error
}

// RSVPHandler sends invitations over WhatsApp and records YES/NO replies
type RSVPHandler struct {
	sender   TextSender
	storage  GuestStore
	registry Registry
	bundle   *i18n.Bundle
	config   *Config
	log      zerolog.Logger
}

type Config struct {
	Event models.EventConfig
	// InviteBaseURL is the invitee page; the qr id is appended as /rsvp/{qrId}
	InviteBaseURL string
	CountryCode   string
	Lang          language.Tag
}

// NewRSVPHandler creates a new RSVP handler
func NewRSVPHandler(sender TextSender, storage GuestStore, registry Registry, cfg *Config, log zerolog.Logger) *RSVPHandler {
	return &RSVPHandler{
		sender:   sender,
		storage:  storage,
		registry: registry,
		bundle:   i18n.Default(),
		config:   cfg,
		log:      log.With().Str("component", "RSVPHandler").Logger(),
	}
}

var (
	acceptWords  = []string{"yes", "yep", "yeah", "accept", "accepting", "attending", "coming", "will come", "will be there", "oui", "evet", "geliyorum", "✅"}
	declineWords = []string{"no", "nope", "decline", "declining", "not coming", "can't come", "cannot come", "won't come", "can't make it", "non", "hayır", "hayir", "gelemiyorum", "❌"}
)

// HandleMessage processes an incoming WhatsApp message as an RSVP answer.
// Messages from unknown numbers or without a clear answer are ignored.
func (h *RSVPHandler) HandleMessage(ctx context.Context, phoneNumber, text string) error {
	guest, err := h.storage.GetGuestByPhone(ctx, phoneNumber)
	if errors.Is(err, guests.ErrGuestNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up guest: %w", err)
	}

	willAttend, ok := ParseReply(text)
	if !ok {
		return nil
	}

	lang := h.config.Lang
	if _, err := h.registry.Respond(ctx, guest.QRID, willAttend); err != nil {
		if errors.Is(err, guests.ErrRSVPClosed) {
			return h.reply(ctx, phoneNumber, h.bundle.Text(lang, i18n.KeyRSVPClosedMessage, h.config.Event.RSVPEmail))
		}
		return fmt.Errorf("failed to update RSVP: %w", err)
	}

	// accepted guests get their tickets from the confirmation notifier
	if willAttend {
		if guest.GuestType.MayBringCompanion() && !guest.HasCompanion() && h.config.InviteBaseURL != "" {
			return h.reply(ctx, phoneNumber, h.bundle.Text(lang, i18n.KeyOpenInvitation, h.InviteLink(guest.QRID)))
		}
		return nil
	}
	return h.reply(ctx, phoneNumber, h.bundle.Text(lang, i18n.KeyDeclineMessage)+"\n\n"+h.bundle.Text(lang, i18n.KeyDeclineChangeOption))
}

// SendInvitation stores the guest and sends the invitation via WhatsApp
func (h *RSVPHandler) SendInvitation(ctx context.Context, guest models.Guest) (*models.Guest, error) {
	if guest.PhoneNumber == "" {
		return nil, errors.New("phone number is required")
	}
	// store the number in the format WhatsApp reports senders in
	guest.PhoneNumber = whatsapp.NormalizePhoneNumber(guest.PhoneNumber, h.config.CountryCode)
	if guest.GuestType == "" {
		guest.GuestType = models.GuestRegular
	}

	stored, err := h.storage.AddGuest(ctx, guest)
	if err != nil {
		return nil, fmt.Errorf("failed to add guest: %w", err)
	}

	if err := h.sender.SendMessage(ctx, stored.PhoneNumber, h.InvitationText(*stored)); err != nil {
		return stored, fmt.Errorf("failed to send invitation: %w", err)
	}
	h.log.Info().Str("qr_id", stored.QRID).Str("phone", stored.PhoneNumber).Msg("Invitation sent")
	return stored, nil
}

// InvitationText is the WhatsApp invitation for guest
func (h *RSVPHandler) InvitationText(guest models.Guest) string {
	lang, event := h.config.Lang, h.config.Event

	var b strings.Builder
	fmt.Fprintf(&b, "🎉 *%s*\n\n", event.Title)
	fmt.Fprintf(&b, "%s %s\n", h.bundle.Text(lang, i18n.KeyInvitationHeader, event.Occasion), event.HostNames)
	fmt.Fprintf(&b, "%s\n*%s*\n\n", h.bundle.Text(lang, i18n.KeyRequestPresence), guest.FullName())
	fmt.Fprintf(&b, "📅 %s\n📍 %s\n\n", event.Date, event.Location)
	if h.config.InviteBaseURL != "" {
		fmt.Fprintf(&b, "%s\n\n", h.bundle.Text(lang, i18n.KeyOpenInvitation, h.InviteLink(guest.QRID)))
	}
	b.WriteString(h.bundle.Text(lang, i18n.KeyReplyPrompt))
	return b.String()
}

// InviteLink is the invitee page for qrID
func (h *RSVPHandler) InviteLink(qrID string) string {
	return strings.TrimRight(h.config.InviteBaseURL, "/") + "/rsvp/" + url.PathEscape(qrID)
}

func (h *RSVPHandler) reply(ctx context.Context, phoneNumber, message string) error {
	if err := h.sender.SendMessage(ctx, phoneNumber, message); err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}

// ParseReply reads a YES/NO answer from free text. Declines are checked
// first so "not coming" is not taken for "coming".
func ParseReply(text string) (willAttend bool, ok bool) {
	text = " " + strings.Join(strings.FieldsFunc(strings.ToLower(text), isSeparator), " ") + " "
	switch {
	case containsAny(text, declineWords...):
		return false, true
	case containsAny(text, acceptWords...):
		return true, true
	}
	return false, false
}

func isSeparator(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '.', ',', '!', '?', ';', ':':
		return true
	}
	return false
}

// containsAny checks if the padded text contains any keyword as whole words
func containsAny(text string, keywords ...string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, " "+keyword+" ") {
			return true
		}
	}
	return false
}
