package whatsapp

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
	"golang.org/x/text/language"

	"event-rsvp/internal/i18n"
	"event-rsvp/internal/models"
	"event-rsvp/internal/ticket"
)

// ReplyHandler is called for every incoming text message
type ReplyHandler func(ctx context.Context, phoneNumber, text string) error

// Tickets produces the PDF attached to confirmations
type Tickets interface {
	Generate(ctx context.Context, req ticket.Request) (*ticket.Document, error)
}

// messenger is the part of the whatsmeow client the service sends through
type messenger interface {
	IsOnWhatsApp(ctx context.Context, phones []string) ([]types.IsOnWhatsAppResponse, error)
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	Upload(ctx context.Context, plaintext []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
}

type Config struct {
	DataDir string
	// CountryCode replaces a leading trunk 0 in local numbers
	CountryCode string
	Event       models.EventConfig
	Lang        language.Tag
}

type Service struct {
	client       *whatsmeow.Client
	messenger    messenger
	tickets      Tickets
	bundle       *i18n.Bundle
	cfg          *Config
	log          zerolog.Logger
	replyHandler ReplyHandler
}

// NewService creates a new WhatsApp service backed by a sqlstore device
// database in cfg.DataDir
func NewService(ctx context.Context, cfg *Config, tickets Tickets, log zerolog.Logger) (*Service, error) {
	logger := log.With().Str("component", "WhatsApp").Logger()

	container, err := sqlstore.New(ctx, "sqlite3", fmt.Sprintf("file:%s/whatsmeow.db?_foreign_keys=on", cfg.DataDir), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, nil)

	service := newService(client, cfg, tickets, logger)
	service.client = client
	client.AddEventHandler(func(evt interface{}) {
		service.eventHandler(evt)
	})
	return service, nil
}

func newService(m messenger, cfg *Config, tickets Tickets, log zerolog.Logger) *Service {
	return &Service{
		messenger: m,
		tickets:   tickets,
		bundle:    i18n.Default(),
		cfg:       cfg,
		log:       log,
	}
}

// NormalizePhoneNumber strips formatting and converts a local number with a
// trunk 0 to international format using countryCode
func NormalizePhoneNumber(phoneNumber, countryCode string) string {
	phoneNumber = strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phoneNumber)
	countryCode = strings.TrimPrefix(countryCode, "+")

	if strings.HasPrefix(phoneNumber, "00") {
		return phoneNumber[2:]
	}
	if countryCode == "" {
		return phoneNumber
	}

	// 05XXXXXXXX -> 9725XXXXXXXX
	if strings.HasPrefix(phoneNumber, "0") {
		return countryCode + phoneNumber[1:]
	}
	// 9720XXXXXXXXX -> 972XXXXXXXXX
	if strings.HasPrefix(phoneNumber, countryCode+"0") {
		return countryCode + phoneNumber[len(countryCode)+1:]
	}
	return phoneNumber
}

// Connect connects to WhatsApp, printing a pairing QR code on first use
func (s *Service) Connect(ctx context.Context) error {
	if s.client.Store.ID != nil {
		if err := s.client.Connect(); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		return nil
	}

	qrChan, _ := s.client.GetQRChannel(ctx)
	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			s.log.Info().Str("event", evt.Event).Msg("Login event")
			continue
		}
		q, err := qrcode.New(evt.Code, qrcode.Medium)
		if err != nil {
			fmt.Printf("QR Code: %s\n", evt.Code)
			fmt.Println("Please scan this QR code with WhatsApp to connect.")
			continue
		}
		fmt.Println("\n" + q.ToSmallString(false))
		fmt.Println("📱 Please scan the QR code above with WhatsApp:")
		fmt.Println("   1. Open WhatsApp on your phone")
		fmt.Println("   2. Go to Settings > Linked Devices")
		fmt.Println("   3. Tap 'Link a Device'")
		fmt.Println("   4. Scan the QR code shown above")
	}
	return nil
}

// Disconnect disconnects from WhatsApp
func (s *Service) Disconnect() {
	if s.client != nil {
		s.client.Disconnect()
	}
}

// NotifyConfirmed sends the confirmation text and the ticket PDFs to a guest
// who accepted. Guests without a phone number are skipped.
func (s *Service) NotifyConfirmed(ctx context.Context, guest models.Guest, companion *models.Guest) error {
	if guest.PhoneNumber == "" {
		s.log.Debug().Str("qr_id", guest.QRID).Msg("No phone number, confirmation not sent")
		return nil
	}

	jid, err := s.resolve(ctx, guest.PhoneNumber)
	if err != nil {
		return err
	}

	if err := s.send(ctx, jid, &waE2E.Message{
		Conversation: proto.String(ConfirmationText(s.bundle, s.cfg.Lang, guest, companion, s.cfg.Event)),
	}); err != nil {
		return err
	}

	if s.tickets == nil {
		return nil
	}
	requests := []ticket.Request{{Guest: guest, Companion: companion, Event: s.cfg.Event, Lang: s.cfg.Lang}}
	if companion != nil {
		requests = append(requests, ticket.Request{Guest: *companion, IsCompanion: true, Event: s.cfg.Event, Lang: s.cfg.Lang})
	}
	for _, req := range requests {
		doc, err := s.tickets.Generate(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to generate ticket: %w", err)
		}
		if err := s.SendDocument(ctx, jid, doc, req.Guest.FullName()); err != nil {
			return err
		}
	}
	return nil
}

// NotifyCompanionAdded sends the principal the new companion's ticket only
func (s *Service) NotifyCompanionAdded(ctx context.Context, principal models.Guest, companion models.Guest) error {
	if principal.PhoneNumber == "" {
		s.log.Debug().Str("qr_id", principal.QRID).Msg("No phone number, companion ticket not sent")
		return nil
	}

	jid, err := s.resolve(ctx, principal.PhoneNumber)
	if err != nil {
		return err
	}

	if err := s.send(ctx, jid, &waE2E.Message{
		Conversation: proto.String(s.bundle.Text(s.cfg.Lang, i18n.KeyPlusOneAdded, companion.FullName())),
	}); err != nil {
		return err
	}

	if s.tickets == nil {
		return nil
	}
	doc, err := s.tickets.Generate(ctx, ticket.Request{Guest: companion, IsCompanion: true, Event: s.cfg.Event, Lang: s.cfg.Lang})
	if err != nil {
		return fmt.Errorf("failed to generate ticket: %w", err)
	}
	return s.SendDocument(ctx, jid, doc, companion.FullName())
}

// ConfirmationText is the message sent after a guest accepts
func ConfirmationText(bundle *i18n.Bundle, lang language.Tag, guest models.Guest, companion *models.Guest, event models.EventConfig) string {
	name := guest.FullName()
	if companion != nil {
		name += " " + bundle.Text(lang, i18n.KeyPlusOne) + " " + companion.FullName()
	}
	return fmt.Sprintf(
		"🎉 *%s*\n\n"+
			"%s\n\n"+
			"📅 %s\n"+
			"📍 %s\n\n"+
			"%s\n%s",
		event.Title,
		name,
		event.Date,
		event.Location,
		bundle.Text(lang, i18n.KeyDownloadTicketPrompt),
		bundle.Text(lang, i18n.KeyQRCodeNotice),
	)
}

// SendDocument uploads a ticket PDF and sends it to jid
func (s *Service) SendDocument(ctx context.Context, jid types.JID, doc *ticket.Document, caption string) error {
	uploaded, err := s.messenger.Upload(ctx, doc.Bytes, whatsmeow.MediaDocument)
	if err != nil {
		return fmt.Errorf("failed to upload ticket: %w", err)
	}

	return s.send(ctx, jid, &waE2E.Message{
		DocumentMessage: &waE2E.DocumentMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
			Mimetype:      proto.String("application/pdf"),
			FileName:      proto.String(doc.Filename),
			Title:         proto.String(doc.Filename),
			Caption:       proto.String(caption),
		},
	})
}

// SendMessage sends a simple text message
func (s *Service) SendMessage(ctx context.Context, phoneNumber, message string) error {
	jid, err := s.resolve(ctx, phoneNumber)
	if err != nil {
		return err
	}
	return s.send(ctx, jid, &waE2E.Message{Conversation: proto.String(message)})
}

// resolve verifies the number is on WhatsApp and returns its JID
func (s *Service) resolve(ctx context.Context, phoneNumber string) (types.JID, error) {
	phoneNumber = NormalizePhoneNumber(phoneNumber, s.cfg.CountryCode)

	resp, err := s.messenger.IsOnWhatsApp(ctx, []string{"+" + phoneNumber})
	if err != nil {
		return types.JID{}, fmt.Errorf("failed to verify number on WhatsApp: %w", err)
	}
	if len(resp) == 0 || !resp[0].IsIn {
		return types.JID{}, fmt.Errorf("number %s is not registered on WhatsApp", phoneNumber)
	}

	s.log.Debug().Str("jid", resp[0].JID.String()).Str("phone", phoneNumber).Msg("Number verified on WhatsApp")
	return resp[0].JID, nil
}

func (s *Service) send(ctx context.Context, jid types.JID, msg *waE2E.Message) error {
	sent, err := s.messenger.SendMessage(ctx, jid, msg)
	if err != nil {
		if strings.Contains(err.Error(), "unknown server") || strings.Contains(err.Error(), "can't send message") {
			return fmt.Errorf("failed to send message to %s: %w (the recipient must be in your WhatsApp contacts)", jid.String(), err)
		}
		return fmt.Errorf("failed to send message: %w", err)
	}
	s.log.Info().Str("jid", jid.String()).Str("id", string(sent.ID)).Msg("Message sent")
	return nil
}

// eventHandler handles incoming WhatsApp events
func (s *Service) eventHandler(evt interface{}) {
	switch evt := evt.(type) {
	case *events.Message:
		s.handleMessage(evt)
	case *events.Connected:
		s.log.Info().Msg("Connected to WhatsApp")
	case *events.Disconnected:
		s.log.Info().Msg("Disconnected from WhatsApp")
	case *events.LoggedOut:
		s.log.Info().Msg("Logged out from WhatsApp")
	}
}

// handleMessage passes incoming texts to the reply handler
func (s *Service) handleMessage(msg *events.Message) {
	if msg.Info.IsFromMe || msg.Message == nil {
		return
	}
	text := msg.Message.GetConversation()
	if text == "" {
		text = msg.Message.GetExtendedTextMessage().GetText()
	}
	if text == "" {
		return
	}
	s.dispatch(context.Background(), msg.Info.Sender.User, text)
}

func (s *Service) dispatch(ctx context.Context, sender, text string) {
	if s.replyHandler == nil {
		s.log.Info().Str("sender", sender).Str("message", text).Msg("Received message")
		return
	}
	phone := NormalizePhoneNumber(sender, s.cfg.CountryCode)
	if err := s.replyHandler(ctx, phone, text); err != nil {
		s.log.Error().Err(err).Str("sender", sender).Msg("Error handling message")
	}
}

// SetReplyHandler sets the handler for incoming messages
func (s *Service) SetReplyHandler(handler ReplyHandler) {
	s.replyHandler = handler
}
