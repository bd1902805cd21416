// Package ticket renders admission tickets for confirmed guests and packs
// them into a single-page PDF.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/text/language"

	"event-rsvp/internal/i18n"
	"event-rsvp/internal/models"
)

const (
	// Scale is the device pixel ratio tickets are rasterized at
	Scale = 2
	// QRSize is the logical edge length of the QR code
	QRSize = 200

	bannerHeight = 110
)

var (
	ErrMissingQRID = errors.New("guest has no qr id")
	ErrEmptyImage  = errors.New("ticket image is empty")
)

var (
	inkColor    = color.RGBA{R: 0x22, G: 0x22, B: 0x22, A: 0xff}
	mutedColor  = color.RGBA{R: 0x55, G: 0x55, B: 0x55, A: 0xff}
	accentColor = color.RGBA{R: 0xc8, G: 0x10, B: 0x2e, A: 0xff}
	white       = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
)

// RenderError reports a failed ticket render or PDF assembly
type RenderError struct {
	Op  string
	Err error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("ticket %s: %v", e.Op, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// Request describes the ticket to produce. For a companion ticket Guest is
// the companion and IsCompanion is set; for a principal ticket Companion is
// the linked plus-one, if any.
type Request struct {
	Guest       models.Guest
	Companion   *models.Guest
	IsCompanion bool
	Event       models.EventConfig
	Lang        language.Tag
}

// Renderer turns a Request into a raster ticket
type Renderer struct {
	surface       *Surface
	bundle        *i18n.Bundle
	header        image.Image
	settleTimeout time.Duration
	scale         int
	log           zerolog.Logger
}

// NewRenderer creates a renderer; header may be nil for the drawn banner
func NewRenderer(surface *Surface, bundle *i18n.Bundle, header image.Image, settleTimeout time.Duration, log zerolog.Logger) *Renderer {
	if bundle == nil {
		bundle = i18n.Default()
	}
	return &Renderer{
		surface:       surface,
		bundle:        bundle,
		header:        header,
		settleTimeout: settleTimeout,
		scale:         Scale,
		log:           log.With().Str("component", "Ticket").Logger(),
	}
}

// LoadHeaderImage reads a PNG or JPEG header image
func LoadHeaderImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open header image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode header image: %w", err)
	}
	return img, nil
}

// Surface returns the surface tickets are mounted on
func (r *Renderer) Surface() *Surface { return r.surface }

// Render lays the ticket out off-screen and rasterizes it at 2x. The mount
// is released on every path.
func (r *Renderer) Render(ctx context.Context, req Request) (*image.RGBA, error) {
	layout, err := r.Compose(req)
	if err != nil {
		return nil, err
	}

	m := r.surface.Mount(layout, r.scale)
	defer m.Release()

	if err := m.WaitSettled(ctx, r.settleTimeout); err != nil {
		return nil, &RenderError{Op: "layout", Err: err}
	}
	if m.Height() > layout.Height*r.scale {
		r.log.Warn().Str("qr_id", req.Guest.QRID).Int("height", m.Height()).Msg("Ticket content overflows artboard")
	}

	dst := image.NewRGBA(image.Rect(0, 0, layout.Width*r.scale, layout.Height*r.scale))
	m.draw(dst)
	return dst, nil
}

// Compose builds the detached ticket tree for req
func (r *Renderer) Compose(req Request) (Layout, error) {
	if req.Guest.QRID == "" {
		return Layout{}, &RenderError{Op: "compose", Err: ErrMissingQRID}
	}
	t := func(key string, args ...any) string {
		return r.bundle.Text(req.Lang, key, args...)
	}
	ev := req.Event

	l := Layout{Width: ArtboardWidth, Height: ArtboardHeight}
	text := func(s string, style Style, c color.RGBA) {
		l.Blocks = append(l.Blocks, Block{Kind: KindText, Text: s, Style: style, Color: c})
	}

	if r.header != nil {
		b := r.header.Bounds()
		l.Blocks = append(l.Blocks, Block{
			Kind:   KindImage,
			Image:  r.header,
			Width:  ArtboardWidth,
			Height: ArtboardWidth * b.Dy() / max(b.Dx(), 1),
			Smooth: true,
		})
	} else {
		l.Blocks = append(l.Blocks, Block{Kind: KindBanner, Text: ev.Occasion, Color: accentColor, Height: bannerHeight})
	}

	text(ev.Title, StyleTitle, accentColor)
	if ev.Occasion != "" {
		text(t(i18n.KeyInvitationHeader, ev.Occasion), StyleItalic, inkColor)
	}
	text(ev.HostNames, StyleHeading, inkColor)
	text(t(i18n.KeyRequestPresence), StyleBody, inkColor)
	text(RecipientLine(req, t), StyleName, inkColor)
	l.Blocks = append(l.Blocks, Block{Kind: KindSpacer, Height: 4})
	text(ev.Date, StyleBody, inkColor)
	text(ev.Location, StyleBody, inkColor)
	if ev.RSVPEmail != "" {
		text(t(i18n.KeyRSVPEmail)+": "+ev.RSVPEmail, StyleSmall, mutedColor)
	}
	l.Blocks = append(l.Blocks, Block{Kind: KindRule, Color: accentColor, Width: 200})

	qr, err := qrImage(req.Guest.QRID, QRSize*r.scale)
	if err != nil {
		return Layout{}, &RenderError{Op: "qr", Err: err}
	}
	l.Blocks = append(l.Blocks, Block{Kind: KindImage, Image: qr, Width: QRSize, Height: QRSize})
	text(req.Guest.QRID, StyleCaption, mutedColor)

	for _, key := range []string{i18n.KeyDressCode, i18n.KeyQRCodeNotice, i18n.KeyNoParking, i18n.KeyNoMinors} {
		text(t(key), StyleSmall, mutedColor)
	}
	return l, nil
}

// RecipientLine is the name line printed on the ticket
func RecipientLine(req Request, t func(key string, args ...any) string) string {
	name := req.Guest.FullName()
	switch {
	case req.IsCompanion:
		return name + " " + t(i18n.KeyPlusOneSuffix)
	case req.Companion != nil && req.Companion.FullName() != "":
		return name + " " + t(i18n.KeyPlusOne) + " " + req.Companion.FullName()
	}
	return name
}

func qrImage(content string, size int) (image.Image, error) {
	q, err := qrcode.New(content, qrcode.High)
	if err != nil {
		return nil, fmt.Errorf("failed to encode qr code: %w", err)
	}
	return q.Image(size), nil
}

func (m *Mount) draw(dst *image.RGBA) {
	draw.Draw(dst, dst.Bounds(), image.NewUniform(white), image.Point{}, draw.Src)

	for _, it := range m.items {
		b := it.block
		switch b.Kind {
		case KindImage:
			scaler := draw.Interpolator(draw.NearestNeighbor)
			if b.Smooth {
				scaler = draw.CatmullRom
			}
			scaler.Scale(dst, it.rect, b.Image, b.Image.Bounds(), draw.Over, nil)
		case KindBanner, KindRule:
			draw.Draw(dst, it.rect, image.NewUniform(b.Color), image.Point{}, draw.Src)
		}

		if len(it.lines) == 0 {
			continue
		}
		style, c := b.Style, b.Color
		if b.Kind == KindBanner {
			style, c = StyleHeading, white
		}
		d := &font.Drawer{Dst: dst, Src: image.NewUniform(c), Face: m.faces[style]}
		for _, ln := range it.lines {
			d.Dot = ln.dot
			d.DrawString(ln.text)
		}
	}
}

// Filename is the download name of a ticket
func Filename(guest models.Guest, isCompanion bool) string {
	clean := strings.NewReplacer("/", "", "\\", "", "\"", "", ":", "")
	name := clean.Replace(guest.FirstName) + "_" + clean.Replace(guest.LastName)
	if isCompanion {
		name += "_PlusOne"
	}
	return name + "_Ticket.pdf"
}
