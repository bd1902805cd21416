package ticket

import (
	"bytes"
	"context"
	"image"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"event-rsvp/internal/i18n"
	"event-rsvp/internal/models"
)

func newTestRenderer(t *testing.T, timeout time.Duration) *Renderer {
	t.Helper()
	fonts, err := LoadFonts()
	require.NoError(t, err)
	return NewRenderer(NewSurface(fonts), i18n.Default(), nil, timeout, zerolog.Nop())
}

func testEvent() models.EventConfig {
	return models.EventConfig{
		RSVPEnabled: true,
		Title:       "Canada Day 2025",
		Occasion:    "Canada Day",
		Date:        "Tuesday, July 1, 2025 at 6:30 PM",
		Location:    "Residence, 12 Example Street",
		HostNames:   "The Ambassador and Spouse",
		RSVPEmail:   "rsvp@example.com",
	}
}

func principal() models.Guest {
	return models.Guest{FirstName: "Jane", LastName: "Doe", GuestType: models.GuestVIP, QRID: "qr-jane", WillAttend: models.AttendanceYes, Responded: true}
}

func companion() *models.Guest {
	return &models.Guest{FirstName: "Ana", LastName: "Lee", GuestType: models.GuestPlusOne, QRID: "qr-ana", InvitedBy: "qr-jane"}
}

func TestComposeRecipientLines(t *testing.T) {
	r := newTestRenderer(t, time.Second)

	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"alone", Request{Guest: principal(), Lang: language.English}, "Jane Doe"},
		{"with companion", Request{Guest: principal(), Companion: companion(), Lang: language.English}, "Jane Doe and Ana Lee"},
		{"companion ticket", Request{Guest: *companion(), IsCompanion: true, Lang: language.English}, "Ana Lee (Guest)"},
		{"french", Request{Guest: principal(), Companion: companion(), Lang: language.French}, "Jane Doe et Ana Lee"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Event = testEvent()
			l, err := r.Compose(tt.req)
			require.NoError(t, err)
			assert.Contains(t, l.Texts(), tt.want)
			assert.Contains(t, l.Texts(), tt.req.Guest.QRID)
		})
	}
}

func TestComposeFooter(t *testing.T) {
	r := newTestRenderer(t, time.Second)
	l, err := r.Compose(Request{Guest: principal(), Event: testEvent(), Lang: language.English})
	require.NoError(t, err)

	texts := strings.Join(l.Texts(), "\n")
	for _, key := range []string{i18n.KeyDressCode, i18n.KeyQRCodeNotice, i18n.KeyNoParking, i18n.KeyNoMinors} {
		assert.Contains(t, texts, i18n.Default().Text(language.English, key))
	}
	assert.Contains(t, texts, "rsvp@example.com")
}

func TestComposeRequiresQRID(t *testing.T) {
	r := newTestRenderer(t, time.Second)
	g := principal()
	g.QRID = ""
	_, err := r.Compose(Request{Guest: g})
	var rerr *RenderError
	require.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, err, ErrMissingQRID)
}

func TestRenderRasterizesAtDoubleScale(t *testing.T) {
	r := newTestRenderer(t, 5*time.Second)
	img, err := r.Render(context.Background(), Request{Guest: principal(), Event: testEvent(), Lang: language.English})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, ArtboardWidth*Scale, ArtboardHeight*Scale), img.Bounds())
	assert.Zero(t, r.Surface().Live())
}

func TestRenderReleasesSurfaceOnTimeout(t *testing.T) {
	r := newTestRenderer(t, 5*time.Millisecond)
	r.surface.layoutDelay = 200 * time.Millisecond

	_, err := r.Render(context.Background(), Request{Guest: principal(), Event: testEvent()})
	var rerr *RenderError
	require.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, err, ErrLayoutTimeout)
	assert.Zero(t, r.Surface().Live())
}

func TestRenderReleasesSurfaceOnCancel(t *testing.T) {
	r := newTestRenderer(t, 5*time.Second)
	r.surface.layoutDelay = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Render(ctx, Request{Guest: principal(), Event: testEvent()})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, r.Surface().Live())
}

func TestEmptyLayoutNeverSettles(t *testing.T) {
	fonts, err := LoadFonts()
	require.NoError(t, err)
	s := NewSurface(fonts)

	m := s.Mount(Layout{Width: ArtboardWidth, Height: ArtboardHeight}, Scale)
	err = m.WaitSettled(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrEmptyLayout)
	assert.Equal(t, 1, s.Live())
	m.Release()
	m.Release()
	assert.Zero(t, s.Live())
}

func TestAssembleSinglePage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, ArtboardWidth*Scale, ArtboardHeight*Scale))
	doc, err := Assemble(img, principal(), false)
	require.NoError(t, err)

	assert.Equal(t, 1, doc.Pages)
	assert.True(t, bytes.HasPrefix(doc.Bytes, []byte("%PDF")))
	assert.InDelta(t, 210.0, doc.PageWidth, 0.01)
	assert.InDelta(t, 297.0, doc.PageHeight, 0.01)
	assert.Equal(t, doc.PageWidth, doc.ImageWidth)
	assert.InDelta(t, doc.ImageWidth*float64(ArtboardHeight)/float64(ArtboardWidth), doc.ImageHeight, 0.01)
	assert.InDelta(t, (doc.PageHeight-doc.ImageHeight)/2, doc.ImageY, 0.001)
	assert.Equal(t, "Jane_Doe_Ticket.pdf", doc.Filename)
}

func TestAssembleRejectsEmptyImage(t *testing.T) {
	_, err := Assemble(nil, principal(), false)
	assert.ErrorIs(t, err, ErrEmptyImage)

	_, err = Assemble(image.NewRGBA(image.Rectangle{}), principal(), false)
	assert.ErrorIs(t, err, ErrEmptyImage)
}

func TestFilename(t *testing.T) {
	assert.Equal(t, "Jane_Doe_Ticket.pdf", Filename(principal(), false))
	assert.Equal(t, "Ana_Lee_PlusOne_Ticket.pdf", Filename(*companion(), true))
	assert.Equal(t, "ab_cd_Ticket.pdf", Filename(models.Guest{FirstName: "a/b", LastName: "c\"d"}, false))
}

func TestGeneratorProducesDocument(t *testing.T) {
	g := NewGenerator(newTestRenderer(t, 5*time.Second), zerolog.Nop())

	var wg sync.WaitGroup
	docs := make([]*Document, 3)
	errs := make([]error, 3)
	for i := range docs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			docs[i], errs[i] = g.Generate(context.Background(), Request{
				Guest:       *companion(),
				IsCompanion: true,
				Event:       testEvent(),
				Lang:        language.Turkish,
			})
		}(i)
	}
	wg.Wait()

	for i := range docs {
		require.NoError(t, errs[i])
		assert.Equal(t, "Ana_Lee_PlusOne_Ticket.pdf", docs[i].Filename)
		assert.Equal(t, 1, docs[i].Pages)
	}
	assert.Zero(t, g.renderer.Surface().Live())
}

func TestGeneratorCancelledCallerDoesNotFailOthers(t *testing.T) {
	r := newTestRenderer(t, 5*time.Second)
	r.surface.layoutDelay = 200 * time.Millisecond
	g := NewGenerator(r, zerolog.Nop())
	req := Request{Guest: principal(), Event: testEvent(), Lang: language.English}

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()

	var wg sync.WaitGroup
	var errA, errB error
	var docB *Document
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errA = g.Generate(ctxA, req)
	}()
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		docB, errB = g.Generate(context.Background(), req)
	}()

	time.Sleep(40 * time.Millisecond)
	cancelA()
	wg.Wait()

	assert.ErrorIs(t, errA, context.Canceled)
	require.NoError(t, errB)
	assert.Equal(t, "Jane_Doe_Ticket.pdf", docB.Filename)
	assert.Zero(t, r.Surface().Live())
}

func darkPixels(img *image.RGBA, area image.Rectangle) int {
	area = area.Intersect(img.Bounds())
	n := 0
	for y := area.Min.Y; y < area.Max.Y; y++ {
		for x := area.Min.X; x < area.Max.X; x++ {
			c := img.RGBAAt(x, y)
			if c.R < 0x80 && c.G < 0x80 && c.B < 0x80 {
				n++
			}
		}
	}
	return n
}

func TestRenderDrawsNameAndQRCode(t *testing.T) {
	ctx := context.Background()
	r := newTestRenderer(t, 5*time.Second)
	req := Request{Guest: principal(), Companion: companion(), Event: testEvent(), Lang: language.English}

	img, err := r.Render(ctx, req)
	require.NoError(t, err)

	// lay the same tree out again to find where the name and QR landed
	l, err := r.Compose(req)
	require.NoError(t, err)
	m := r.surface.Mount(l, Scale)
	defer m.Release()
	require.NoError(t, m.WaitSettled(ctx, 5*time.Second))

	var qrArea, nameArea image.Rectangle
	for _, it := range m.items {
		switch {
		case it.block.Kind == KindImage && it.block.Width == QRSize:
			qrArea = it.rect
		case it.block.Kind == KindText && it.block.Text == "Jane Doe and Ana Lee":
			y := it.lines[0].dot.Y.Ceil()
			nameArea = image.Rect(0, y-10*Scale, img.Bounds().Dx(), y)
		}
	}
	require.False(t, qrArea.Intersect(img.Bounds()).Empty(), "qr code inside the artboard")
	require.False(t, nameArea.Intersect(img.Bounds()).Empty(), "name line inside the artboard")

	assert.Greater(t, darkPixels(img, qrArea), qrArea.Dx()*qrArea.Dy()/10)
	assert.Greater(t, darkPixels(img, nameArea), 100)
}
