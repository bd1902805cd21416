package ticket

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goitalic"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// Artboard size in logical units (A4 at 72 dpi)
const (
	ArtboardWidth  = 595
	ArtboardHeight = 842

	margin = 48
	gap    = 6
)

var (
	ErrLayoutTimeout = errors.New("layout did not settle in time")
	ErrEmptyLayout   = errors.New("layout has no height")
	ErrReleased      = errors.New("mount already released")
)

// Style selects font and size of a text block
type Style int

const (
	StyleBody Style = iota
	StyleTitle
	StyleHeading
	StyleName
	StyleItalic
	StyleSmall
	StyleCaption
)

type styleSpec struct {
	size   float64
	weight int // 0 regular, 1 bold, 2 italic
}

var styles = map[Style]styleSpec{
	StyleBody:    {size: 13},
	StyleTitle:   {size: 26, weight: 1},
	StyleHeading: {size: 16, weight: 1},
	StyleName:    {size: 18, weight: 1},
	StyleItalic:  {size: 13, weight: 2},
	StyleSmall:   {size: 10},
	StyleCaption: {size: 9},
}

// Kind is the type of a layout block
type Kind int

const (
	KindText Kind = iota
	KindImage
	KindBanner
	KindRule
	KindSpacer
)

// Block is one node of the ticket tree. Sizes are logical units.
type Block struct {
	Kind   Kind
	Text   string
	Style  Style
	Color  color.RGBA
	Image  image.Image
	Width  int
	Height int
	Smooth bool
}

// Layout is a detached ticket tree
type Layout struct {
	Width  int
	Height int
	Blocks []Block
}

// Texts returns the text of every text and banner block in order
func (l Layout) Texts() []string {
	var out []string
	for _, b := range l.Blocks {
		if (b.Kind == KindText || b.Kind == KindBanner) && b.Text != "" {
			out = append(out, b.Text)
		}
	}
	return out
}

// Fonts holds the parsed typefaces used by tickets
type Fonts struct {
	regular *opentype.Font
	bold    *opentype.Font
	italic  *opentype.Font
}

// LoadFonts parses the bundled Go fonts
func LoadFonts() (*Fonts, error) {
	regular, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("failed to parse regular font: %w", err)
	}
	bold, err := opentype.Parse(gobold.TTF)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bold font: %w", err)
	}
	italic, err := opentype.Parse(goitalic.TTF)
	if err != nil {
		return nil, fmt.Errorf("failed to parse italic font: %w", err)
	}
	return &Fonts{regular: regular, bold: bold, italic: italic}, nil
}

func (f *Fonts) face(style Style, scale int) (font.Face, error) {
	spec, ok := styles[style]
	if !ok {
		spec = styles[StyleBody]
	}
	tf := f.regular
	switch spec.weight {
	case 1:
		tf = f.bold
	case 2:
		tf = f.italic
	}
	return opentype.NewFace(tf, &opentype.FaceOptions{
		Size:    spec.size * float64(scale),
		DPI:     72,
		Hinting: font.HintingFull,
	})
}

// Surface is the off-screen host that ticket trees are mounted on
type Surface struct {
	fonts *Fonts

	mu   sync.Mutex
	live int

	// layoutDelay holds back the layout pass; used to simulate slow layout
	layoutDelay time.Duration
}

// NewSurface creates an off-screen surface
func NewSurface(fonts *Fonts) *Surface {
	return &Surface{fonts: fonts}
}

// Live reports how many mounts have not been released
func (s *Surface) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

type item struct {
	block Block
	rect  image.Rectangle
	lines []line
}

type line struct {
	text string
	dot  fixed.Point26_6
}

// Mount is a layout tree attached to a surface. Layout runs in the background
// and Settled is closed when it is done.
type Mount struct {
	surface  *Surface
	layout   Layout
	scale    int
	settled  chan struct{}
	released atomic.Bool

	// written by the layout goroutine before settled is closed
	items  []item
	faces  map[Style]font.Face
	height int
	err    error
}

// Mount attaches l to the surface and starts laying it out at scale
func (s *Surface) Mount(l Layout, scale int) *Mount {
	if scale < 1 {
		scale = 1
	}
	s.mu.Lock()
	s.live++
	s.mu.Unlock()

	m := &Mount{
		surface: s,
		layout:  l,
		scale:   scale,
		settled: make(chan struct{}),
		faces:   make(map[Style]font.Face),
	}
	go m.run(s.layoutDelay)
	return m
}

// Settled is closed once layout finished
func (m *Mount) Settled() <-chan struct{} { return m.settled }

// Height is the laid out content height in device pixels; valid after Settled
func (m *Mount) Height() int {
	select {
	case <-m.settled:
		return m.height
	default:
		return 0
	}
}

// WaitSettled blocks until layout settled with a non-zero height, timeout
// elapsed or ctx is done
func (m *Mount) WaitSettled(ctx context.Context, timeout time.Duration) error {
	if m.released.Load() {
		return ErrReleased
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.settled:
	case <-timer.C:
		return ErrLayoutTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
	if m.err != nil {
		return m.err
	}
	if m.height <= 0 {
		return ErrEmptyLayout
	}
	return nil
}

// Release detaches the mount from its surface. It is safe to call more
// than once.
func (m *Mount) Release() {
	if !m.released.CompareAndSwap(false, true) {
		return
	}
	m.surface.mu.Lock()
	m.surface.live--
	m.surface.mu.Unlock()
}

func (m *Mount) run(delay time.Duration) {
	defer close(m.settled)
	if delay > 0 {
		time.Sleep(delay)
	}
	if m.released.Load() {
		m.err = ErrReleased
		return
	}
	m.height, m.err = m.place()
}

func (m *Mount) faceFor(style Style) (font.Face, error) {
	if f, ok := m.faces[style]; ok {
		return f, nil
	}
	f, err := m.surface.fonts.face(style, m.scale)
	if err != nil {
		return nil, err
	}
	m.faces[style] = f
	return f, nil
}

func (m *Mount) place() (int, error) {
	s := m.scale
	width := m.layout.Width * s
	inner := (m.layout.Width - 2*margin) * s
	y := margin / 2 * s

	for _, b := range m.layout.Blocks {
		switch b.Kind {
		case KindText:
			if strings.TrimSpace(b.Text) == "" {
				continue
			}
			face, err := m.faceFor(b.Style)
			if err != nil {
				return 0, err
			}
			it := item{block: b}
			metrics := face.Metrics()
			for _, text := range wrap(face, b.Text, inner) {
				w := font.MeasureString(face, text).Ceil()
				it.lines = append(it.lines, line{
					text: text,
					dot:  fixed.P((width-w)/2, y+metrics.Ascent.Ceil()),
				})
				y += metrics.Height.Ceil()
			}
			m.items = append(m.items, it)
			y += gap * s

		case KindImage, KindBanner:
			w, h := b.Width*s, b.Height*s
			if w <= 0 || w > width {
				w = width
			}
			x := (width - w) / 2
			it := item{block: b, rect: image.Rect(x, y, x+w, y+h)}
			if b.Kind == KindBanner && b.Text != "" {
				face, err := m.faceFor(StyleHeading)
				if err != nil {
					return 0, err
				}
				metrics := face.Metrics()
				for i, text := range wrap(face, b.Text, inner) {
					tw := font.MeasureString(face, text).Ceil()
					ty := y + (h-metrics.Height.Ceil())/2 + metrics.Ascent.Ceil() + i*metrics.Height.Ceil()
					it.lines = append(it.lines, line{text: text, dot: fixed.P((width-tw)/2, ty)})
				}
			}
			m.items = append(m.items, it)
			y += h + gap*s

		case KindRule:
			w := b.Width * s
			if w <= 0 || w > inner {
				w = inner
			}
			x := (width - w) / 2
			m.items = append(m.items, item{block: b, rect: image.Rect(x, y, x+w, y+s)})
			y += s + gap*s

		case KindSpacer:
			y += b.Height * s
		}
	}
	if len(m.items) == 0 {
		return 0, nil
	}
	return y, nil
}

func wrap(face font.Face, text string, limit int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	var lines []string
	current := words[0]
	for _, w := range words[1:] {
		candidate := current + " " + w
		if font.MeasureString(face, candidate).Ceil() <= limit {
			current = candidate
			continue
		}
		lines = append(lines, current)
		current = w
	}
	return append(lines, current)
}
