package ticket

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/go-pdf/fpdf"

	"event-rsvp/internal/models"
)

// Document is an assembled ticket PDF
type Document struct {
	Filename    string
	Bytes       []byte
	Pages       int
	PageWidth   float64
	PageHeight  float64
	ImageWidth  float64
	ImageHeight float64
	ImageY      float64
}

// Assemble places img on a single A4 portrait page at full page width,
// vertically centred, and returns the encoded PDF
func Assemble(img image.Image, guest models.Guest, isCompanion bool) (*Document, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, &RenderError{Op: "assemble", Err: ErrEmptyImage}
	}

	var raster bytes.Buffer
	if err := png.Encode(&raster, img); err != nil {
		return nil, &RenderError{Op: "assemble", Err: fmt.Errorf("failed to encode png: %w", err)}
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetTitle(guest.FullName(), true)
	pdf.SetCreator("event-rsvp", true)
	pdf.AddPage()

	pageW, pageH := pdf.GetPageSize()
	b := img.Bounds()
	imgW := pageW
	imgH := imgW * float64(b.Dy()) / float64(b.Dx())
	y := (pageH - imgH) / 2

	opts := fpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("ticket", opts, &raster)
	pdf.ImageOptions("ticket", 0, y, imgW, imgH, false, opts, 0, "")

	var out bytes.Buffer
	if err := pdf.Output(&out); err != nil {
		return nil, &RenderError{Op: "assemble", Err: fmt.Errorf("failed to write pdf: %w", err)}
	}

	return &Document{
		Filename:    Filename(guest, isCompanion),
		Bytes:       out.Bytes(),
		Pages:       pdf.PageCount(),
		PageWidth:   pageW,
		PageHeight:  pageH,
		ImageWidth:  imgW,
		ImageHeight: imgH,
		ImageY:      y,
	}, nil
}
