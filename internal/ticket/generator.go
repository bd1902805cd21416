package ticket

import (
	"context"
	"fmt"
	"image"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// Generator runs render and assembly. Identical requests in flight at the
// same time share one result.
type Generator struct {
	renderer *Renderer
	group    singleflight.Group
	tracer   trace.Tracer
	log      zerolog.Logger
}

// NewGenerator creates a generator around renderer
func NewGenerator(renderer *Renderer, log zerolog.Logger) *Generator {
	return &Generator{
		renderer: renderer,
		tracer:   otel.Tracer("event-rsvp/internal/ticket"),
		log:      log.With().Str("component", "Ticket").Logger(),
	}
}

// Generate produces the ticket PDF for req. It does not mutate anything and
// may be called repeatedly.
func (g *Generator) Generate(ctx context.Context, req Request) (*Document, error) {
	companionID := ""
	if req.Companion != nil {
		companionID = req.Companion.QRID
	}
	key := fmt.Sprintf("%s|%t|%s|%s", req.Guest.QRID, req.IsCompanion, companionID, req.Lang)

	// The shared run must not die with whichever caller started it. It is
	// bounded by the renderer's settle timeout; each caller stops waiting
	// when its own ctx is done.
	ch := g.group.DoChan(key, func() (any, error) {
		return g.generate(context.WithoutCancel(ctx), req)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			g.log.Debug().Str("qr_id", req.Guest.QRID).Msg("Shared in-flight ticket")
		}
		return res.Val.(*Document), nil
	case <-ctx.Done():
		return nil, &RenderError{Op: "generate", Err: ctx.Err()}
	}
}

func (g *Generator) generate(ctx context.Context, req Request) (*Document, error) {
	ctx, span := g.tracer.Start(ctx, "ticket.Generate", trace.WithAttributes(
		attribute.String("guest.qr_id", req.Guest.QRID),
		attribute.Bool("ticket.companion", req.IsCompanion),
		attribute.String("ticket.lang", req.Lang.String()),
	))
	defer span.End()

	img, err := g.render(ctx, req)
	if err != nil {
		return nil, g.fail(span, req, err)
	}

	_, assembleSpan := g.tracer.Start(ctx, "ticket.Assemble")
	doc, err := Assemble(img, req.Guest, req.IsCompanion)
	assembleSpan.End()
	if err != nil {
		return nil, g.fail(span, req, err)
	}

	span.SetAttributes(attribute.Int("ticket.bytes", len(doc.Bytes)))
	g.log.Info().Str("qr_id", req.Guest.QRID).Bool("companion", req.IsCompanion).Str("file", doc.Filename).Msg("Ticket generated")
	return doc, nil
}

func (g *Generator) render(ctx context.Context, req Request) (*image.RGBA, error) {
	ctx, span := g.tracer.Start(ctx, "ticket.Render")
	defer span.End()
	return g.renderer.Render(ctx, req)
}

func (g *Generator) fail(span trace.Span, req Request, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	g.log.Error().Err(err).Str("qr_id", req.Guest.QRID).Msg("Error generating ticket")
	return err
}
