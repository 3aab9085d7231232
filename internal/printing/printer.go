package printing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxlayout/internal/render"
	"github.com/drfirst/go-rxlayout/internal/snapshot"
	"github.com/drfirst/go-rxlayout/pkg/circuitbreaker"
)

// Config holds encoder settings
type Config struct {
	// PNGScale is the raster scale relative to canvas units
	PNGScale float64 `mapstructure:"png_scale"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{PNGScale: 1}
}

// Printer encodes documents and reprints frozen snapshots
type Printer struct {
	config   Config
	manager  *snapshot.Manager
	exporter PDFExporter
	breaker  *circuitbreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewPrinter creates a printer. A nil exporter disables pdf output; a nil
// breaker calls the exporter directly.
func NewPrinter(cfg Config, manager *snapshot.Manager, exporter PDFExporter, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Printer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if manager == nil {
		manager = snapshot.NewManager(nil, nil, logger)
	}
	if cfg.PNGScale <= 0 {
		cfg.PNGScale = DefaultConfig().PNGScale
	}
	return &Printer{
		config:   cfg,
		manager:  manager,
		exporter: exporter,
		breaker:  breaker,
		logger:   logger,
	}
}

// Encode writes doc in the requested format
func (p *Printer) Encode(ctx context.Context, doc render.Document, format Format, title string) (Artifact, error) {
	var buf bytes.Buffer
	var err error

	switch format {
	case FormatJSON:
		err = json.NewEncoder(&buf).Encode(doc)
	case FormatSVG:
		err = render.EncodeSVG(&buf, doc)
	case FormatHTML:
		err = render.EncodeHTML(&buf, doc, title)
	case FormatPNG:
		err = render.EncodePNG(&buf, doc, p.config.PNGScale)
	case FormatPDF:
		data, pdfErr := p.pdf(ctx, doc, title)
		if pdfErr != nil {
			return Artifact{}, pdfErr
		}
		buf.Write(data)
	default:
		return Artifact{}, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("encode %s: %w", format, err)
	}

	return Artifact{Format: format, ContentType: format.ContentType(), Data: buf.Bytes()}, nil
}

// Reprint replays snap and encodes it. The live layout is never consulted.
func (p *Printer) Reprint(ctx context.Context, snap *snapshot.Snapshot, format Format) (Artifact, error) {
	doc, err := p.manager.Reprint(ctx, snap)
	if err != nil {
		return Artifact{}, err
	}
	return p.Encode(ctx, doc, format, "Receta "+snap.PrescriptionID)
}

func (p *Printer) pdf(ctx context.Context, doc render.Document, title string) ([]byte, error) {
	if p.exporter == nil {
		return nil, ErrPDFUnavailable
	}
	var page bytes.Buffer
	if err := render.EncodeHTML(&page, doc, title); err != nil {
		return nil, fmt.Errorf("encode print page: %w", err)
	}

	export := func() ([]byte, error) { return p.exporter.Export(ctx, page.Bytes()) }
	if p.breaker == nil {
		return export()
	}
	data, err := circuitbreaker.Call(ctx, p.breaker, export)
	if err != nil {
		p.logger.Warn("pdf export failed", zap.String("breaker_state", string(p.breaker.GetState())), zap.Error(err))
		return nil, err
	}
	return data, nil
}
