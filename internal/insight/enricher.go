package insight

import (
	"context"

	"go.uber.org/zap"

	"SignalDesk/internal/model"
)

// Enricher produces the insight text for a single signal.
type Enricher struct {
	gen      Generator
	maxChars int
	log      *zap.Logger
}

// NewEnricher wraps gen. Results longer than maxChars are cut.
func NewEnricher(gen Generator, maxChars int, logger *zap.Logger) *Enricher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{gen: gen, maxChars: maxChars, log: logger.Named("insight")}
}

// Enrich returns the insight for s, or "" when generation failed or came back empty.
// Failures are logged and never returned.
func (e *Enricher) Enrich(ctx context.Context, s model.Signal) string {
	text, err := e.gen.Generate(ctx, BuildPrompt(s))
	if err != nil {
		if ctx.Err() == nil {
			e.log.Warn("insight generation failed", zap.String("signal", s.ID), zap.String("symbol", s.Symbol), zap.Error(err))
		}
		return ""
	}
	text = Clean(text, e.maxChars)
	if text == "" {
		e.log.Debug("insight generation returned nothing", zap.String("signal", s.ID))
	}
	return text
}
