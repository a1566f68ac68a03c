package insight

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"SignalDesk/internal/model"
)

// Generator turns a prompt into a short piece of text. An empty result means nothing usable came back.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Config selects and configures a Generator.
type Config struct {
	Provider string // openai, anthropic or none
	APIKey   string
	Model    string
	BaseURL  string
	MaxChars int
}

// New returns the Generator for cfg.Provider.
func New(cfg Config) (Generator, error) {
	switch cfg.Provider {
	case "", "none":
		return None{}, nil
	case "openai":
		return NewOpenAI(cfg), nil
	case "anthropic":
		return NewAnthropic(cfg), nil
	default:
		return nil, fmt.Errorf("unknown insight provider %q", cfg.Provider)
	}
}

// None never produces text. Signals stay un-enriched.
type None struct{}

func (None) Generate(context.Context, string) (string, error) { return "", nil }

// BuildPrompt renders the enrichment request for a signal.
func BuildPrompt(s model.Signal) string {
	var b strings.Builder
	b.WriteString("You are a concise trading analyst. In 150-200 characters, explain the rationale behind this trade signal. ")
	b.WriteString("No disclaimers, no markdown.\n\n")
	fmt.Fprintf(&b, "Symbol: %s\n", s.Symbol)
	fmt.Fprintf(&b, "Direction: %s\n", s.Type)
	fmt.Fprintf(&b, "Entry: %s\n", s.Entry.String())
	fmt.Fprintf(&b, "Stop loss: %s\n", s.StopLoss.String())
	fmt.Fprintf(&b, "Take profit: %s\n", s.TakeProfit.String())
	if rr := s.RiskReward(); rr.IsPositive() {
		fmt.Fprintf(&b, "Risk/reward: 1:%s\n", rr.StringFixed(2))
	}
	if s.TechnicalReason != "" {
		fmt.Fprintf(&b, "Technical reason: %s\n", s.TechnicalReason)
	}
	fmt.Fprintf(&b, "Confidence: %d%%\n", s.Confidence)
	return b.String()
}

// Clean trims the model output and bounds it to maxChars runes.
func Clean(text string, maxChars int) string {
	text = strings.TrimSpace(text)
	text = strings.Trim(text, "\"")
	text = strings.Join(strings.Fields(text), " ")
	if maxChars > 0 && utf8.RuneCountInString(text) > maxChars {
		r := []rune(text)
		text = strings.TrimSpace(string(r[:maxChars-1])) + "…"
	}
	return text
}
