package insight

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"SignalDesk/internal/model"
)

func sampleSignal() model.Signal {
	return model.Signal{
		ID:              "s1",
		Symbol:          "XAUUSD",
		Type:            model.SignalBuy,
		Entry:           decimal.RequireFromString("2350.5"),
		StopLoss:        decimal.RequireFromString("2340"),
		TakeProfit:      decimal.RequireFromString("2380"),
		Confidence:      82,
		TechnicalReason: "Bullish engulfing at support",
	}
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt(sampleSignal())
	for _, want := range []string{"XAUUSD", "BUY", "2350.5", "2340", "2380", "Bullish engulfing", "82%", "150-200 characters"} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q:\n%s", want, p)
		}
	}
}

func TestClean(t *testing.T) {
	if got := Clean("  \"Gold  bounces\n off support\"  ", 0); got != "Gold bounces off support" {
		t.Errorf("got %q", got)
	}
	long := strings.Repeat("a", 300)
	if got := Clean(long, 200); utf8.RuneCountInString(got) != 200 || !strings.HasSuffix(got, "…") {
		t.Errorf("expected 200 runes ending in ellipsis, got %d", utf8.RuneCountInString(got))
	}
}

type stubGen struct {
	text string
	err  error
}

func (s stubGen) Generate(context.Context, string) (string, error) { return s.text, s.err }

func TestEnricher(t *testing.T) {
	ctx := context.Background()
	if got := NewEnricher(stubGen{text: " ok "}, 200, nil).Enrich(ctx, sampleSignal()); got != "ok" {
		t.Errorf("got %q", got)
	}
	if got := NewEnricher(stubGen{err: errors.New("rate limited")}, 200, nil).Enrich(ctx, sampleSignal()); got != "" {
		t.Errorf("failure should yield empty, got %q", got)
	}
	if got := NewEnricher(None{}, 200, nil).Enrich(ctx, sampleSignal()); got != "" {
		t.Errorf("none provider should yield empty, got %q", got)
	}
}

func TestNew(t *testing.T) {
	for _, p := range []string{"", "none", "openai", "anthropic"} {
		if _, err := New(Config{Provider: p, APIKey: "k", Model: "m"}); err != nil {
			t.Errorf("%q: %v", p, err)
		}
	}
	if _, err := New(Config{Provider: "gemini"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestOpenAIGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		_ = json.Unmarshal(body, &req)
		if req["model"] != "gpt-test" {
			t.Errorf("unexpected model %v", req["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-test",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Gold holds support."}}]}`)
	}))
	defer srv.Close()

	g := NewOpenAI(Config{APIKey: "k", Model: "gpt-test", BaseURL: srv.URL + "/"})
	got, err := g.Generate(context.Background(), "prompt")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Gold holds support." {
		t.Errorf("got %q", got)
	}
}

func TestAnthropicGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"m1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"Momentum "},{"type":"text","text":"favours buyers."}],
			"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":5}}`)
	}))
	defer srv.Close()

	g := NewAnthropic(Config{APIKey: "k", Model: "claude-test", BaseURL: srv.URL + "/"})
	got, err := g.Generate(context.Background(), "prompt")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Momentum favours buyers." {
		t.Errorf("got %q", got)
	}
}
