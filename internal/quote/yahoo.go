package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const defaultBaseURL = "https://query1.finance.yahoo.com"

// Yahoo prices symbols with the Yahoo Finance chart API.
type Yahoo struct {
	BaseURL   string
	Client    *http.Client
	SymbolMap map[string]string // maps signal symbol to Yahoo ticker
}

// NewYahoo creates a quote source with optional proxy support. An empty baseURL uses Yahoo.
func NewYahoo(baseURL, proxyURL string) *Yahoo {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Yahoo{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		SymbolMap: map[string]string{
			"XAUUSD": "GC=F",
			"XAGUSD": "SI=F",
			"SPX500": "^GSPC",
			"NAS100": "^NDX",
			"US30":   "^DJI",
		},
	}
}

// Ticker maps a signal symbol to its Yahoo ticker. Crypto pairs become BTC-USD,
// six-letter FX pairs become EURUSD=X.
func (y *Yahoo) Ticker(symbol string) string {
	symbol = strings.ToUpper(symbol)
	if mapped, ok := y.SymbolMap[symbol]; ok {
		return mapped
	}
	for _, base := range []string{"BTC", "ETH", "SOL", "XRP", "DOGE", "LTC"} {
		if strings.HasPrefix(symbol, base) && len(symbol) > len(base) {
			return base + "-" + symbol[len(base):]
		}
	}
	if len(symbol) == 6 && isLetters(symbol) {
		return symbol + "=X"
	}
	return symbol
}

func isLetters(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// yahooChart is the response structure from Yahoo Finance chart API.
type yahooChart struct {
	Chart struct {
		Result []struct {
			Meta struct {
				RegularMarketPrice *float64 `json:"regularMarketPrice"`
			} `json:"meta"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Price returns the latest market price of symbol.
func (y *Yahoo) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	u := fmt.Sprintf("%s/v8/finance/chart/%s?interval=1d&range=1d", y.BaseURL, url.PathEscape(y.Ticker(symbol)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := y.Client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("yahoo fetch %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, fmt.Errorf("yahoo read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("yahoo %s: status %d, body: %s", symbol, resp.StatusCode, string(body))
	}

	var chart yahooChart
	if err := json.Unmarshal(body, &chart); err != nil {
		return decimal.Zero, fmt.Errorf("yahoo decode: %w", err)
	}
	if chart.Chart.Error != nil {
		return decimal.Zero, fmt.Errorf("yahoo api error: %s", chart.Chart.Error.Description)
	}
	if len(chart.Chart.Result) == 0 {
		return decimal.Zero, fmt.Errorf("yahoo %s: no data returned", symbol)
	}

	result := chart.Chart.Result[0]
	if p := result.Meta.RegularMarketPrice; p != nil && *p > 0 {
		return decimal.NewFromFloat(*p), nil
	}
	// Fall back to the last non-null close.
	if len(result.Indicators.Quote) > 0 {
		closes := result.Indicators.Quote[0].Close
		for i := len(closes) - 1; i >= 0; i-- {
			if closes[i] != nil && *closes[i] > 0 {
				return decimal.NewFromFloat(*closes[i]), nil
			}
		}
	}
	return decimal.Zero, fmt.Errorf("yahoo %s: no price data", symbol)
}
