package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	llamaChartPath   = "/stablecoincharts/"
	defaultLlamaBase = "https://stablecoins.llama.fi"
	defaultChain     = "avalanche"
)

// LlamaOptions parameterise the DeFiLlama stablecoin chart client.
type LlamaOptions struct {
	BaseURL   string
	Chain     string
	Timeout   time.Duration
	UserAgent string
}

// Llama fetches per-chain stablecoin supply charts.
type Llama struct {
	opts    LlamaOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	chain   string
}

// NewLlama constructs a chart client.
func NewLlama(opts LlamaOptions, logger zerolog.Logger) *Llama {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultLlamaBase
	}

	chain := strings.TrimSpace(opts.Chain)
	if chain == "" {
		chain = defaultChain
	}

	return &Llama{
		opts:    opts,
		logger:  logger.With().Str("component", "llama_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		chain:   chain,
	}
}

// ChartURL builds the request URL for one stablecoin.
func (l *Llama) ChartURL(stablecoinID string) string {
	q := url.Values{}
	q.Set("stablecoin", stablecoinID)
	return l.baseURL + llamaChartPath + url.PathEscape(l.chain) + "?" + q.Encode()
}

// FetchChart performs one request for the stablecoin's chart and classifies the outcome.
func (l *Llama) FetchChart(ctx context.Context, stablecoinID string) ([]ChartPoint, error) {
	endpoint := l.ChartURL(stablecoinID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(l.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "datapull/1.0")
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request chart: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read chart body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, newRemoteError("llama", resp.StatusCode, payload)
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(payload, &elements); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(elements) == 0 {
		return nil, ErrEmptyPayload
	}

	points := make([]ChartPoint, len(elements))
	for i, raw := range elements {
		points[i] = decodeChartPoint(raw)
	}

	l.logger.Debug().Str("stablecoin_id", stablecoinID).Int("points", len(points)).Msg("chart fetched")
	return points, nil
}

var _ ChartFetcher = (*Llama)(nil)
