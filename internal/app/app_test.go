package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapull/internal/config"
)

const chartPayload = `[
	{"date":"1704067200","totalCirculatingUSD":{"peggedUSD":100.5},"totalBridgedToUSD":{"peggedUSD":10}},
	{"date":"1704153600","totalCirculatingUSD":{"peggedUSD":120.25},"totalBridgedToUSD":{"peggedUSD":12}},
	{"date":"1704240000","totalCirculatingUSD":{"peggedUSD":130},"totalBridgedToUSD":null}
]`

func newTestApp(t *testing.T, llamaURL, duneURL string) (*App, *bytes.Buffer, string) {
	t.Helper()
	dir := t.TempDir()
	input := filepath.Join(dir, "stablecoins.csv")
	require.NoError(t, os.WriteFile(input, []byte("id,name,symbol\n1,Tether,USDT\n2,USD Coin,USDC\n"), 0o644))

	cfg := &config.Config{
		Llama: config.LlamaConfig{BaseURL: llamaURL, Chain: "avalanche", RequestTimeout: time.Second},
		Fetch: config.FetchConfig{
			InputPath:  input,
			OutputPath: filepath.Join(dir, "out", "historical.csv"),
			MaxRetries: 1,
		},
		Dune: config.DuneConfig{
			BaseURL:        duneURL,
			APIKey:         "secret",
			RequestTimeout: time.Second,
			PollInterval:   time.Millisecond,
			MaxPolls:       3,
			Ecosystems:     map[string][]int64{"polygon_gaming": {11, 12}},
		},
		Chart: config.ChartConfig{Width: 640, Height: 360},
	}

	buf := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.Out = buf
	return a, buf, dir
}

func llamaServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stablecoincharts/avalanche" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.URL.Query().Get("stablecoin") {
		case "1":
			_, _ = w.Write([]byte(chartPayload))
		default:
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchValidateShowChart(t *testing.T) {
	srv := llamaServer(t)
	a, buf, dir := newTestApp(t, srv.URL, "")

	summary, err := a.FetchHistorical(context.Background(), FetchOptions{})
	require.NoError(t, err)
	assert.True(t, summary.Written)
	assert.Equal(t, 1, summary.Collected)
	assert.Equal(t, 1, summary.NoData)
	assert.Equal(t, 3, summary.Records)

	require.NoError(t, a.Validate(""))
	assert.Contains(t, buf.String(), "structure ok")

	buf.Reset()
	require.NoError(t, a.Show(ShowOptions{}))
	out := buf.String()
	assert.Contains(t, out, "Symbol")
	assert.Contains(t, out, "USDT")
	assert.Contains(t, out, "2024-01-01")
	assert.Contains(t, out, "2024-01-03")
	assert.Contains(t, out, "130.00")
	assert.NotContains(t, out, "USDC")

	require.Error(t, a.Show(ShowOptions{Symbol: "DAI"}))

	png := filepath.Join(dir, "charts", "supply.png")
	require.NoError(t, a.Chart(ChartOptions{PNGPath: png, Symbols: []string{"usdt"}}))
	raw, err := os.ReadFile(png)
	require.NoError(t, err)
	require.Greater(t, len(raw), 8)
	assert.Equal(t, []byte("\x89PNG"), raw[:4])

	require.Error(t, a.Chart(ChartOptions{PNGPath: png, Symbols: []string{"DAI"}}))
	require.Error(t, a.Chart(ChartOptions{}))
}

func TestFetchSendsRunSummary(t *testing.T) {
	srv := llamaServer(t)

	var (
		mu   sync.Mutex
		text string
	)
	tg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		text = body["text"]
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	t.Cleanup(tg.Close)

	a, _, _ := newTestApp(t, srv.URL, "")
	a.Config.Alerting.Telegram = config.TelegramConfig{Enabled: true, BotToken: "t", ChatID: "c", APIBase: tg.URL, Timeout: time.Second}

	summary, err := a.FetchHistorical(context.Background(), FetchOptions{})
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, text, "Run: "+summary.RunID)
	assert.Contains(t, text, "collected 1, no data 1, failed 0")
}

func TestValidateRejectsMalformedTable(t *testing.T) {
	a, _, dir := newTestApp(t, "", "")
	path := filepath.Join(dir, "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte("stablecoin_id,date\n1,2024-01-01\n"), 0o644))

	err := a.Validate(path)
	require.ErrorIs(t, err, ErrInvalidStructure)
}

func TestLoadRequiresDatabase(t *testing.T) {
	srv := llamaServer(t)
	a, _, _ := newTestApp(t, srv.URL, "")
	_, err := a.FetchHistorical(context.Background(), FetchOptions{})
	require.NoError(t, err)

	err = a.Load(context.Background(), LoadOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database not configured")
}

func TestQueryByEcosystemLatest(t *testing.T) {
	var (
		mu   sync.Mutex
		hits []string
	)
	dune := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, r.URL.Path)
		mu.Unlock()
		if r.Header.Get("X-DUNE-API-KEY") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var id int64
		if _, err := fmt.Sscanf(r.URL.Path, "/query/%d/results", &id); err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprintf(w, `{"execution_id":"ex-%d","query_id":%d,"state":"QUERY_STATE_COMPLETED","result":{"rows":[{"day":"2024-01-01","n":%d}],"metadata":{"column_names":["day","n"]}}}`, id, id, id)
	}))
	t.Cleanup(dune.Close)

	a, buf, dir := newTestApp(t, "", dune.URL)
	outputs, err := a.Query(context.Background(), QueryOptions{
		Ecosystem:  "Polygon Gaming",
		Latest:     true,
		OutputPath: filepath.Join(dir, "gaming.csv"),
	})
	require.NoError(t, err)
	require.Len(t, outputs, 2)
	mu.Lock()
	assert.Equal(t, []string{"/query/11/results", "/query/12/results"}, hits)
	mu.Unlock()

	raw, err := os.ReadFile(filepath.Join(dir, "gaming_12.csv"))
	require.NoError(t, err)
	assert.Equal(t, "day,n\n2024-01-01,12\n", string(raw))
	assert.Equal(t, 2, strings.Count(buf.String(), "rows ->"))
}

func TestQueryArguments(t *testing.T) {
	a, _, _ := newTestApp(t, "", "http://127.0.0.1:1")

	_, err := a.Query(context.Background(), QueryOptions{})
	require.Error(t, err)

	_, err = a.Query(context.Background(), QueryOptions{Ecosystem: "mars"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "polygon_gaming")

	_, err = a.Query(context.Background(), QueryOptions{QueryIDs: []int64{-1}})
	require.Error(t, err)

	a.Config.Dune.APIKey = ""
	_, err = a.Query(context.Background(), QueryOptions{QueryIDs: []int64{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key")
}

func TestResolveQueryIDsMergesCatalog(t *testing.T) {
	a, _, _ := newTestApp(t, "", "")
	ids, err := a.resolveQueryIDs(QueryOptions{QueryIDs: []int64{12, 99}, Ecosystem: "polygon-gaming"})
	require.NoError(t, err)
	assert.Equal(t, []int64{12, 99, 11}, ids)

	assert.Equal(t, "dune_core.csv", defaultQueryOutput("core", []int64{1}))
	assert.Equal(t, "dune_7.csv", defaultQueryOutput("", []int64{7}))
}
