package service

import (
	"context"
	"errors"
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

	"datapull/internal/fetcher"
	"datapull/internal/storage"
)

// chartServer answers /stablecoincharts/avalanche with a scripted response per stablecoin id.
type chartServer struct {
	t       *testing.T
	mu      sync.Mutex
	hits    map[string]int
	scripts map[string][]func(w http.ResponseWriter)
}

func newChartServer(t *testing.T, scripts map[string][]func(w http.ResponseWriter)) (*chartServer, *httptest.Server) {
	cs := &chartServer{t: t, hits: make(map[string]int), scripts: scripts}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("stablecoin")
		cs.mu.Lock()
		n := cs.hits[id]
		cs.hits[id] = n + 1
		cs.mu.Unlock()

		script := cs.scripts[id]
		if len(script) == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if n >= len(script) {
			n = len(script) - 1
		}
		script[n](w)
	}))
	t.Cleanup(srv.Close)
	return cs, srv
}

func (cs *chartServer) total() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	sum := 0
	for _, n := range cs.hits {
		sum += n
	}
	return sum
}

func (cs *chartServer) count(id string) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.hits[id]
}

func respond(status int, body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

type sleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleeps) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

type memorySink struct {
	records []storage.HistoricalRecord
}

func (m *memorySink) UpsertHistorical(_ context.Context, records []storage.HistoricalRecord) (int, error) {
	m.records = append(m.records, records...)
	return len(records), nil
}

func writeEntities(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stablecoins.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newFetcher(srvURL string, sl *sleeps, clock time.Time, sink storage.HistoricalStore) *HistoricalFetcher {
	charts := fetcher.NewLlama(fetcher.LlamaOptions{BaseURL: srvURL, Chain: "avalanche", Timeout: time.Second}, zerolog.Nop())
	return NewHistoricalFetcher(charts, sink, HistoricalOptions{
		MaxRetries:    3,
		RateLimitWait: 10 * time.Second,
		JitterMin:     time.Second,
		JitterMax:     time.Second,
		Sleep:         sl.sleep,
		Clock:         func() time.Time { return clock },
	}, zerolog.Nop())
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
}

const (
	usdtSeries = `[{"date":"100","totalCirculatingUSD":{"peggedUSD":1.111},"totalBridgedToUSD":{"peggedUSD":0.5}},{"date":"300","totalCirculatingUSD":{"peggedUSD":3}}]`
	daiSeries  = `[{"date":300,"totalCirculatingUSD":{"peggedUSD":30}},{"date":200,"totalBridgedToUSD":{"peggedUSD":20}}]`
)

func TestRunMissingColumnsFailsBeforeNetwork(t *testing.T) {
	cs, srv := newChartServer(t, map[string][]func(http.ResponseWriter){
		"1": {respond(http.StatusOK, usdtSeries)},
	})
	sl := &sleeps{}
	out := filepath.Join(t.TempDir(), "out.csv")

	for _, input := range []string{"id,name\n1,Tether\n", "id,symbol\n1,USDT\n", "name,symbol\nTether,USDT\n"} {
		_, err := newFetcher(srv.URL, sl, time.Now(), nil).Run(context.Background(), FetchOptions{
			InputPath:  writeEntities(t, input),
			OutputPath: out,
		})
		require.ErrorIs(t, err, storage.ErrInputNotFound)
	}

	_, err := newFetcher(srv.URL, sl, time.Now(), nil).Run(context.Background(), FetchOptions{
		InputPath:  filepath.Join(t.TempDir(), "absent.csv"),
		OutputPath: out,
	})
	require.ErrorIs(t, err, storage.ErrInputNotFound)

	assert.Zero(t, cs.total(), "no request may be sent for an invalid input")
	assert.NoFileExists(t, out)
}

func TestRunSkipsPermanentlyFailingEntity(t *testing.T) {
	cs, srv := newChartServer(t, map[string][]func(http.ResponseWriter){
		"1": {respond(http.StatusOK, usdtSeries)},
		"2": {respond(http.StatusInternalServerError, "boom")},
	})
	sl := &sleeps{}
	out := filepath.Join(t.TempDir(), "out.csv")

	summary, err := newFetcher(srv.URL, sl, time.Unix(0, 0), nil).Run(context.Background(), FetchOptions{
		InputPath:   writeEntities(t, "id,name,symbol\n2,Broken,BRK\n1,Tether,USDT\n"),
		OutputPath:  out,
		EntityDelay: 2 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, cs.count("2"), "failing entity gets exactly three attempts")
	assert.Equal(t, 1, cs.count("1"))
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Collected)
	assert.Equal(t, 2, summary.Records)
	require.Len(t, summary.Results, 2)
	assert.ErrorIs(t, summary.Results[0].Err, ErrRetriesExhausted)

	lines := readLines(t, out)
	require.Len(t, lines, 3)
	for _, line := range lines[1:] {
		assert.True(t, strings.HasPrefix(line, "1,Tether,USDT,"), line)
	}

	// two jittered backoffs for the failing entity, then one inter-entity delay
	assert.Equal(t, []time.Duration{time.Second, time.Second, 2 * time.Second}, sl.delays)
}

func TestRunRecoversFromRateLimit(t *testing.T) {
	cs, srv := newChartServer(t, map[string][]func(http.ResponseWriter){
		"1": {respond(http.StatusTooManyRequests, "slow down"), respond(http.StatusOK, usdtSeries)},
	})
	sl := &sleeps{}
	out := filepath.Join(t.TempDir(), "out.csv")

	summary, err := newFetcher(srv.URL, sl, time.Unix(0, 0), nil).Run(context.Background(), FetchOptions{
		InputPath:  writeEntities(t, "id,name,symbol\n1,Tether,USDT\n"),
		OutputPath: out,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, cs.count("1"))
	assert.Equal(t, 1, summary.Collected)
	assert.Equal(t, 2, summary.Records)
	assert.Equal(t, []time.Duration{10 * time.Second}, sl.delays)
}

func TestRunSortsByDateThenSymbol(t *testing.T) {
	_, srv := newChartServer(t, map[string][]func(http.ResponseWriter){
		"1": {respond(http.StatusOK, usdtSeries)},
		"5": {respond(http.StatusOK, daiSeries)},
	})
	out := filepath.Join(t.TempDir(), "out.csv")
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	summary, err := newFetcher(srv.URL, &sleeps{}, clock, nil).Run(context.Background(), FetchOptions{
		InputPath:  writeEntities(t, "id,name,symbol\n1,Tether,USDT\n5,Dai,DAI\n"),
		OutputPath: out,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Symbols)
	assert.Equal(t, time.Unix(100, 0).UTC(), summary.FirstDate)
	assert.Equal(t, time.Unix(300, 0).UTC(), summary.LastDate)

	assert.Equal(t, []string{
		"stablecoin_id,stablecoin_name,stablecoin_symbol,date,circulating_usd,bridged_usd,created_at",
		"1,Tether,USDT,1970-01-01 00:01:40,1.11,0.50,2025-01-01 00:00:00",
		"5,Dai,DAI,1970-01-01 00:03:20,0.00,20.00,2025-01-01 00:00:00",
		"5,Dai,DAI,1970-01-01 00:05:00,30.00,0.00,2025-01-01 00:00:00",
		"1,Tether,USDT,1970-01-01 00:05:00,3.00,0.00,2025-01-01 00:00:00",
	}, readLines(t, out))

	ok, err := storage.ValidateStructure(out, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunIsIdempotentApartFromCreatedAt(t *testing.T) {
	_, srv := newChartServer(t, map[string][]func(http.ResponseWriter){
		"1": {respond(http.StatusOK, usdtSeries)},
		"5": {respond(http.StatusOK, daiSeries)},
	})
	input := writeEntities(t, "id,name,symbol\n1,Tether,USDT\n5,Dai,DAI\n")
	dir := t.TempDir()

	stripCreated := func(lines []string) []string {
		out := make([]string, len(lines))
		for i, line := range lines {
			out[i] = line[:strings.LastIndex(line, ",")]
		}
		return out
	}

	first := filepath.Join(dir, "first.csv")
	second := filepath.Join(dir, "second.csv")
	_, err := newFetcher(srv.URL, &sleeps{}, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), nil).Run(context.Background(), FetchOptions{InputPath: input, OutputPath: first})
	require.NoError(t, err)
	_, err = newFetcher(srv.URL, &sleeps{}, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), nil).Run(context.Background(), FetchOptions{InputPath: input, OutputPath: second})
	require.NoError(t, err)

	a, b := readLines(t, first), readLines(t, second)
	assert.NotEqual(t, a, b)
	assert.Equal(t, stripCreated(a), stripCreated(b))
}

func TestRunDistinguishesNoDataFromFailure(t *testing.T) {
	cs, srv := newChartServer(t, map[string][]func(http.ResponseWriter){
		"1": {respond(http.StatusOK, `[]`)},
		"2": {respond(http.StatusOK, `{"broken":true}`)},
	})
	out := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, os.WriteFile(out, []byte("previous run\n"), 0o644))

	summary, err := newFetcher(srv.URL, &sleeps{}, time.Now(), nil).Run(context.Background(), FetchOptions{
		InputPath:  writeEntities(t, "id,name,symbol\n1,Tether,USDT\n2,Broken,BRK\n"),
		OutputPath: out,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, cs.count("1"))
	assert.Equal(t, 3, cs.count("2"))
	assert.Equal(t, 1, summary.NoData)
	assert.Equal(t, 1, summary.Failed)
	assert.False(t, summary.Written)
	assert.ErrorIs(t, summary.Results[0].Err, ErrNoData)
	assert.ErrorIs(t, summary.Results[1].Err, fetcher.ErrMalformedPayload)

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "previous run\n", string(raw), "an empty run must not touch the output")
}

func TestRunSkipsBadPointsAndStores(t *testing.T) {
	_, srv := newChartServer(t, map[string][]func(http.ResponseWriter){
		"1": {respond(http.StatusOK, `[{"date":"oops"},{"date":100,"totalCirculatingUSD":{"peggedUSD":-1}},{"date":200,"totalCirculatingUSD":{"peggedUSD":2}}]`)},
	})
	sink := &memorySink{}
	out := filepath.Join(t.TempDir(), "out.csv")

	summary, err := newFetcher(srv.URL, &sleeps{}, time.Now(), sink).Run(context.Background(), FetchOptions{
		InputPath:  writeEntities(t, "id,name,symbol\n1,Tether,USDT\n"),
		OutputPath: out,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.SkippedPoints)
	assert.Equal(t, 1, summary.Records)
	assert.Equal(t, 1, summary.StoredRows)
	require.Len(t, sink.records, 1)
	assert.Equal(t, "2.00", sink.records[0].CirculatingUSD.StringFixed(2))
}

func TestRunSkipsNonObjectElements(t *testing.T) {
	cs, srv := newChartServer(t, map[string][]func(http.ResponseWriter){
		"1": {respond(http.StatusOK, `[1,{"date":200,"totalCirculatingUSD":{"peggedUSD":2}}]`)},
	})
	out := filepath.Join(t.TempDir(), "out.csv")

	summary, err := newFetcher(srv.URL, &sleeps{}, time.Now(), nil).Run(context.Background(), FetchOptions{
		InputPath:  writeEntities(t, "id,name,symbol\n1,Tether,USDT\n"),
		OutputPath: out,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, cs.count("1"), "a partly odd series must not be retried")
	assert.Equal(t, 1, summary.Collected)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 1, summary.Records)
	assert.Equal(t, 1, summary.SkippedPoints)
}

func TestRunSkipsOutOfRangeDates(t *testing.T) {
	_, srv := newChartServer(t, map[string][]func(http.ResponseWriter){
		"1": {respond(http.StatusOK, `[{"date":"253402300800","totalCirculatingUSD":{"peggedUSD":1}},{"date":1e20},{"date":200,"totalCirculatingUSD":{"peggedUSD":2}}]`)},
	})
	out := filepath.Join(t.TempDir(), "out.csv")

	summary, err := newFetcher(srv.URL, &sleeps{}, time.Now(), nil).Run(context.Background(), FetchOptions{
		InputPath:  writeEntities(t, "id,name,symbol\n1,Tether,USDT\n"),
		OutputPath: out,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.SkippedPoints)
	assert.Equal(t, 1, summary.Records)

	ok, err := storage.ValidateStructure(out, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, ok)

	records, err := storage.ReadHistoricalCSV(out)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(200), records[0].Date.Unix())
}

func TestRunHonoursCancellation(t *testing.T) {
	_, srv := newChartServer(t, map[string][]func(http.ResponseWriter){
		"1": {respond(http.StatusOK, usdtSeries)},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newFetcher(srv.URL, &sleeps{}, time.Now(), nil).Run(ctx, FetchOptions{
		InputPath:  writeEntities(t, "id,name,symbol\n1,Tether,USDT\n"),
		OutputPath: filepath.Join(t.TempDir(), "out.csv"),
	})
	require.True(t, errors.Is(err, context.Canceled))
}

func TestSortRecordsStable(t *testing.T) {
	d := time.Unix(10, 0)
	records := []storage.HistoricalRecord{
		{StablecoinID: "b", StablecoinSymbol: "X", Date: d},
		{StablecoinID: "a", StablecoinSymbol: "X", Date: d},
		{StablecoinID: "c", StablecoinSymbol: "A", Date: d.Add(time.Second)},
		{StablecoinID: "d", StablecoinSymbol: "Z", Date: d.Add(-time.Second)},
	}
	SortRecords(records)

	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.StablecoinID
	}
	assert.Equal(t, []string{"d", "b", "a", "c"}, ids)
}
