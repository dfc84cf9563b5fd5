package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"datapull/internal/scheduler"
)

const (
	defaultDuneBase = "https://api.dune.com/api/v1"
	duneKeyHeader   = "X-DUNE-API-KEY"
	maxResultPages  = 1000
)

// State is a Dune execution state.
type State string

const (
	StatePending          State = "QUERY_STATE_PENDING"
	StateExecuting        State = "QUERY_STATE_EXECUTING"
	StateCompleted        State = "QUERY_STATE_COMPLETED"
	StateCompletedPartial State = "QUERY_STATE_COMPLETED_PARTIAL"
	StateFailed           State = "QUERY_STATE_FAILED"
	StateCancelled        State = "QUERY_STATE_CANCELLED"
	StateExpired          State = "QUERY_STATE_EXPIRED"
)

// Completed reports whether results can be fetched.
func (s State) Completed() bool {
	return s == StateCompleted || s == StateCompletedPartial
}

// Failed reports a terminal state without results.
func (s State) Failed() bool {
	return s == StateFailed || s == StateCancelled || s == StateExpired
}

// ExecutionStatus is the polled state of one execution.
type ExecutionStatus struct {
	ExecutionID string
	QueryID     int64
	State       State
	Error       string
}

// ResultSet holds the rows of a finished execution.
type ResultSet struct {
	ExecutionID string
	QueryID     int64
	State       State
	Columns     []string
	Rows        []map[string]any
}

// DuneOptions parameterise the Dune query executor.
type DuneOptions struct {
	BaseURL      string
	APIKey       string
	Performance  string
	Timeout      time.Duration
	PollInterval time.Duration
	MaxPolls     int
}

// Dune executes saved queries through the Dune Analytics API.
type Dune struct {
	opts    DuneOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewDune constructs a query executor.
func NewDune(opts DuneOptions, logger zerolog.Logger) *Dune {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = 120
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultDuneBase
	}

	return &Dune{
		opts:    opts,
		logger:  logger.With().Str("component", "dune_executor").Logger(),
		client:  &http.Client{Timeout: opts.Timeout},
		baseURL: baseURL,
	}
}

type executeResponse struct {
	ExecutionID string `json:"execution_id"`
	State       State  `json:"state"`
}

type statusResponse struct {
	ExecutionID string          `json:"execution_id"`
	QueryID     int64           `json:"query_id"`
	State       State           `json:"state"`
	Error       json.RawMessage `json:"error"`
}

type resultsResponse struct {
	ExecutionID string `json:"execution_id"`
	QueryID     int64  `json:"query_id"`
	State       State  `json:"state"`
	Result      struct {
		Rows     []map[string]any `json:"rows"`
		Metadata struct {
			ColumnNames []string `json:"column_names"`
		} `json:"metadata"`
	} `json:"result"`
	NextURI string `json:"next_uri"`
}

// Submit starts an execution of queryID and returns its execution id.
func (d *Dune) Submit(ctx context.Context, queryID int64) (string, error) {
	var body io.Reader
	if d.opts.Performance != "" {
		raw, err := json.Marshal(map[string]string{"performance": d.opts.Performance})
		if err != nil {
			return "", err
		}
		body = bytes.NewReader(raw)
	}

	var res executeResponse
	if err := d.do(ctx, http.MethodPost, fmt.Sprintf("%s/query/%d/execute", d.baseURL, queryID), body, &res); err != nil {
		return "", fmt.Errorf("execute query %d: %w", queryID, err)
	}
	if res.ExecutionID == "" {
		return "", fmt.Errorf("execute query %d: %w: missing execution_id", queryID, ErrMalformedPayload)
	}

	d.logger.Info().Int64("query_id", queryID).Str("execution_id", res.ExecutionID).Str("state", string(res.State)).Msg("query submitted")
	return res.ExecutionID, nil
}

// Status fetches the current state of an execution.
func (d *Dune) Status(ctx context.Context, executionID string) (ExecutionStatus, error) {
	var res statusResponse
	if err := d.do(ctx, http.MethodGet, fmt.Sprintf("%s/execution/%s/status", d.baseURL, executionID), nil, &res); err != nil {
		return ExecutionStatus{}, fmt.Errorf("execution status %s: %w", executionID, err)
	}
	if res.State == "" {
		return ExecutionStatus{}, fmt.Errorf("execution status %s: %w: missing state", executionID, ErrMalformedPayload)
	}

	return ExecutionStatus{
		ExecutionID: executionID,
		QueryID:     res.QueryID,
		State:       res.State,
		Error:       errorMessage(res.Error),
	}, nil
}

// Results fetches every row of a completed execution.
func (d *Dune) Results(ctx context.Context, executionID string) (ResultSet, error) {
	set, err := d.collect(ctx, fmt.Sprintf("%s/execution/%s/results", d.baseURL, executionID))
	if err != nil {
		return ResultSet{}, fmt.Errorf("execution results %s: %w", executionID, err)
	}
	return set, nil
}

// LatestResult fetches the most recent cached result of queryID without executing it.
func (d *Dune) LatestResult(ctx context.Context, queryID int64) (ResultSet, error) {
	set, err := d.collect(ctx, fmt.Sprintf("%s/query/%d/results", d.baseURL, queryID))
	if err != nil {
		return ResultSet{}, fmt.Errorf("latest result %d: %w", queryID, err)
	}
	if set.QueryID == 0 {
		set.QueryID = queryID
	}
	return set, nil
}

// Execute submits queryID, polls until it finishes and returns its rows.
// Polling is bounded by MaxPolls; running out yields ErrTimeout.
func (d *Dune) Execute(ctx context.Context, queryID int64) (ResultSet, error) {
	executionID, err := d.Submit(ctx, queryID)
	if err != nil {
		return ResultSet{}, err
	}

	poller := scheduler.New(scheduler.Options{Interval: d.opts.PollInterval, MaxAttempts: d.opts.MaxPolls}, d.logger)

	var final ExecutionStatus
	err = poller.Run(ctx, func(ctx context.Context, attempt int) (bool, error) {
		status, err := d.Status(ctx, executionID)
		if err != nil {
			return false, err
		}
		final = status

		switch {
		case status.State.Completed():
			return true, nil
		case status.State.Failed():
			return false, &ExecutionFailedError{ExecutionID: executionID, State: status.State, Message: status.Error}
		default:
			d.logger.Debug().Str("execution_id", executionID).Str("state", string(status.State)).Int("poll", attempt).Msg("execution in progress")
			return false, nil
		}
	})
	if errors.Is(err, scheduler.ErrMaxAttempts) {
		return ResultSet{}, fmt.Errorf("%w: execution %s still %s after %s", ErrTimeout, executionID, final.State, poller.Deadline())
	}
	if err != nil {
		return ResultSet{}, err
	}

	if final.State == StateCompletedPartial {
		d.logger.Warn().Str("execution_id", executionID).Msg("execution completed with partial results")
	}

	set, err := d.Results(ctx, executionID)
	if err != nil {
		return ResultSet{}, err
	}
	if set.QueryID == 0 {
		set.QueryID = queryID
	}
	return set, nil
}

func (d *Dune) collect(ctx context.Context, endpoint string) (ResultSet, error) {
	var set ResultSet
	seen := make(map[string]struct{})
	for pages := 0; endpoint != ""; pages++ {
		if pages == maxResultPages {
			return ResultSet{}, fmt.Errorf("%w: more than %d result pages", ErrMalformedPayload, maxResultPages)
		}
		seen[endpoint] = struct{}{}

		var res resultsResponse
		if err := d.do(ctx, http.MethodGet, endpoint, nil, &res); err != nil {
			return ResultSet{}, err
		}

		if set.ExecutionID == "" {
			set.ExecutionID = res.ExecutionID
			set.QueryID = res.QueryID
			set.State = res.State
			set.Columns = res.Result.Metadata.ColumnNames
		}
		set.Rows = append(set.Rows, res.Result.Rows...)

		next, err := d.nextPage(endpoint, res.NextURI)
		if err != nil {
			return ResultSet{}, err
		}
		if _, ok := seen[next]; ok {
			return ResultSet{}, fmt.Errorf("%w: next_uri %s repeats", ErrMalformedPayload, next)
		}
		endpoint = next
	}

	d.logger.Info().Str("execution_id", set.ExecutionID).Int("rows", len(set.Rows)).Msg("results fetched")
	return set, nil
}

// nextPage resolves next_uri against the current page. The API key is only
// ever sent to the configured base URL's scheme and host.
func (d *Dune) nextPage(current, nextURI string) (string, error) {
	if strings.TrimSpace(nextURI) == "" {
		return "", nil
	}

	base, err := url.Parse(d.baseURL)
	if err != nil {
		return "", err
	}
	cur, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(strings.TrimSpace(nextURI))
	if err != nil {
		return "", fmt.Errorf("%w: next_uri %q: %v", ErrMalformedPayload, nextURI, err)
	}

	next := cur.ResolveReference(ref)
	if !strings.EqualFold(next.Scheme, base.Scheme) || !strings.EqualFold(next.Host, base.Host) {
		return "", fmt.Errorf("%w: next_uri %s leaves %s", ErrMalformedPayload, next.Redacted(), base.Host)
	}
	return next.String(), nil
}

func (d *Dune) do(ctx context.Context, method, endpoint string, body io.Reader, out any) error {
	if d.opts.APIKey == "" {
		return errors.New("dune api key not configured")
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set(duneKeyHeader, d.opts.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return &RemoteError{Service: "dune", Status: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

var _ QueryExecutor = (*Dune)(nil)
