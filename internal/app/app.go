package app

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"datapull/internal/alerting"
	"datapull/internal/config"
	"datapull/internal/fetcher"
	"datapull/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives human-readable command output.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) newChartFetcher() *fetcher.Llama {
	return fetcher.NewLlama(fetcher.LlamaOptions{
		BaseURL:   a.Config.Llama.BaseURL,
		Chain:     a.Config.Llama.Chain,
		Timeout:   a.Config.Llama.RequestTimeout,
		UserAgent: a.Config.Llama.UserAgent,
	}, a.Logger)
}

func (a *App) newExecutor() *fetcher.Dune {
	return fetcher.NewDune(fetcher.DuneOptions{
		BaseURL:      a.Config.Dune.BaseURL,
		APIKey:       a.Config.Dune.APIKey,
		Performance:  a.Config.Dune.Performance,
		Timeout:      a.Config.Dune.RequestTimeout,
		PollInterval: a.Config.Dune.PollInterval,
		MaxPolls:     a.Config.Dune.MaxPolls,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, timeout, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, nil
	}

	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) out() io.Writer {
	if a.Out == nil {
		return os.Stdout
	}
	return a.Out
}

// FetchOptions override the configured paths of a historical fetch.
type FetchOptions struct {
	InputPath  string
	OutputPath string
	SkipDB     bool
}

// QueryOptions select the Dune queries to run.
type QueryOptions struct {
	QueryIDs   []int64
	Ecosystem  string
	Latest     bool
	OutputPath string
}

// LoadOptions configure the load command.
type LoadOptions struct {
	Path string
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Path   string
	Symbol string
}

// ChartOptions configure the chart command.
type ChartOptions struct {
	InputPath string
	PNGPath   string
	Symbols   []string
	Bridged   bool
	MaxPoints int
}
