package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/mimir-aip/predict-client/pkg/client"
	"github.com/mimir-aip/predict-client/pkg/config"
	"github.com/mimir-aip/predict-client/pkg/history"
	"github.com/mimir-aip/predict-client/pkg/observability"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const usageText = `Usage: predict-client [-config file] [-src url] <command> [flags] [args...]

Commands:
  version     print the client version
  endpoints   list the endpoints of the app
  predict     call an endpoint and print its result
  submit      call an endpoint and stream its status and outputs
  serve       run the HTTP gateway and configured schedules
  schedule    run configured schedules until interrupted
  history     list journaled jobs and scheduled runs
`

func main() {
	// A missing .env file is fine.
	_ = godotenv.Load()

	if err := run(os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("predict-client", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	src := fs.String("src", "", "root URL of the prediction app, overrides PREDICT_SRC")
	fs.Usage = func() { fmt.Fprint(fs.Output(), usageText) }
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return flag.ErrHelp
	}
	command, rest := fs.Arg(0), fs.Args()[1:]

	if command == "version" {
		fmt.Printf("predict-client %s\n", version)
		return nil
	}

	if *src != "" {
		os.Setenv("PREDICT_SRC", *src)
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observability.SetupLogger(cfg.Logging, cfg.Environment == "development")
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: cfg, logger: logger}
	defer a.close()

	switch command {
	case "endpoints":
		return a.endpoints(ctx, rest)
	case "predict":
		return a.predict(ctx, rest)
	case "submit":
		return a.submit(ctx, rest)
	case "serve":
		return a.serve(ctx, rest)
	case "schedule":
		return a.schedule(ctx, rest)
	case "history":
		return a.history(ctx, rest)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// app holds what the commands share and closes it on exit
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *history.SQLiteStore
	client *client.Client
}

// openHistory opens the journal, or returns nil when history_path is empty
func (a *app) openHistory() (*history.SQLiteStore, error) {
	if a.cfg.HistoryPath == "" {
		return nil, nil
	}
	if a.store != nil {
		return a.store, nil
	}
	store, err := history.NewSQLiteStore(a.cfg.HistoryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	a.logger.Debug("Opened history", zap.String("path", a.cfg.HistoryPath))
	a.store = store
	return store, nil
}

// connect opens a session with the configured app, journaling finished jobs
func (a *app) connect(ctx context.Context) (*client.Client, error) {
	store, err := a.openHistory()
	if err != nil {
		return nil, err
	}

	opts := []client.Option{
		client.WithLogger(a.logger),
		client.WithToken(a.cfg.Token),
		client.WithMaxConcurrentJobs(a.cfg.MaxConcurrentJobs),
	}
	if store != nil {
		opts = append(opts, client.WithRecorder(store))
	}

	c, err := client.NewClient(ctx, a.cfg.Src, opts...)
	if err != nil {
		return nil, err
	}
	a.client = c
	return c, nil
}

func (a *app) close() {
	if a.client != nil {
		a.client.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close history", zap.Error(err))
		}
	}
}
