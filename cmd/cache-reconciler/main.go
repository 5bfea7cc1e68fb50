package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	reconciler "github.com/always-cache/cache-reconciler"
	"github.com/always-cache/cache-reconciler/cache"
	"github.com/always-cache/cache-reconciler/oracle"
	trainingdata "github.com/always-cache/cache-reconciler/pkg/training-data"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var (
	// CLI flags
	configFlag         string
	providerFlag       string
	patternFlag        string
	intervalFlag       time.Duration
	oracleFlag         string
	adminFlag          string
	exportFlag         string
	verbosityTraceFlag bool
	logFilenameFlag    string
	traceFlag          bool

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", os.Getenv("CACHE_RECONCILER_CONFIG"), "YAML config file")
	flag.StringVar(&providerFlag, "provider", "", "Cache provider: redis, sqlite, leveldb or memory (overrides config)")
	flag.StringVar(&patternFlag, "pattern", "", "Key pattern of entries to reconcile (overrides config)")
	flag.DurationVar(&intervalFlag, "interval", 0, "Pause between sweeps (overrides config)")
	flag.StringVar(&oracleFlag, "oracle", "", "Classifier service URL (overrides config)")
	flag.StringVar(&adminFlag, "admin", "", "Address for the admin API, e.g. :9090 (overrides config)")
	flag.StringVar(&exportFlag, "export", "", "Export training data as JSONL to this file at start-up")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")
	flag.BoolVar(&traceFlag, "trace", false, "Print OpenTelemetry spans to stderr")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	cfg, err := getConfig(configFlag)
	if err != nil {
		log.Fatal().Err(err).Str("config", configFlag).Msg("Could not load config")
	}
	applyFlags(&cfg)
	if err := cfg.validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if traceFlag {
		shutdown, err := setupTracing()
		if err != nil {
			log.Fatal().Err(err).Msg("Could not set up tracing")
		}
		defer shutdown()
	}

	provider, err := openProvider(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("provider", cfg.Provider).Msg("Could not open cache")
	}
	defer provider.Close()

	oracleClient := oracle.NewHTTPClient(cfg.Oracle.Endpoint)
	oracleClient.MaxNewTokens = cfg.Oracle.MaxNewTokens

	metrics := reconciler.NewMetrics()
	rec, err := reconciler.New(reconciler.Config{
		Cache:         provider,
		Oracle:        oracleClient,
		Pattern:       cfg.Pattern,
		Interval:      cfg.Interval,
		Workers:       cfg.Workers,
		OracleTimeout: cfg.Oracle.Timeout,
		Policy:        &cfg.Policy,
		Rules:         cfg.Rules,
		Logger:        &log.Logger,
		Metrics:       metrics,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create reconciler")
	}

	if exportFlag != "" {
		go exportTrainingData(ctx, provider, cfg.Pattern, exportFlag)
	}

	if cfg.Admin.Addr != "" {
		server := &http.Server{Addr: cfg.Admin.Addr, Handler: rec.Handler(ctx)}
		go func() {
			log.Info().Msgf("Admin API listening on %s", cfg.Admin.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Admin API stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
	}

	log.Info().Msgf("Reconciling %s entries matching %s every %s", cfg.Provider, cfg.Pattern, cfg.Interval)
	rec.Run(ctx)
}

func applyFlags(cfg *Config) {
	if providerFlag != "" {
		cfg.Provider = providerFlag
	}
	if patternFlag != "" {
		cfg.Pattern = patternFlag
	}
	if intervalFlag > 0 {
		cfg.Interval = intervalFlag
	}
	if oracleFlag != "" {
		cfg.Oracle.Endpoint = oracleFlag
	}
	if adminFlag != "" {
		cfg.Admin.Addr = adminFlag
	}
}

func openProvider(cfg Config) (cache.CacheProvider, error) {
	switch cfg.Provider {
	case "sqlite":
		return cache.NewSQLiteCache(cfg.SQLite.File)
	case "leveldb":
		return cache.NewLevelDBCache(cfg.LevelDB.Path)
	case "memory":
		return cache.NewMemCache(), nil
	default:
		return cache.NewRedisCache(cfg.Redis)
	}
}

func setupTracing() (func(), error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Could not flush traces")
		}
	}, nil
}

func exportTrainingData(ctx context.Context, provider cache.CacheProvider, pattern, filename string) {
	f, err := os.Create(filename)
	if err != nil {
		log.Error().Err(err).Str("file", filename).Msg("Could not create training data file")
		return
	}
	defer f.Close()
	n, err := trainingdata.Export(ctx, provider, pattern, f)
	if err != nil {
		log.Error().Err(err).Str("file", filename).Msg("Training data export failed")
		return
	}
	log.Info().Int("examples", n).Str("file", filename).Msg("Exported training data")
}
