package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/ahmethakanbesel/series-ingest/internal/dataset"
)

const dateFormat = "2006-01-02"

type Config struct {
	Start          time.Time
	End            time.Time
	Only           []string
	Overwrite      bool
	IncludeOffline bool
	MaxWindow      map[string]time.Duration

	CatalogPath     string
	TablePrefix     string
	WarehouseDriver string
	WarehouseDSN    string
	LedgerPath      string

	SourceURL     string
	Workers       int
	BatchFrames   int
	FlushInterval time.Duration
	FetchTimeout  time.Duration
	MaxAttempts   int
	Backoff       time.Duration
	Rate          float64
	ArchiveDir    string

	StatusAddr     string
	PushgatewayURL string
	LogLevel       slog.Level
}

// Load reads the environment and then lets command-line flags override it.
func Load(args []string) (Config, error) {
	return load(args, time.Now())
}

func load(args []string, now time.Time) (Config, error) {
	fs := pflag.NewFlagSet("series-ingest", pflag.ContinueOnError)

	start := fs.String("start", getEnv("START_DATE", ""), "range start, RFC3339 or YYYY-MM-DD (default: end minus 2 days)")
	end := fs.String("end", getEnv("END_DATE", ""), "range end, exclusive, RFC3339 or YYYY-MM-DD (default: today 00:00Z)")
	only := fs.StringSlice("only", splitList(getEnv("ONLY", "")), "comma-separated dataset ids to ingest")
	overwrite := fs.Bool("overwrite", getEnvBool("OVERWRITE", false), "delete the target range before ingesting instead of resuming")
	includeOffline := fs.Bool("include-offline", getEnvBool("INCLUDE_OFFLINE", false), "also ingest datasets flagged offline")
	maxWindow := fs.StringArray("max-window", nil, "per-dataset window override DS=SPAN, repeatable")

	catalog := fs.String("catalog", getEnv("CATALOG_PATH", ""), "dataset catalog YAML (default: embedded catalog)")
	prefix := fs.String("table-prefix", getEnv("TABLE_PREFIX", "bmrs"), "destination table prefix")
	driver := fs.String("warehouse-driver", getEnv("WAREHOUSE_DRIVER", "sqlite"), "destination driver: sqlite, duckdb or postgres")
	dsn := fs.String("warehouse-dsn", getEnv("WAREHOUSE_DSN", ""), "destination DSN or file path")
	ledger := fs.String("ledger", getEnv("LEDGER_PATH", "ingest_runs.db"), "run ledger SQLite path")

	sourceURL := fs.String("source-url", getEnv("SOURCE_URL", ""), "dataset API base URL")
	workers := fs.Int("workers", getEnvInt("WORKERS", 2), "datasets processed concurrently")
	batchFrames := fs.Int("batch-frames", getEnvInt("BATCH_FRAMES", 10), "non-empty windows per batch")
	flushInterval := fs.Duration("flush-interval", getEnvDuration("FLUSH_INTERVAL", 5*time.Minute), "flush a batch open longer than this")
	fetchTimeout := fs.Duration("fetch-timeout", getEnvDuration("FETCH_TIMEOUT", 100*time.Second), "hard timeout per fetch attempt")
	maxAttempts := fs.Int("max-attempts", getEnvInt("MAX_ATTEMPTS", 5), "fetch attempts per window")
	backoff := fs.Duration("backoff", getEnvDuration("BACKOFF", 5*time.Second), "initial retry backoff")
	rps := fs.Float64("rate", getEnvFloat("RATE_LIMIT", 2), "requests per second per dataset, 0 for unlimited")
	archiveDir := fs.String("archive-dir", getEnv("ARCHIVE_DIR", ""), "directory for raw response archives")

	statusAddr := fs.String("status-addr", getEnv("STATUS_ADDR", ""), "serve the status API on this address")
	pushURL := fs.String("pushgateway-url", getEnv("PUSHGATEWAY_URL", ""), "push run metrics to this Pushgateway")
	logLevel := fs.String("log-level", getEnv("LOG_LEVEL", "info"), "debug, info, warn or error")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Overwrite:       *overwrite,
		IncludeOffline:  *includeOffline,
		CatalogPath:     *catalog,
		TablePrefix:     *prefix,
		WarehouseDriver: strings.ToLower(strings.TrimSpace(*driver)),
		WarehouseDSN:    *dsn,
		LedgerPath:      *ledger,
		SourceURL:       *sourceURL,
		Workers:         *workers,
		BatchFrames:     *batchFrames,
		FlushInterval:   *flushInterval,
		FetchTimeout:    *fetchTimeout,
		MaxAttempts:     *maxAttempts,
		Backoff:         *backoff,
		Rate:            *rps,
		ArchiveDir:      *archiveDir,
		StatusAddr:      *statusAddr,
		PushgatewayURL:  *pushURL,
	}

	for _, id := range *only {
		if id = strings.ToUpper(strings.TrimSpace(id)); id != "" {
			cfg.Only = append(cfg.Only, id)
		}
	}

	var err error
	cfg.MaxWindow, err = parseOverrides(append(splitList(getEnv("MAX_WINDOW", "")), *maxWindow...))
	if err != nil {
		return Config{}, err
	}

	cfg.End = now.UTC().Truncate(24 * time.Hour)
	if *end != "" {
		if cfg.End, err = parseTime(*end); err != nil {
			return Config{}, fmt.Errorf("--end: %w", err)
		}
	}
	cfg.Start = cfg.End.Add(-48 * time.Hour)
	if *start != "" {
		if cfg.Start, err = parseTime(*start); err != nil {
			return Config{}, fmt.Errorf("--start: %w", err)
		}
	}

	switch cfg.WarehouseDriver {
	case "sqlite":
		if cfg.WarehouseDSN == "" {
			cfg.WarehouseDSN = "bmrs.db"
		}
	case "duckdb":
		if cfg.WarehouseDSN == "" {
			cfg.WarehouseDSN = "bmrs.duckdb"
		}
	case "postgres":
		if cfg.WarehouseDSN == "" {
			return Config{}, fmt.Errorf("--warehouse-dsn is required for postgres")
		}
	default:
		return Config{}, fmt.Errorf("unknown warehouse driver %q", cfg.WarehouseDriver)
	}

	if cfg.Workers <= 0 {
		return Config{}, fmt.Errorf("--workers must be positive")
	}
	if cfg.BatchFrames <= 0 {
		return Config{}, fmt.Errorf("--batch-frames must be positive")
	}
	if cfg.MaxAttempts <= 0 {
		return Config{}, fmt.Errorf("--max-attempts must be positive")
	}
	if cfg.FetchTimeout <= 0 {
		return Config{}, fmt.Errorf("--fetch-timeout must be positive")
	}
	if cfg.Rate < 0 {
		return Config{}, fmt.Errorf("--rate must not be negative")
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(*logLevel)); err != nil {
		return Config{}, fmt.Errorf("--log-level: %w", err)
	}
	return cfg, nil
}

// parseTime accepts RFC3339 or a bare date taken as midnight UTC.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(dateFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q, expected RFC3339 or YYYY-MM-DD", s)
	}
	return t.UTC(), nil
}

func parseOverrides(pairs []string) (map[string]time.Duration, error) {
	out := make(map[string]time.Duration)
	for _, p := range pairs {
		id, span, ok := strings.Cut(p, "=")
		id = strings.ToUpper(strings.TrimSpace(id))
		if !ok || id == "" {
			return nil, fmt.Errorf("--max-window %q: expected DATASET=SPAN", p)
		}
		d, err := dataset.ParseSpan(span)
		if err != nil {
			return nil, fmt.Errorf("--max-window %s: %w", id, err)
		}
		out[id] = d
	}
	return out, nil
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return strings.Split(v, ",")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return fallback
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return b
}

func getEnvFloat(key string, fallback float64) float64 {
	f, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return d
}
