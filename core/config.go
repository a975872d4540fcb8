// Package core provides shared configuration, error, and retry plumbing
// used by every other package in the runner.
package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ProviderName identifies a generation backend.
type ProviderName string

const (
	// ProviderBatch is the asynchronous batch backend. It is the default
	// because submissions are queued and retried server-side.
	ProviderBatch ProviderName = "batch"

	// ProviderVertex is the synchronous per-request backend.
	ProviderVertex ProviderName = "vertex"
)

// Config holds all configuration values consumed by the orchestration core.
// It is constructed once per process invocation via LoadConfig; nothing in
// this package mutates it afterwards.
type Config struct {
	// Provider selection
	Provider   ProviderName // NN_PROVIDER: "batch" (default) or "vertex"
	NoFallback bool         // NN_NO_FALLBACK: fail loudly instead of substituting batch

	// Credentials
	OpenAIAPIKey   string // NN_OPENAI_API_KEY: batch backend
	GeminiAPIKey   string // NN_GEMINI_API_KEY: sync backend
	GoogleProject  string // NN_GOOGLE_PROJECT
	GoogleLocation string // NN_GOOGLE_LOCATION (default: us-central1)

	// Model selection
	BatchModel string // NN_BATCH_MODEL (default: gpt-image-1)
	SyncModel  string // NN_SYNC_MODEL (default: gemini-2.5-flash-image)

	// Preflight budgets
	JobMaxBytes     int64 // NN_JOB_MAX_BYTES
	ItemMaxBytes    int64 // NN_ITEM_MAX_BYTES
	MaxRefsPerItem  int   // NN_MAX_REFS_PER_ITEM
	MaxImagesPerJob int   // NN_MAX_IMAGES_PER_JOB
	Compress        bool  // NN_COMPRESS: recompress reference images
	Split           bool  // NN_SPLIT: allow chunking oversized jobs

	// Generation loop
	Variants        int           // NN_VARIANTS: images per prompt (1..3)
	MaxConcurrent   int           // NN_MAX_CONCURRENT: sync-path pool ceiling
	MaxRetries      int           // NN_MAX_RETRIES
	RetryBaseDelay  time.Duration // NN_RETRY_BASE_DELAY_MS
	GenerateTimeout time.Duration // NN_GENERATE_TIMEOUT_SECONDS: per generation call
	ProbeTimeout    time.Duration // NN_PROBE_TIMEOUT_SECONDS: per health probe

	// Style guard
	StyleGuardMaxDistance int // NN_STYLEGUARD_MAX_DISTANCE: Hamming threshold

	// Cost estimation
	PricePerImage float64 // NN_PRICE_PER_IMAGE (USD)

	// Paths
	StateDir string // NN_STATE_DIR: manifests, ledger, probe cache, job index
	OutDir   string // NN_OUT_DIR: generated images
}

// Defaults for budgets sized against the batch API's inline payload limits.
const (
	defaultJobMaxBytes  = 100 << 20 // 100 MiB
	defaultItemMaxBytes = 20 << 20  // 20 MiB
)

// LoadConfig reads configuration from the environment.
//
// Every value has a working default except credentials, which are validated
// lazily by the provider that needs them (the batch path must stay usable
// without sync credentials and vice versa).
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Provider:   ProviderName(strings.ToLower(envString("NN_PROVIDER", string(ProviderBatch)))),
		NoFallback: envBool("NN_NO_FALLBACK", false),

		OpenAIAPIKey:   os.Getenv("NN_OPENAI_API_KEY"),
		GeminiAPIKey:   os.Getenv("NN_GEMINI_API_KEY"),
		GoogleProject:  os.Getenv("NN_GOOGLE_PROJECT"),
		GoogleLocation: envString("NN_GOOGLE_LOCATION", "us-central1"),

		BatchModel: envString("NN_BATCH_MODEL", "gpt-image-1"),
		SyncModel:  envString("NN_SYNC_MODEL", "gemini-2.5-flash-image"),

		JobMaxBytes:     envInt64("NN_JOB_MAX_BYTES", defaultJobMaxBytes),
		ItemMaxBytes:    envInt64("NN_ITEM_MAX_BYTES", defaultItemMaxBytes),
		MaxRefsPerItem:  envInt("NN_MAX_REFS_PER_ITEM", 8),
		MaxImagesPerJob: envInt("NN_MAX_IMAGES_PER_JOB", 200),
		Compress:        envBool("NN_COMPRESS", true),
		Split:           envBool("NN_SPLIT", false),

		Variants:        envInt("NN_VARIANTS", 1),
		MaxConcurrent:   envInt("NN_MAX_CONCURRENT", 0), // 0 = computed per job
		MaxRetries:      envInt("NN_MAX_RETRIES", 3),
		RetryBaseDelay:  time.Duration(envInt("NN_RETRY_BASE_DELAY_MS", 1000)) * time.Millisecond,
		GenerateTimeout: time.Duration(envInt("NN_GENERATE_TIMEOUT_SECONDS", 60)) * time.Second,
		ProbeTimeout:    time.Duration(envInt("NN_PROBE_TIMEOUT_SECONDS", 5)) * time.Second,

		StyleGuardMaxDistance: envInt("NN_STYLEGUARD_MAX_DISTANCE", 10),

		PricePerImage: envFloat("NN_PRICE_PER_IMAGE", 0.039),

		StateDir: envString("NN_STATE_DIR", ".nn-state"),
		OutDir:   envString("NN_OUT_DIR", "out"),
	}

	// batch unless explicitly vertex; anything else resolves to batch.
	if cfg.Provider != ProviderVertex {
		cfg.Provider = ProviderBatch
	}
	if cfg.Variants < 1 || cfg.Variants > 3 {
		return nil, fmt.Errorf("core: NN_VARIANTS must be 1..3, got %d", cfg.Variants)
	}
	if cfg.JobMaxBytes <= 0 || cfg.ItemMaxBytes <= 0 {
		return nil, fmt.Errorf("core: byte budgets must be positive")
	}
	return cfg, nil
}

// ManifestDir returns the directory holding per-job manifest files.
func (c *Config) ManifestDir() string {
	return filepath.Join(c.StateDir, "jobs")
}

// LedgerPath returns the path of the append-only operations ledger.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.StateDir, "ledger.jsonl")
}

// ProbeCachePath returns the path of the publisher health snapshot.
func (c *Config) ProbeCachePath() string {
	return filepath.Join(c.StateDir, "probe_cache.json")
}

// IndexPath returns the path of the sqlite job index.
func (c *Config) IndexPath() string {
	return filepath.Join(c.StateDir, "jobs.db")
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// envBool accepts true/1/yes/on and false/0/no/off, case-insensitive.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return def
	}
}
