package receiptsync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/matrix-org/receipt-sync/state"
)

// Opts configures the whole service. Zero values are replaced by defaults in Setup.
type Opts struct {
	DBDriver string `yaml:"db_driver"`
	DB       string `yaml:"db"`
	BindAddr string `yaml:"bind_addr"`

	// StageInitialSyncReceipts puts receipts from initial syncs aside until the room's next
	// incremental sync instead of loading them straight away.
	StageInitialSyncReceipts bool          `yaml:"stage_initial_sync_receipts"`
	WorkerPoolSize           int           `yaml:"worker_pool_size"`
	SummaryCacheTTL          time.Duration `yaml:"summary_cache_ttl"`
	PubSubBufferSize         int           `yaml:"pubsub_buffer_size"`

	Prometheus   bool   `yaml:"prometheus"`
	SentryDSN    string `yaml:"sentry_dsn"`
	OTLPURL      string `yaml:"otlp_url"`
	OTLPUsername string `yaml:"otlp_username"`
	OTLPPassword string `yaml:"otlp_password"`
}

func (o *Opts) applyDefaults() {
	if o.DBDriver == "" {
		o.DBDriver = state.DriverSQLite
	}
	if o.DB == "" && o.DBDriver == state.DriverSQLite {
		o.DB = "receiptsync.db"
	}
	if o.BindAddr == "" {
		o.BindAddr = "0.0.0.0:8009"
	}
	if o.WorkerPoolSize <= 0 {
		o.WorkerPoolSize = 16
	}
	if o.SummaryCacheTTL <= 0 {
		o.SummaryCacheTTL = time.Minute
	}
	if o.PubSubBufferSize <= 0 {
		o.PubSubBufferSize = 100
	}
}

func (o *Opts) validate() error {
	switch o.DBDriver {
	case state.DriverPostgres, state.DriverSQLite:
	default:
		return fmt.Errorf("unknown db_driver %q: want %s or %s", o.DBDriver, state.DriverPostgres, state.DriverSQLite)
	}
	if o.DB == "" {
		return fmt.Errorf("db must be set")
	}
	return nil
}

// LoadOpts reads options from a YAML file. An empty path returns empty options.
func LoadOpts(path string) (*Opts, error) {
	var opts Opts
	if path == "" {
		return &opts, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err = yaml.Unmarshal(data, &opts); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &opts, nil
}
