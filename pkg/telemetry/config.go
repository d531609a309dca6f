package telemetry

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Config is the telemetry section of the executor configuration.
type Config struct {
	ServiceName    string `yaml:"service_name" json:"service_name"`
	ServiceVersion string `yaml:"service_version" json:"service_version"`
	Environment    string `yaml:"environment" json:"environment"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Events  EventsConfig  `yaml:"events" json:"events"`

	// ResourceAttributes are added to the trace resource, e.g. a CI job
	// or worker pool name.
	ResourceAttributes map[string]string `yaml:"resource_attributes,omitempty" json:"resource_attributes,omitempty"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // trace ... fatal, or disabled
	Format string `yaml:"format" json:"format"` // console or json
	// Output is a comma separated list of stdout, stderr and file.
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`

	// Rotation of the file sink.
	MaxSizeMB  int  `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days" json:"max_age_days"`
	Compress   bool `yaml:"compress" json:"compress"`

	EnableCaller bool `yaml:"enable_caller" json:"enable_caller"`

	// With sampling on, SamplingInitial lines per second pass and then one
	// in SamplingThereafter.
	EnableSampling     bool `yaml:"enable_sampling" json:"enable_sampling"`
	SamplingInitial    int  `yaml:"sampling_initial" json:"sampling_initial"`
	SamplingThereafter int  `yaml:"sampling_thereafter" json:"sampling_thereafter"`

	TimeFormat string `yaml:"time_format" json:"time_format"` // rfc3339, unix, unixms, unixmicro
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Exporter string `yaml:"exporter" json:"exporter"` // otlp, stdout or none
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	Insecure bool   `yaml:"insecure" json:"insecure"`

	SamplingRate       float64           `yaml:"sampling_rate" json:"sampling_rate"`
	MaxExportBatchSize int               `yaml:"max_export_batch_size" json:"max_export_batch_size"`
	ExportTimeout      time.Duration     `yaml:"export_timeout" json:"export_timeout"`
	Headers            map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// MetricsConfig configures the Prometheus registry. ListenAddress and Path
// are used by the standalone endpoint of hermit run; hermit serve mounts
// the handler on its own listener.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	ListenAddress string `yaml:"listen_address" json:"listen_address"`
	Path          string `yaml:"path" json:"path"`
	Namespace     string `yaml:"namespace" json:"namespace"`
	// DefaultHistogramBuckets are in seconds.
	DefaultHistogramBuckets []float64 `yaml:"buckets,omitempty" json:"buckets,omitempty"`
}

// EventsConfig configures the event publisher. Without EnableAsync events
// are delivered on the publishing goroutine.
type EventsConfig struct {
	Enabled      bool `yaml:"enabled" json:"enabled"`
	BufferSize   int  `yaml:"buffer_size" json:"buffer_size"`
	MaxBatchSize int  `yaml:"max_batch_size" json:"max_batch_size"`
	EnableAsync  bool `yaml:"enable_async" json:"enable_async"`
}

// DefaultConfig logs to stderr, keeps metrics and async events on and
// leaves tracing off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "hermit",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			MaxSizeMB:          100,
			MaxBackups:         5,
			MaxAgeDays:         14,
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			Insecure:           true,
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			ListenAddress:           ":9464",
			Path:                    "/metrics",
			Namespace:               "hermit",
			DefaultHistogramBuckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		Events: EventsConfig{
			Enabled:      true,
			BufferSize:   1000,
			MaxBatchSize: 100,
			EnableAsync:  true,
		},
	}
}

// TestConfig silences logging, turns metrics off and delivers events
// synchronously.
func TestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "disabled"
	cfg.Metrics.Enabled = false
	cfg.Events.EnableAsync = false
	return cfg
}

var (
	logLevels     = []string{"trace", "debug", "info", "warn", "error", "fatal", "disabled"}
	logFormats    = []string{"console", "json"}
	logTimes      = []string{"", "rfc3339", "unix", "unixms", "unixmicro"}
	traceExporter = []string{"otlp", "stdout", "none"}
)

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.ServiceName == "" || c.ServiceVersion == "":
		return fmt.Errorf("service name and version are required")
	case !slices.Contains(logLevels, c.Logging.Level):
		return fmt.Errorf("invalid log level %q, want one of %s", c.Logging.Level, strings.Join(logLevels, ", "))
	case !slices.Contains(logFormats, c.Logging.Format):
		return fmt.Errorf("invalid log format %q, want console or json", c.Logging.Format)
	case !slices.Contains(logTimes, c.Logging.TimeFormat):
		return fmt.Errorf("invalid log time format %q", c.Logging.TimeFormat)
	}

	for _, sink := range strings.Split(c.Logging.Output, ",") {
		switch strings.TrimSpace(sink) {
		case "stdout", "stderr":
		case "file":
			if c.Logging.FilePath == "" {
				return fmt.Errorf("output %q needs a log file path", c.Logging.Output)
			}
		default:
			return fmt.Errorf("invalid log output %q", sink)
		}
	}

	if c.Tracing.Enabled && !slices.Contains(traceExporter, c.Tracing.Exporter) {
		return fmt.Errorf("invalid trace exporter %q", c.Tracing.Exporter)
	}
	if r := c.Tracing.SamplingRate; r < 0 || r > 1 {
		return fmt.Errorf("trace sampling rate %g is outside [0, 1]", r)
	}
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got %d", c.Events.BufferSize)
	}
	return nil
}
