package cfg

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Supported record formats
const (
	FormatJSON           = "json"
	FormatJSONSchemaless = "json-schemaless"
)

// Supported sink types
const (
	SinkKafka    = "kafka"
	SinkNATS     = "nats"
	SinkRabbitMQ = "rabbitmq"
)

// SinkConfiguration describes one transport records are published to
type SinkConfiguration struct {
	Name              string   `toml:"name"`
	Type              string   `toml:"type"`     // kafka, nats or rabbitmq
	Brokers           []string `toml:"brokers"`  // kafka
	NatsURL           string   `toml:"nats_url"` // nats
	AMQPURL           string   `toml:"amqp_url"` // rabbitmq
	Exchange          string   `toml:"exchange"` // rabbitmq, empty = default exchange
	BatchSize         int      `toml:"batch_size"`
	PollIntervalMS    int      `toml:"poll_interval_ms"`
	RetryInitialMS    int      `toml:"retry_initial_ms"`
	RetryMaxMS        int      `toml:"retry_max_ms"`
	RetryMultiplier   float64  `toml:"retry_multiplier"`
	FilterDatabases   []string `toml:"filter_databases"`   // Overrides the publisher-wide filter
	FilterCollections []string `toml:"filter_collections"` // Overrides the publisher-wide filter
}

// PublisherConfiguration controls how records are rendered and routed
type PublisherConfiguration struct {
	TopicPrefix       string              `toml:"topic_prefix"`
	Format            string              `toml:"format"`
	FilterDatabases   []string            `toml:"filter_databases"`
	FilterCollections []string            `toml:"filter_collections"`
	Sinks             []SinkConfiguration `toml:"sinks"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the HTTP admin endpoints
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Secret  string `toml:"secret"` // Pre-shared key, empty disables auth
}

// Configuration is the main configuration structure
type Configuration struct {
	Name    string `toml:"name"` // Logical server name, used in partitions and source structs
	DataDir string `toml:"data_dir"`

	Publisher  PublisherConfiguration  `toml:"publisher"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NameFlag       = flag.String("name", "", "Logical server name (overrides config)")
)

// Default configuration
var Config = Default()

// Default returns the default configuration
func Default() *Configuration {
	return &Configuration{
		Name:    "oplogcdc",
		DataDir: "./oplogcdc-data",

		Publisher: PublisherConfiguration{
			Format: FormatJSON,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},

		Admin: AdminConfiguration{
			Enabled: false,
			Address: "127.0.0.1:8090",
		},
	}
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NameFlag != "" {
		Config.Name = *NameFlag
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Name == "" {
		return fmt.Errorf("name is required")
	}
	if Config.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch Config.Publisher.Format {
	case FormatJSON, FormatJSONSchemaless:
	default:
		return fmt.Errorf("invalid publisher format: %q", Config.Publisher.Format)
	}

	seen := make(map[string]bool, len(Config.Publisher.Sinks))
	for i, sink := range Config.Publisher.Sinks {
		if sink.Name == "" {
			return fmt.Errorf("sink %d: name is required", i)
		}
		if seen[sink.Name] {
			return fmt.Errorf("duplicate sink name: %s", sink.Name)
		}
		seen[sink.Name] = true

		if err := validateSink(sink); err != nil {
			return fmt.Errorf("sink %s: %w", sink.Name, err)
		}
	}

	if Config.Admin.Enabled && Config.Admin.Address == "" {
		return fmt.Errorf("admin address is required when admin is enabled")
	}

	return nil
}

func validateSink(sink SinkConfiguration) error {
	switch sink.Type {
	case SinkKafka:
		if len(sink.Brokers) == 0 {
			return fmt.Errorf("kafka sink requires brokers")
		}
	case SinkNATS:
		if sink.NatsURL == "" {
			return fmt.Errorf("nats sink requires nats_url")
		}
	case SinkRabbitMQ:
		if sink.AMQPURL == "" {
			return fmt.Errorf("rabbitmq sink requires amqp_url")
		}
	default:
		return fmt.Errorf("unknown sink type: %q", sink.Type)
	}

	if sink.BatchSize < 0 {
		return fmt.Errorf("batch_size must be >= 0")
	}
	if sink.PollIntervalMS < 0 || sink.RetryInitialMS < 0 || sink.RetryMaxMS < 0 {
		return fmt.Errorf("intervals must be >= 0")
	}
	if sink.RetryMultiplier != 0 && sink.RetryMultiplier < 1 {
		return fmt.Errorf("retry_multiplier must be >= 1")
	}
	return nil
}

// ConfigureLogging installs the global zerolog logger
func ConfigureLogging() {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	logger := zerolog.New(writer).
		With().
		Timestamp().
		Str("connector", Config.Name).
		Logger()

	if Config.Logging.Verbose {
		log.Logger = logger.Level(zerolog.DebugLevel)
	} else {
		log.Logger = logger.Level(zerolog.InfoLevel)
	}
}
