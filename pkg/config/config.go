// Package config loads the bridge configuration from a YAML file with
// BRIDGE_ prefixed environment overrides, e.g. BRIDGE_MQTT_BROKER_URL.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/illmade-knight/lorawan-bridge/pkg/harvester"
	"github.com/illmade-knight/lorawan-bridge/pkg/mqttconverter"
	"github.com/illmade-knight/lorawan-bridge/pkg/queue"
	"github.com/illmade-knight/lorawan-bridge/pkg/typemap"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "BRIDGE"

// Sink types.
const (
	SinkLog      = "log"
	SinkPubsub   = "pubsub"
	SinkKafka    = "kafka"
	SinkHTTP     = "http"
	SinkBigQuery = "bigquery"
	SinkGCS      = "gcs"
)

// Dedupe backends.
const (
	DedupeNone   = "none"
	DedupeMemory = "memory"
	DedupeRedis  = "redis"
)

type Config struct {
	MQTT        MQTTConfig       `mapstructure:"mqtt"`
	TypeMap     []string         `mapstructure:"type_map"`
	TypeMapFile string           `mapstructure:"type_map_file"`
	Queue       QueueConfig      `mapstructure:"queue"`
	Harvester   HarvesterConfig  `mapstructure:"harvester"`
	Sink        SinkConfig       `mapstructure:"sink"`
	Dedupe      DedupeConfig     `mapstructure:"dedupe"`
	Validation  ValidationConfig `mapstructure:"validation"`
	Metrics     MetricsConfig    `mapstructure:"metrics"`
	Log         LogConfig        `mapstructure:"log"`
}

type MQTTConfig struct {
	BrokerURL            string        `mapstructure:"broker_url"`
	Host                 string        `mapstructure:"host"`
	Port                 int           `mapstructure:"port"`
	Topic                string        `mapstructure:"topic"`
	QoS                  int           `mapstructure:"qos"`
	ClientID             string        `mapstructure:"client_id"`
	ClientIDPrefix       string        `mapstructure:"client_id_prefix"`
	Username             string        `mapstructure:"username"`
	Password             string        `mapstructure:"password"`
	KeepAlive            time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	ConnectRetryInterval time.Duration `mapstructure:"connect_retry_interval"`
	ReconnectWaitMax     time.Duration `mapstructure:"reconnect_wait_max"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	CACertFile           string        `mapstructure:"ca_cert_file"`
	ClientCertFile       string        `mapstructure:"client_cert_file"`
	ClientKeyFile        string        `mapstructure:"client_key_file"`
	InsecureSkipVerify   bool          `mapstructure:"insecure_skip_verify"`
}

type QueueConfig struct {
	Capacity    int           `mapstructure:"capacity"`
	Policy      string        `mapstructure:"policy"`
	PushTimeout time.Duration `mapstructure:"push_timeout"`
}

type HarvesterConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	SendTimeout   time.Duration `mapstructure:"send_timeout"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout"`
}

type SinkConfig struct {
	Type     string         `mapstructure:"type"`
	Pubsub   PubsubConfig   `mapstructure:"pubsub"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	BigQuery BigQueryConfig `mapstructure:"bigquery"`
	GCS      GCSConfig      `mapstructure:"gcs"`
}

type PubsubConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	TopicID         string `mapstructure:"topic_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

type HTTPConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type BigQueryConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	DatasetID       string `mapstructure:"dataset_id"`
	TableID         string `mapstructure:"table_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type GCSConfig struct {
	Bucket          string `mapstructure:"bucket"`
	ObjectPrefix    string `mapstructure:"object_prefix"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type DedupeConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// ValidationConfig holds optional per-sensor bounds. Sensors without an
// entry accept any finite value.
type ValidationConfig struct {
	Ranges []RangeConfig `mapstructure:"ranges"`
}

type RangeConfig struct {
	Sensor string  `mapstructure:"sensor"`
	Min    float64 `mapstructure:"min"`
	Max    float64 `mapstructure:"max"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load reads path (which may be empty) and the environment, applies defaults
// and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Read is Load without validation, for tools that only need some sections.
func Read(path string) (*Config, error) {
	v := viper.New()
	applyDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// applyDefaults registers every key so that AutomaticEnv can override keys
// absent from the file.
func applyDefaults(v *viper.Viper) {
	mq := mqttconverter.DefaultMQTTClientConfig()
	v.SetDefault("mqtt.broker_url", "")
	v.SetDefault("mqtt.host", mq.Host)
	v.SetDefault("mqtt.port", mq.Port)
	v.SetDefault("mqtt.topic", mq.Topic)
	v.SetDefault("mqtt.qos", int(mq.QoS))
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.client_id_prefix", mq.ClientIDPrefix)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.keep_alive", mq.KeepAlive)
	v.SetDefault("mqtt.connect_timeout", mq.ConnectTimeout)
	v.SetDefault("mqtt.connect_retry_interval", mq.ConnectRetryInterval)
	v.SetDefault("mqtt.reconnect_wait_max", mq.ReconnectWaitMax)
	v.SetDefault("mqtt.poll_interval", mqttconverter.DefaultSubscriberServiceConfig().PollInterval)
	v.SetDefault("mqtt.ca_cert_file", "")
	v.SetDefault("mqtt.client_cert_file", "")
	v.SetDefault("mqtt.client_key_file", "")
	v.SetDefault("mqtt.insecure_skip_verify", false)

	v.SetDefault("type_map", []string{})
	v.SetDefault("type_map_file", "")

	qd := queue.DefaultConfig()
	v.SetDefault("queue.capacity", qd.Capacity)
	v.SetDefault("queue.policy", string(qd.Policy))
	v.SetDefault("queue.push_timeout", qd.PushTimeout)

	hd := harvester.DefaultConfig()
	v.SetDefault("harvester.poll_interval", hd.PollInterval)
	v.SetDefault("harvester.batch_size", hd.BatchSize)
	v.SetDefault("harvester.flush_interval", hd.FlushInterval)
	v.SetDefault("harvester.send_timeout", hd.SendTimeout)
	v.SetDefault("harvester.max_attempts", hd.MaxAttempts)
	v.SetDefault("harvester.retry_backoff", hd.RetryBackoff)
	v.SetDefault("harvester.drain_timeout", hd.DrainTimeout)

	v.SetDefault("sink.type", SinkLog)
	v.SetDefault("sink.pubsub.project_id", "")
	v.SetDefault("sink.pubsub.topic_id", "")
	v.SetDefault("sink.pubsub.credentials_file", "")
	v.SetDefault("sink.kafka.brokers", []string{})
	v.SetDefault("sink.kafka.topic", "")
	v.SetDefault("sink.kafka.batch_timeout", 50*time.Millisecond)
	v.SetDefault("sink.http.url", "")
	v.SetDefault("sink.http.token", "")
	v.SetDefault("sink.http.timeout", 15*time.Second)
	v.SetDefault("sink.bigquery.project_id", "")
	v.SetDefault("sink.bigquery.dataset_id", "")
	v.SetDefault("sink.bigquery.table_id", "sensor_records")
	v.SetDefault("sink.bigquery.credentials_file", "")
	v.SetDefault("sink.gcs.bucket", "")
	v.SetDefault("sink.gcs.object_prefix", "sensor-records")
	v.SetDefault("sink.gcs.credentials_file", "")

	v.SetDefault("dedupe.backend", DedupeNone)
	v.SetDefault("dedupe.ttl", 10*time.Minute)
	v.SetDefault("dedupe.redis.addr", "localhost:6379")
	v.SetDefault("dedupe.redis.password", "")
	v.SetDefault("dedupe.redis.db", 0)
	v.SetDefault("dedupe.redis.key_prefix", "lorawan-bridge:dedupe:")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9100")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Validate checks the loaded configuration for missing and inconsistent values.
func (c *Config) Validate() error {
	if c.MQTT.BrokerURL == "" && c.MQTT.Host == "" {
		return errors.New("mqtt.host or mqtt.broker_url is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if (c.MQTT.ClientCertFile == "") != (c.MQTT.ClientKeyFile == "") {
		return errors.New("mqtt.client_cert_file and mqtt.client_key_file must be set together")
	}
	if len(c.TypeMap) == 0 && c.TypeMapFile == "" {
		return errors.New("type_map or type_map_file is required")
	}

	switch queue.Policy(c.Queue.Policy) {
	case queue.PolicyBlock, queue.PolicyDrop:
	default:
		return fmt.Errorf("queue.policy must be %q or %q, got %q", queue.PolicyBlock, queue.PolicyDrop, c.Queue.Policy)
	}

	if err := c.Sink.validate(); err != nil {
		return err
	}

	switch c.Dedupe.Backend {
	case DedupeNone, DedupeMemory:
	case DedupeRedis:
		if c.Dedupe.Redis.Addr == "" {
			return errors.New("dedupe.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown dedupe.backend %q", c.Dedupe.Backend)
	}
	if c.Dedupe.Backend != DedupeNone && c.Dedupe.TTL <= 0 {
		return errors.New("dedupe.ttl must be positive")
	}

	for i, r := range c.Validation.Ranges {
		if r.Sensor == "" {
			return fmt.Errorf("validation.ranges[%d] is missing a sensor", i)
		}
		if r.Min > r.Max {
			return fmt.Errorf("validation.ranges[%d] (%s): min %v is above max %v", i, r.Sensor, r.Min, r.Max)
		}
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.New("metrics.addr is required when metrics are enabled")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

func (s SinkConfig) validate() error {
	switch s.Type {
	case SinkLog:
	case SinkPubsub:
		if s.Pubsub.ProjectID == "" || s.Pubsub.TopicID == "" {
			return errors.New("sink.pubsub.project_id and sink.pubsub.topic_id are required")
		}
	case SinkKafka:
		if len(s.Kafka.Brokers) == 0 || s.Kafka.Topic == "" {
			return errors.New("sink.kafka.brokers and sink.kafka.topic are required")
		}
	case SinkHTTP:
		if s.HTTP.URL == "" {
			return errors.New("sink.http.url is required")
		}
	case SinkBigQuery:
		if s.BigQuery.ProjectID == "" || s.BigQuery.DatasetID == "" {
			return errors.New("sink.bigquery.project_id and sink.bigquery.dataset_id are required")
		}
	case SinkGCS:
		if s.GCS.Bucket == "" {
			return errors.New("sink.gcs.bucket is required")
		}
	default:
		return fmt.Errorf("unknown sink.type %q", s.Type)
	}
	return nil
}

// BuildTypeMap merges the inline entries with type_map_file. A key defined
// in both places is an error.
func (c *Config) BuildTypeMap() (*typemap.TypeMap, error) {
	inline, err := typemap.Parse(c.TypeMap)
	if err != nil {
		return nil, fmt.Errorf("type_map: %w", err)
	}
	if c.TypeMapFile == "" {
		return inline, nil
	}
	fromFile, err := typemap.LoadFile(c.TypeMapFile)
	if err != nil {
		return nil, err
	}
	merged, err := typemap.Merge(inline, fromFile)
	if err != nil {
		return nil, fmt.Errorf("type_map and type_map_file overlap: %w", err)
	}
	return merged, nil
}

// BuildRanges resolves the configured bounds to sensor-type codes. Every
// sensor named must be in tm.
func (c *Config) BuildRanges(tm *typemap.TypeMap) (map[int]mqttconverter.Range, error) {
	if len(c.Validation.Ranges) == 0 {
		return nil, nil
	}
	ranges := make(map[int]mqttconverter.Range, len(c.Validation.Ranges))
	for _, r := range c.Validation.Ranges {
		code, ok := tm.Lookup(r.Sensor)
		if !ok {
			return nil, fmt.Errorf("validation range for %q: sensor is not in the type map", r.Sensor)
		}
		if _, dup := ranges[code]; dup {
			return nil, fmt.Errorf("validation range for %q: sensor type %d already has a range", r.Sensor, code)
		}
		ranges[code] = mqttconverter.Range{Min: r.Min, Max: r.Max}
	}
	return ranges, nil
}

func (c *Config) MQTTClientConfig() mqttconverter.MQTTClientConfig {
	m := c.MQTT
	return mqttconverter.MQTTClientConfig{
		BrokerURL:            m.BrokerURL,
		Host:                 m.Host,
		Port:                 m.Port,
		Topic:                m.Topic,
		QoS:                  byte(m.QoS),
		ClientID:             m.ClientID,
		ClientIDPrefix:       m.ClientIDPrefix,
		Username:             m.Username,
		Password:             m.Password,
		KeepAlive:            m.KeepAlive,
		ConnectTimeout:       m.ConnectTimeout,
		ConnectRetryInterval: m.ConnectRetryInterval,
		ReconnectWaitMax:     m.ReconnectWaitMax,
		CACertFile:           m.CACertFile,
		ClientCertFile:       m.ClientCertFile,
		ClientKeyFile:        m.ClientKeyFile,
		InsecureSkipVerify:   m.InsecureSkipVerify,
	}
}

func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		Capacity:    c.Queue.Capacity,
		Policy:      queue.Policy(c.Queue.Policy),
		PushTimeout: c.Queue.PushTimeout,
	}
}

// HarvesterConfig leaves Metrics unset; the caller owns the registry.
func (c *Config) HarvesterConfig() harvester.Config {
	h := c.Harvester
	return harvester.Config{
		PollInterval:  h.PollInterval,
		BatchSize:     h.BatchSize,
		FlushInterval: h.FlushInterval,
		SendTimeout:   h.SendTimeout,
		MaxAttempts:   h.MaxAttempts,
		RetryBackoff:  h.RetryBackoff,
		DrainTimeout:  h.DrainTimeout,
	}
}

// Logger builds the root logger from the log section.
func (c *Config) Logger(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if c.Log.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
