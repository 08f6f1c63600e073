package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"
	"github.com/joho/godotenv"
	"github.com/mcuadros/go-defaults"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/srg/bmsd/internal/bms"
	"github.com/srg/bmsd/internal/forward"
	"github.com/srg/bmsd/internal/metric"
	"github.com/srg/bmsd/internal/poller"
	"github.com/srg/bmsd/internal/sink"
	"github.com/srg/bmsd/internal/supervisor"
)

// EnvPrefix prefixes every environment override, e.g. BMSD_MQTT_HOST.
const EnvPrefix = "BMSD"

// Config holds application configuration
type Config struct {
	Device     DeviceConfig      `mapstructure:"device" yaml:"device"`
	MQTT       MQTTConfig        `mapstructure:"mqtt" yaml:"mqtt"`
	Influx     InfluxConfig      `mapstructure:"influx" yaml:"influx"`
	Redis      RedisConfig       `mapstructure:"redis" yaml:"redis"`
	CloudWatch CloudWatchConfig  `mapstructure:"cloudwatch" yaml:"cloudwatch"`
	Supervisor SupervisorConfig  `mapstructure:"supervisor" yaml:"supervisor"`
	Forward    ForwardConfig     `mapstructure:"forward" yaml:"forward"`
	Names      map[string]string `mapstructure:"names" yaml:"names"`
	Logging    LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

type DeviceConfig struct {
	Address           string        `mapstructure:"address" yaml:"address"`
	Meter             string        `mapstructure:"meter" yaml:"meter" default:"bms"`
	Interval          time.Duration `mapstructure:"interval" yaml:"interval" default:"30s"`
	NotifyTimeout     time.Duration `mapstructure:"notify_timeout" yaml:"notify_timeout" default:"5s"`
	Settle            time.Duration `mapstructure:"settle" yaml:"settle" default:"500ms"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout" default:"30s"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay" yaml:"connect_retry_delay" default:"10s"`
	QueueSize         int           `mapstructure:"queue_size" yaml:"queue_size" default:"32"`
}

type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled" default:"true"`
	Host           string        `mapstructure:"host" yaml:"host" default:"localhost"`
	Port           int           `mapstructure:"port" yaml:"port" default:"1883"`
	Username       string        `mapstructure:"username" yaml:"username"`
	Password       string        `mapstructure:"password" yaml:"password" secret:"true"`
	PasswordFile   string        `mapstructure:"password_file" yaml:"password_file"`
	ClientID       string        `mapstructure:"client_id" yaml:"client_id"`
	TopicPrefix    string        `mapstructure:"topic_prefix" yaml:"topic_prefix" default:"bms"`
	QoS            int           `mapstructure:"qos" yaml:"qos" default:"0"`
	Retain         bool          `mapstructure:"retain" yaml:"retain"`
	TLSCAFile      string        `mapstructure:"tls_ca_file" yaml:"tls_ca_file"`
	KeepAlive      time.Duration `mapstructure:"keep_alive" yaml:"keep_alive" default:"60s"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout" yaml:"publish_timeout" default:"5s"`
}

type InfluxConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Host         string        `mapstructure:"host" yaml:"host" default:"localhost"`
	Port         int           `mapstructure:"port" yaml:"port" default:"8086"`
	Username     string        `mapstructure:"username" yaml:"username"`
	Password     string        `mapstructure:"password" yaml:"password" secret:"true"`
	PasswordFile string        `mapstructure:"password_file" yaml:"password_file"`
	Database     string        `mapstructure:"database" yaml:"database" default:"bms"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout" default:"10s"`
}

type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Address   string        `mapstructure:"address" yaml:"address" default:"localhost:6379"`
	Password  string        `mapstructure:"password" yaml:"password" secret:"true"`
	DB        int           `mapstructure:"db" yaml:"db"`
	KeyPrefix string        `mapstructure:"key_prefix" yaml:"key_prefix" default:"bms"`
	TTL       time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

type CloudWatchConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Region    string `mapstructure:"region" yaml:"region"`
	Namespace string `mapstructure:"namespace" yaml:"namespace" default:"BMS"`
}

type SupervisorConfig struct {
	MinBackoff     time.Duration `mapstructure:"min_backoff" yaml:"min_backoff" default:"1s"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff" default:"60s"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout" default:"10s"`
	EscalateAfter  int           `mapstructure:"escalate_after" yaml:"escalate_after" default:"5"`
}

type ForwardConfig struct {
	Topic              string        `mapstructure:"topic" yaml:"topic" default:"get_status/status/#"`
	MeasurementLevel   int           `mapstructure:"measurement_level" yaml:"measurement_level" default:"2"`
	Node               string        `mapstructure:"node" yaml:"node" default:"get_status"`
	NumericMeasurement string        `mapstructure:"numeric_measurement" yaml:"numeric_measurement" default:"power_measurement"`
	TextMeasurement    string        `mapstructure:"text_measurement" yaml:"text_measurement" default:"power_measurement_strings"`
	CheckInterval      time.Duration `mapstructure:"check_interval" yaml:"check_interval" default:"5s"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" default:"info"`
	Format string `mapstructure:"format" yaml:"format" default:"text"` // text, json
	// stderr, stdout or a file path rotated by lumberjack
	Output string `mapstructure:"output" yaml:"output" default:"stderr"`
	// Days to keep rotated files
	MaxAge int `mapstructure:"max_age" yaml:"max_age" default:"7"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// LoadEnvFile loads KEY=value pairs into the process environment. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load layers defaults, the YAML file at path (optional) and BMSD_*
// environment variables, then resolves password files.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only sees keys viper already knows about
	for _, key := range keys(reflect.TypeOf(Config{}), "") {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.resolvePasswords(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// keys lists the dotted mapstructure keys of every leaf field.
func keys(t reflect.Type, prefix string) []string {
	var out []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := f.Tag.Get("mapstructure")
		if name == "" {
			continue
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		if f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeOf(time.Duration(0)) {
			out = append(out, keys(f.Type, name)...)
			continue
		}
		out = append(out, name)
	}
	return out
}

func (c *Config) resolvePasswords() error {
	for _, p := range []struct {
		file string
		dst  *string
	}{
		{c.MQTT.PasswordFile, &c.MQTT.Password},
		{c.Influx.PasswordFile, &c.Influx.Password},
	} {
		if p.file == "" {
			continue
		}
		secret, err := ReadPasswordFile(p.file)
		if err != nil {
			return err
		}
		*p.dst = secret
	}
	return nil
}

// ReadPasswordFile returns the file content without the trailing newline.
func ReadPasswordFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read password file: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// Validate checks the settings shared by every command.
func (c *Config) Validate() error {
	var errs []error

	if c.Device.Interval <= 0 {
		errs = append(errs, errors.New("device.interval must be > 0"))
	}
	if c.Device.NotifyTimeout <= 0 {
		errs = append(errs, errors.New("device.notify_timeout must be > 0"))
	}
	if c.Forward.CheckInterval <= 0 {
		errs = append(errs, errors.New("forward.check_interval must be > 0"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.MQTT.Enabled {
		if err := sink.ValidateTopic(c.MQTT.TopicPrefix); err != nil {
			errs = append(errs, fmt.Errorf("mqtt.topic_prefix: %w", err))
		}
	}
	if c.CloudWatch.Enabled && c.CloudWatch.Namespace == "" {
		errs = append(errs, errors.New("cloudwatch.namespace must not be empty"))
	}
	if c.Supervisor.MinBackoff < supervisor.BackoffFloor ||
		c.Supervisor.MaxBackoff > supervisor.BackoffCeiling ||
		c.Supervisor.MaxBackoff < c.Supervisor.MinBackoff {
		errs = append(errs, fmt.Errorf("supervisor backoff must satisfy %s <= min_backoff <= max_backoff <= %s",
			supervisor.BackoffFloor, supervisor.BackoffCeiling))
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	if err := c.NameTable().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("names: %w", err))
	}

	return errors.Join(errs...)
}

// ValidateDevice checks the settings the poll loop needs on top of Validate.
func (c *Config) ValidateDevice() error {
	if c.Device.Address == "" {
		return errors.New("device.address is required")
	}
	return nil
}

// NameTable merges the names section with the forwarder's measurement names.
func (c *Config) NameTable() metric.NameTable {
	t := metric.NewNameTable(c.Names)
	if c.Forward.NumericMeasurement != "" {
		t[metric.PowerMeasurement] = c.Forward.NumericMeasurement
	}
	if c.Forward.TextMeasurement != "" {
		t[metric.PowerMeasurementStrings] = c.Forward.TextMeasurement
	}
	return t
}

func (c *Config) ConnectOptions() bms.ConnectOptions {
	opts := bms.DefaultConnectOptions(c.Device.Address)
	opts.ConnectTimeout = c.Device.ConnectTimeout
	opts.RetryDelay = c.Device.ConnectRetryDelay
	opts.QueueSize = c.Device.QueueSize
	return opts
}

func (c *Config) PollerConfig() poller.Config {
	return poller.Config{
		Interval:      c.Device.Interval,
		NotifyTimeout: c.Device.NotifyTimeout,
		Settle:        c.Device.Settle,
	}
}

func (c *Config) SupervisorOptions() supervisor.Options {
	return supervisor.Options{
		MinBackoff:     c.Supervisor.MinBackoff,
		MaxBackoff:     c.Supervisor.MaxBackoff,
		AttemptTimeout: c.Supervisor.AttemptTimeout,
		EscalateAfter:  c.Supervisor.EscalateAfter,
	}
}

func (c *Config) BrokerConfig() sink.BrokerConfig {
	return sink.BrokerConfig{
		Host:      c.MQTT.Host,
		Port:      c.MQTT.Port,
		Username:  c.MQTT.Username,
		Password:  c.MQTT.Password,
		ClientID:  c.MQTT.ClientID,
		TLSCAFile: c.MQTT.TLSCAFile,
		KeepAlive: c.MQTT.KeepAlive,
	}
}

func (c *Config) MQTTOptions() sink.MQTTOptions {
	return sink.MQTTOptions{
		TopicPrefix:    c.MQTT.TopicPrefix,
		QoS:            byte(c.MQTT.QoS),
		Retain:         c.MQTT.Retain,
		PublishTimeout: c.MQTT.PublishTimeout,
		Names:          c.NameTable(),
	}
}

func (c *Config) InfluxHTTPConfig() client.HTTPConfig {
	return client.HTTPConfig{
		Addr:     fmt.Sprintf("http://%s:%d", c.Influx.Host, c.Influx.Port),
		Username: c.Influx.Username,
		Password: c.Influx.Password,
		Timeout:  c.Influx.Timeout,
	}
}

func (c *Config) InfluxOptions() sink.InfluxOptions {
	return sink.InfluxOptions{Database: c.Influx.Database, Names: c.NameTable()}
}

func (c *Config) RedisClientOptions() *redis.Options {
	return &redis.Options{
		Addr:     c.Redis.Address,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	}
}

func (c *Config) RedisOptions() sink.RedisOptions {
	return sink.RedisOptions{KeyPrefix: c.Redis.KeyPrefix, TTL: c.Redis.TTL, Names: c.NameTable()}
}

func (c *Config) CloudWatchOptions() sink.CloudWatchOptions {
	return sink.CloudWatchOptions{Namespace: c.CloudWatch.Namespace, Names: c.NameTable()}
}

func (c *Config) ForwardOptions() forward.Options {
	opts := forward.DefaultOptions()
	opts.Topic = c.Forward.Topic
	opts.QoS = byte(c.MQTT.QoS)
	opts.MeasurementLevel = c.Forward.MeasurementLevel
	opts.Node = c.Forward.Node
	return opts
}

// NewLogger creates a configured logger instance. The returned closer
// releases the log file, if any.
func (c *Config) NewLogger() (*logrus.Logger, io.Closer) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}

	var closer io.Closer = nopCloser{}
	switch c.Logging.Output {
	case "", "stderr":
		logger.SetOutput(os.Stderr)
	case "stdout":
		logger.SetOutput(os.Stdout)
	default:
		file := &lumberjack.Logger{
			Filename: c.Logging.Output,
			MaxAge:   c.Logging.MaxAge,
			MaxSize:  100,
			Compress: true,
		}
		logger.SetOutput(file)
		closer = file
	}

	return logger, closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
