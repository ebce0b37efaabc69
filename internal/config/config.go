package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/example/order-tracking/internal/models"
)

// ClientConfig captures every tunable of the tracking client process.
// Values come from the environment (or a .env file next to the binary)
// with defaults good enough to run against a local backend.
type ClientConfig struct {
	Role models.Role

	SocketURL       string
	APIBaseURL      string
	CredentialsPath string
	ConnectTimeout  time.Duration
	PingInterval    time.Duration

	OfferTimeout        time.Duration
	LocationMinInterval time.Duration
	LocationMinDistance float64
	TerminalGrace       time.Duration
	LocationFilter      bool
	DefaultCurrency     string
	DefaultSpeedMps     float64

	StatusAddr     string
	PositionSource string

	RedisAddr     string
	RedisPassword string
	SnapshotTTL   time.Duration

	PGDSN string

	KafkaBrokers []string
	KafkaTopic   string

	LogLevel      string
	RunMigrations bool
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		Role:                models.RoleCustomer,
		SocketURL:           "ws://localhost:3000/realtime",
		APIBaseURL:          "http://localhost:3000/api",
		CredentialsPath:     "credentials.json",
		ConnectTimeout:      10 * time.Second,
		PingInterval:        25 * time.Second,
		OfferTimeout:        2 * time.Minute,
		LocationMinInterval: 10 * time.Second,
		LocationMinDistance: 50,
		LocationFilter:      true,
		DefaultCurrency:     "VND",
		DefaultSpeedMps:     8,
		StatusAddr:          "127.0.0.1:8090",
		PositionSource:      "stdin",
		SnapshotTTL:         6 * time.Hour,
		KafkaTopic:          "driver-locations",
		LogLevel:            "info",
	}
}

// LoadClientConfig reads configuration; every invalid value is reported.
func LoadClientConfig() (ClientConfig, error) {
	return load(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AutomaticEnv()
	// a missing .env is normal; the environment alone is enough.
	_ = v.ReadInConfig()
	return v
}

func load(v *viper.Viper) (ClientConfig, error) {
	cfg := defaultClientConfig()
	var errs []error

	if r := strings.ToLower(strings.TrimSpace(v.GetString("ROLE"))); r != "" {
		cfg.Role = models.Role(r)
		if !cfg.Role.Valid() {
			errs = append(errs, fmt.Errorf("invalid ROLE %q: want customer or driver", r))
		}
	}

	setString(v, &cfg.SocketURL, "SOCKET_URL")
	setString(v, &cfg.APIBaseURL, "API_BASE_URL")
	setString(v, &cfg.CredentialsPath, "CREDENTIALS_PATH")
	setDuration(v, &cfg.ConnectTimeout, "CONNECT_TIMEOUT", &errs)
	setDuration(v, &cfg.PingInterval, "PING_INTERVAL", &errs)

	setDuration(v, &cfg.OfferTimeout, "OFFER_TIMEOUT", &errs)
	setDuration(v, &cfg.LocationMinInterval, "LOCATION_MIN_INTERVAL", &errs)
	setFloat(v, &cfg.LocationMinDistance, "LOCATION_MIN_DISTANCE_M", &errs)
	setDuration(v, &cfg.TerminalGrace, "TERMINAL_GRACE", &errs)
	setBool(v, &cfg.LocationFilter, "LOCATION_FILTER", &errs)
	setString(v, &cfg.DefaultCurrency, "DEFAULT_CURRENCY")
	setFloat(v, &cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)

	setString(v, &cfg.StatusAddr, "STATUS_ADDR")
	setString(v, &cfg.PositionSource, "POSITION_SOURCE")

	cfg.RedisAddr = strings.TrimSpace(v.GetString("REDIS_ADDR"))
	cfg.RedisPassword = v.GetString("REDIS_PASSWORD")
	setDuration(v, &cfg.SnapshotTTL, "SNAPSHOT_TTL", &errs)

	cfg.PGDSN = v.GetString("PG_DSN")

	if brokers := v.GetString("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setString(v, &cfg.KafkaTopic, "KAFKA_TOPIC")

	if l := v.GetString("LOG_LEVEL"); l != "" {
		cfg.LogLevel = strings.ToLower(l)
	}
	cfg.RunMigrations = strings.EqualFold(v.GetString("MIGRATE"), "true")

	if cfg.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("CONNECT_TIMEOUT must be > 0"))
	}
	if cfg.OfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TIMEOUT must be > 0"))
	}
	if cfg.LocationMinDistance < 0 {
		errs = append(errs, fmt.Errorf("LOCATION_MIN_DISTANCE_M must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the telemetry consumer that projects driver
// samples into the shared position index.
type ConsumerConfig struct {
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	GeoKey        string
	MetricsAddr   string
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	return loadConsumer(newViper())
}

func loadConsumer(v *viper.Viper) (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-locations",
		KafkaGroup:   "order-tracking-consumer",
		RedisAddr:    "localhost:6379",
		GeoKey:       "drivers_geo",
		MetricsAddr:  ":2112",
		LogLevel:     "info",
	}
	brokers := v.GetString("KAFKA_BROKERS")
	if brokers == "" {
		brokers = v.GetString("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setString(v, &cfg.KafkaTopic, "KAFKA_TOPIC")
	setString(v, &cfg.KafkaGroup, "KAFKA_GROUP")
	setString(v, &cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = v.GetString("REDIS_PASSWORD")
	setString(v, &cfg.GeoKey, "GEO_KEY")
	setString(v, &cfg.MetricsAddr, "METRICS_ADDR")
	if l := v.GetString("LOG_LEVEL"); l != "" {
		cfg.LogLevel = strings.ToLower(l)
	}
	if len(cfg.KafkaBrokers) == 0 {
		return cfg, errors.New("KAFKA_BROKERS lists no broker")
	}
	return cfg, nil
}

func setString(v *viper.Viper, target *string, key string) {
	if s := strings.TrimSpace(v.GetString(key)); s != "" {
		*target = s
	}
}

func setDuration(v *viper.Viper, target *time.Duration, key string, errs *[]error) {
	if s := strings.TrimSpace(v.GetString(key)); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloat(v *viper.Viper, target *float64, key string, errs *[]error) {
	if s := strings.TrimSpace(v.GetString(key)); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setBool(v *viper.Viper, target *bool, key string, errs *[]error) {
	if s := strings.TrimSpace(v.GetString(key)); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
