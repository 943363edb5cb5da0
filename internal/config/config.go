package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	MinSyncInterval = 1
	MaxSyncInterval = 24 * 60 * 60
)

// Queue backends
const (
	QueueBackendFile   = "file"
	QueueBackendSQLite = "sqlite"
)

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverFirebird = "firebird"
)

// Logging is shared by every binary
type Logging struct {
	Level  string
	Format string
	File   string
}

// KioskConfig is loaded once at kiosk startup and never mutated afterwards
type KioskConfig struct {
	Logging

	SiteID            string
	SyncInterval      time.Duration
	ServerURL         string
	APIKey            string
	HTTPTimeout       time.Duration
	QueueBackend      string
	QueuePath         string
	QuarantinePath    string
	MaxRecordFailures int
	TTSCommand        string
	NetworkProbeAddr  string
	NetworkProbeEvery time.Duration
	MetricsAddr       string
}

// DatabaseConfig describes the ingest database
type DatabaseConfig struct {
	Driver      string
	URL         string
	Host        string
	Port        string
	User        string
	Password    string
	Name        string
	SSLCA       string
	Table       string
	AutoMigrate bool
}

// ServerConfig is loaded once at ingest server startup
type ServerConfig struct {
	Logging

	APIKey      string
	ListenAddr  string
	UploadPath  string
	Database    DatabaseConfig
	RabbitMQURL string
}

// LoadKiosk reads the kiosk configuration from the environment (and .env when present)
func LoadKiosk() (*KioskConfig, error) {
	_ = godotenv.Load()

	siteID := strings.TrimSpace(os.Getenv("SITE_ID"))
	if siteID == "" {
		return nil, errors.New("SITE_ID is required")
	}

	interval := getEnvInt("SYNC_INTERVAL_SEC", 60)
	if interval > MaxSyncInterval {
		slog.Warn("SYNC_INTERVAL_SEC exceeds limit. Clamping to maximum", "requested", interval, "limit", MaxSyncInterval)
		interval = MaxSyncInterval
	} else if interval < MinSyncInterval {
		interval = MinSyncInterval
	}

	httpTimeout := atLeastOne("HTTP_TIMEOUT_SEC", getEnvInt("HTTP_TIMEOUT_SEC", 30))
	probeEvery := atLeastOne("NETWORK_PROBE_INTERVAL_SEC", getEnvInt("NETWORK_PROBE_INTERVAL_SEC", 60))

	maxFailures := getEnvInt("MAX_RECORD_FAILURES", 0)
	if maxFailures < 0 {
		maxFailures = 0
	}

	backend := strings.ToLower(getEnv("QUEUE_BACKEND", QueueBackendFile))
	if backend != QueueBackendFile && backend != QueueBackendSQLite {
		return nil, fmt.Errorf("unsupported QUEUE_BACKEND %q", backend)
	}

	serverURL := strings.TrimSpace(os.Getenv("SERVER_URL"))
	if serverURL != "" {
		if _, err := url.ParseRequestURI(serverURL); err != nil {
			return nil, fmt.Errorf("invalid SERVER_URL: %w", err)
		}
	}

	return &KioskConfig{
		Logging:           loadLogging("kiosk.log"),
		SiteID:            siteID,
		SyncInterval:      time.Duration(interval) * time.Second,
		ServerURL:         serverURL,
		APIKey:            os.Getenv("API_KEY"),
		HTTPTimeout:       time.Duration(httpTimeout) * time.Second,
		QueueBackend:      backend,
		QueuePath:         getEnv("QUEUE_PATH", "cache.txt"),
		QuarantinePath:    getEnv("QUARANTINE_PATH", "cache.quarantine.txt"),
		MaxRecordFailures: maxFailures,
		TTSCommand:        os.Getenv("TTS_COMMAND"),
		NetworkProbeAddr:  getEnv("NETWORK_PROBE_ADDR", "8.8.8.8:53"),
		NetworkProbeEvery: time.Duration(probeEvery) * time.Second,
		MetricsAddr:       getEnv("METRICS_ADDR", ":9091"),
	}, nil
}

// LoadServer reads the ingest server configuration from the environment (and .env when present)
func LoadServer() (*ServerConfig, error) {
	_ = godotenv.Load()

	apiKey := os.Getenv("API_KEY")
	if apiKey == "" {
		return nil, errors.New("API_KEY is required")
	}

	database, err := loadDatabase()
	if err != nil {
		return nil, err
	}

	uploadPath := getEnv("UPLOAD_PATH", "/upload")
	if !strings.HasPrefix(uploadPath, "/") {
		uploadPath = "/" + uploadPath
	}

	return &ServerConfig{
		Logging:     loadLogging("ingest.log"),
		APIKey:      apiKey,
		ListenAddr:  getEnv("LISTEN_ADDR", ":5000"),
		UploadPath:  uploadPath,
		Database:    database,
		RabbitMQURL: os.Getenv("RABBITMQ_URL"),
	}, nil
}

// LoadDatabase reads only the database section; used by tools that do not serve HTTP
func LoadDatabase() (DatabaseConfig, error) {
	_ = godotenv.Load()
	return loadDatabase()
}

func loadDatabase() (DatabaseConfig, error) {
	driver := strings.ToLower(getEnv("DB_DRIVER", DriverPostgres))
	if driver != DriverPostgres && driver != DriverFirebird {
		return DatabaseConfig{}, fmt.Errorf("unsupported DB_DRIVER %q", driver)
	}

	defaultPort := "5432"
	if driver == DriverFirebird {
		defaultPort = "3050"
	}

	return DatabaseConfig{
		Driver:      driver,
		URL:         os.Getenv("DATABASE_URL"),
		Host:        getEnv("DB_HOST", "localhost"),
		Port:        getEnv("DB_PORT", defaultPort),
		User:        getEnv("DB_USER", "scanner"),
		Password:    os.Getenv("DB_PASSWORD"),
		Name:        getEnv("DB_NAME", "scancode"),
		SSLCA:       os.Getenv("DB_SSL_CA"),
		Table:       getEnv("DB_TABLE", "scancode"),
		AutoMigrate: getEnvBool("DB_AUTO_MIGRATE", true),
	}, nil
}

// DSN returns the connection string for the configured driver
// An explicit DATABASE_URL always wins over the individual parts
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}

	switch d.Driver {
	case DriverFirebird:
		// user:password@host:port/path
		return fmt.Sprintf("%s:%s@%s:%s/%s", d.User, d.Password, d.Host, d.Port, d.Name)
	default:
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(d.User, d.Password),
			Host:   d.Host + ":" + d.Port,
			Path:   "/" + d.Name,
		}
		q := url.Values{}
		if d.SSLCA != "" {
			q.Set("sslmode", "verify-full")
			q.Set("sslrootcert", d.SSLCA)
		} else {
			q.Set("sslmode", "prefer")
		}
		u.RawQuery = q.Encode()
		return u.String()
	}
}

func loadLogging(defaultFile string) Logging {
	return Logging{
		Level:  getEnv("LOG_LEVEL", "INFO"),
		Format: getEnv("LOG_FORMAT", "TEXT"),
		File:   getEnv("LOG_FILE", defaultFile),
	}
}

func atLeastOne(key string, value int) int {
	if value < 1 {
		slog.Warn(key+" must be positive. Clamping to minimum", "requested", value, "limit", 1)
		return 1
	}
	return value
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}
