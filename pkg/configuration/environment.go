package configuration

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/iota-uz/utils/fs"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/gregfielding/hrx-god-view-sub021/pkg/logging"
)

const Production = "production"

var singleton = sync.OnceValue(func() *Configuration {
	c := &Configuration{}
	if err := c.load([]string{".env", ".env.local"}); err != nil {
		c.Unload()
		panic(err)
	}
	return c
})

func LoadEnv(envFiles []string) (int, error) {
	existingFiles := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		if fs.FileExists(file) {
			existingFiles = append(existingFiles, file)
		}
	}

	if len(existingFiles) == 0 {
		return 0, nil
	}

	return len(existingFiles), godotenv.Load(existingFiles...)
}

type DatabaseOptions struct {
	Opts     string `env:"-"`
	Name     string `env:"DB_NAME" envDefault:"hrx_crm"`
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
}

func (d *DatabaseOptions) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s dbname=%s password=%s sslmode=disable",
		d.Host, d.Port, d.User, d.Name, d.Password,
	)
}

type PrometheusOptions struct {
	Enabled bool   `env:"PROMETHEUS_METRICS_ENABLED" envDefault:"false"`
	Path    string `env:"PROMETHEUS_METRICS_PATH" envDefault:"/debug/prometheus"`
}

type OpenTelemetryOptions struct {
	Enabled     bool   `env:"OTEL_ENABLED" envDefault:"false"`
	TempoURL    string `env:"OTEL_TEMPO_URL" envDefault:"localhost:4318"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"assoc-engine"`
}

// GuardOptions are the boot-time defaults for the storm guard. At runtime the
// guard settings can be overridden through the hot settings store without a
// redeploy.
type GuardOptions struct {
	MinInterval         time.Duration `env:"GUARD_MIN_INTERVAL" envDefault:"2m"`
	RecordTTL           time.Duration `env:"GUARD_RECORD_TTL" envDefault:"24h"`
	SampleRate          float64       `env:"GUARD_SAMPLE_RATE" envDefault:"1.0"`
	UrgencyFloor        int           `env:"GUARD_URGENCY_FLOOR" envDefault:"0"`
	DegradedMode        bool          `env:"GUARD_DEGRADED_MODE" envDefault:"false"`
	EmergencyMode       bool          `env:"GUARD_EMERGENCY_MODE" envDefault:"false"`
	EmergencyMultiplier float64       `env:"GUARD_EMERGENCY_MULTIPLIER" envDefault:"10"`
	DeniedActors        []string      `env:"GUARD_DENIED_ACTORS" envSeparator:"," envDefault:"meta_logging,self_update"`
	SampledTopics       []string      `env:"GUARD_SAMPLED_TOPICS" envSeparator:","`
	SettingsPollEvery   time.Duration `env:"GUARD_SETTINGS_POLL_INTERVAL" envDefault:"15s"`
	AliasScanCap        int           `env:"GUARD_ALIAS_SCAN_CAP" envDefault:"500"`
}

func (g *GuardOptions) Validate() error {
	if g.MinInterval < 0 {
		return fmt.Errorf("guard MinInterval must be non-negative, got %s", g.MinInterval)
	}
	if g.SampleRate < 0 || g.SampleRate > 1 {
		return fmt.Errorf("guard SampleRate must be within [0, 1], got %f", g.SampleRate)
	}
	if g.EmergencyMultiplier < 1 {
		return fmt.Errorf("guard EmergencyMultiplier must be >= 1, got %f", g.EmergencyMultiplier)
	}
	if g.AliasScanCap <= 0 {
		return fmt.Errorf("guard AliasScanCap must be positive, got %d", g.AliasScanCap)
	}
	return nil
}

type OutboxOptions struct {
	RelayEnabled         bool          `env:"OUTBOX_RELAY_ENABLED" envDefault:"true"`
	RelayPollInterval    time.Duration `env:"OUTBOX_RELAY_POLL_INTERVAL" envDefault:"1s"`
	RelayBatchSize       int           `env:"OUTBOX_RELAY_BATCH_SIZE" envDefault:"100"`
	RelayLockTTL         time.Duration `env:"OUTBOX_RELAY_LOCK_TTL" envDefault:"60s"`
	RelayMaxAttempts     int           `env:"OUTBOX_RELAY_MAX_ATTEMPTS" envDefault:"25"`
	RelaySingleActive    bool          `env:"OUTBOX_RELAY_SINGLE_ACTIVE" envDefault:"true"`
	RelayDispatchTimeout time.Duration `env:"OUTBOX_RELAY_DISPATCH_TIMEOUT" envDefault:"30s"`

	LastErrorMaxBytes int `env:"OUTBOX_LAST_ERROR_MAX_BYTES" envDefault:"2048"`

	CleanerEnabled   bool          `env:"OUTBOX_CLEANER_ENABLED" envDefault:"true"`
	CleanerInterval  time.Duration `env:"OUTBOX_CLEANER_INTERVAL" envDefault:"1m"`
	CleanerRetention time.Duration `env:"OUTBOX_CLEANER_RETENTION" envDefault:"168h"`
}

type ReconciliationOptions struct {
	BatchSize     int           `env:"RECONCILE_BATCH_SIZE" envDefault:"200"`
	SweepEnabled  bool          `env:"RECONCILE_SWEEP_ENABLED" envDefault:"false"`
	SweepInterval time.Duration `env:"RECONCILE_SWEEP_INTERVAL" envDefault:"6h"`
}

type Configuration struct {
	Database       DatabaseOptions
	Prometheus     PrometheusOptions
	OpenTelemetry  OpenTelemetryOptions
	Guard          GuardOptions
	Outbox         OutboxOptions
	Reconciliation ReconciliationOptions

	RedisURL         string        `env:"REDIS_URL" envDefault:"localhost:6379"`
	ServerPort       int           `env:"PORT" envDefault:"3200"`
	GoAppEnvironment string        `env:"GO_APP_ENV" envDefault:"development"`
	SocketAddress    string        `env:"-"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"error"`
	LogPath          string        `env:"LOG_PATH" envDefault:"./logs/app.log"`
	PropagateTimeout time.Duration `env:"PROPAGATE_TIMEOUT" envDefault:"30s"`

	logFile io.Closer
	logger  *logrus.Logger
}

func (c *Configuration) Logger() *logrus.Logger {
	return c.logger
}

func (c *Configuration) LogrusLogLevel() logrus.Level {
	switch c.LogLevel {
	case "silent":
		return logrus.PanicLevel
	case "error":
		return logrus.ErrorLevel
	case "warn":
		return logrus.WarnLevel
	case "info":
		return logrus.InfoLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.ErrorLevel
	}
}

func Use() *Configuration {
	return singleton()
}

func (c *Configuration) load(envFiles []string) error {
	n, err := LoadEnv(envFiles)
	if err != nil {
		return err
	}
	if n == 0 {
		wd, _ := os.Getwd()
		log.Println("No .env files found. Tried:")
		for _, file := range envFiles {
			log.Println(filepath.Join(wd, file))
		}
	}
	if err := env.Parse(c); err != nil {
		return err
	}

	if err := c.Guard.Validate(); err != nil {
		return fmt.Errorf("guard configuration error: %w", err)
	}

	f, logger, err := logging.FileLogger(c.LogrusLogLevel(), c.LogPath)
	if err != nil {
		return err
	}
	c.logFile = f
	c.logger = logger

	c.Database.Opts = c.Database.ConnectionString()
	if c.GoAppEnvironment == Production {
		c.SocketAddress = fmt.Sprintf(":%d", c.ServerPort)
	} else {
		c.SocketAddress = fmt.Sprintf("localhost:%d", c.ServerPort)
	}
	return nil
}

func (c *Configuration) Unload() {
	if c.logFile != nil {
		_ = c.logFile.Close()
	}
}
