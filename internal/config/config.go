package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath    string `envconfig:"DATA_PATH" default:"/var/lib/vmfleet"`
	DatabaseURL string `envconfig:"DATABASE_URL" default:"/var/lib/vmfleet/fleet.db"`
	LogPath     string `envconfig:"LOG_PATH" default:""`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8000"`

	// Provisioning backend
	ProvisionBackend string        `envconfig:"PROVISION_BACKEND" default:"auto"`
	DockerHost       string        `envconfig:"DOCKER_HOST" default:""`
	ImageCatalog     string        `envconfig:"IMAGE_CATALOG" default:""`
	BackendTimeout   time.Duration `envconfig:"BACKEND_TIMEOUT" default:"5m"`

	// Quota
	DefaultCredits  int `envconfig:"DEFAULT_CREDITS" default:"100"`
	CreditsPerGBRAM int `envconfig:"CREDITS_PER_GB_RAM" default:"10"`
	CreditsPerCore  int `envconfig:"CREDITS_PER_CORE" default:"5"`
	CreditsPerDisk  int `envconfig:"CREDITS_PER_DISK_UNIT" default:"1"`
	DiskUnitGB      int `envconfig:"DISK_UNIT_GB" default:"10"`
	MaxAdjustment   int `envconfig:"MAX_CREDIT_ADJUSTMENT" default:"10000"`

	// Terminal session settings
	TerminalBasePort    int           `envconfig:"TERMINAL_BASE_PORT" default:"7681"`
	TerminalPortSpan    int           `envconfig:"TERMINAL_PORT_SPAN" default:"1000"`
	TerminalIdleTimeout time.Duration `envconfig:"TERMINAL_SESSION_TIMEOUT" default:"30m"`
	TerminalGracePeriod time.Duration `envconfig:"TERMINAL_GRACE_PERIOD" default:"5s"`
	TerminalBridge      string        `envconfig:"TERMINAL_BRIDGE" default:"ttyd"`

	// Security correlation
	BruteForceWindow    time.Duration `envconfig:"BRUTE_FORCE_WINDOW" default:"10m"`
	BruteForceThreshold int           `envconfig:"BRUTE_FORCE_THRESHOLD" default:"5"`
	AttemptLogPath      string        `envconfig:"ATTEMPT_LOG_PATH" default:""`
	EventRetentionDays  int           `envconfig:"EVENT_RETENTION_DAYS" default:"90"`

	// Background jobs
	SweepSchedule string `envconfig:"SWEEP_SCHEDULE" default:"@every 1m"`
	PurgeSchedule string `envconfig:"PURGE_SCHEDULE" default:"@daily"`

	// Optional integrations
	NATSURL        string `envconfig:"NATS_URL" default:""`
	TracingEnabled bool   `envconfig:"TRACING_ENABLED" default:"false"`
}

// Load reads FLEET_* environment variables into Settings.
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process("FLEET", &s); err != nil {
		return Settings{}, fmt.Errorf("load config: %w", err)
	}
	if s.TerminalPortSpan <= 0 {
		return Settings{}, fmt.Errorf("load config: FLEET_TERMINAL_PORT_SPAN must be positive, got %d", s.TerminalPortSpan)
	}
	if s.DiskUnitGB <= 0 {
		return Settings{}, fmt.Errorf("load config: FLEET_DISK_UNIT_GB must be positive, got %d", s.DiskUnitGB)
	}
	return s, nil
}

// AttemptLogDir returns where the durable auth-attempt log lives.
func (s Settings) AttemptLogDir() string {
	if s.AttemptLogPath != "" {
		return s.AttemptLogPath
	}
	return s.DataPath + "/attempts"
}

// LogFile returns the log file path, defaulting under DataPath.
func (s Settings) LogFile() string {
	if s.LogPath != "" {
		return s.LogPath
	}
	return s.DataPath + "/vmfleet.log"
}
