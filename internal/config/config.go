package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":3001"`
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/webterm.db"`
	LogPath      string `envconfig:"LOG_PATH" default:""`

	// Remote connection settings
	ConnectTimeout string `envconfig:"CONNECT_TIMEOUT" default:"10s"`
	ReceiveTimeout string `envconfig:"RECEIVE_TIMEOUT" default:"100ms"`
	PollInterval   string `envconfig:"POLL_INTERVAL" default:"10ms"`
	UploadDir      string `envconfig:"UPLOAD_DIR" default:"/tmp"`

	// Host key policy: trust, verify or pin
	HostKeyPolicy  string   `envconfig:"HOST_KEY_POLICY" default:"trust"`
	KnownHostsPath string   `envconfig:"KNOWN_HOSTS_PATH" default:""`
	PinnedHostKeys []string `envconfig:"PINNED_HOST_KEYS" default:""`

	// Terminal session settings
	RecordingEnabled    bool `envconfig:"RECORDING_ENABLED" default:"false"`
	RecordingMaxEntries int  `envconfig:"RECORDING_MAX_ENTRIES" default:"10000"`

	// Audit settings
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
	AuditPurgeSchedule string `envconfig:"AUDIT_PURGE_SCHEDULE" default:"@daily"`

	// WebSocket gateway settings. Without AllowedOrigins only same-origin
	// pages may connect unless AllowAnyOrigin is set.
	WSReadLimit    int64    `envconfig:"WS_READ_LIMIT" default:"67108864"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:""`
	AllowAnyOrigin bool     `envconfig:"ALLOW_ANY_ORIGIN" default:"false"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("WEBTERM", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// Timeouts holds the parsed duration settings used by the terminal manager.
type Timeouts struct {
	Connect time.Duration
	Receive time.Duration
	Poll    time.Duration
}

// Timeouts parses the duration settings, falling back to defaults for
// values that are empty, malformed or non-positive.
func (s Settings) Timeouts() Timeouts {
	return Timeouts{
		Connect: parseDuration(s.ConnectTimeout, 10*time.Second),
		Receive: parseDuration(s.ReceiveTimeout, 100*time.Millisecond),
		Poll:    parseDuration(s.PollInterval, 10*time.Millisecond),
	}
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		if v != "" {
			log.Printf("Invalid duration %q, using %s", v, fallback)
		}
		return fallback
	}
	return d
}
