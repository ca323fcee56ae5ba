package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBindAddr is the default UDP address the server listens on.
	DefaultBindAddr = ":43127"

	// DefaultMaxReqAttempts bounds how many times an outbound REQ is
	// retransmitted before the peer is considered unreachable.
	DefaultMaxReqAttempts = 23
	// DefaultBumpInterval controls how often the transport's retry clock
	// advances by one tick.
	DefaultBumpInterval = 100 * time.Millisecond
	// DefaultMaxSilentTicks bounds how many bumps may pass without any
	// datagram from a peer before its connection is torn down.
	DefaultMaxSilentTicks = 6
	// DefaultPingStart is the tick delay before the first liveness ping is
	// attempted against a silent peer.
	DefaultPingStart = 1000
	// DefaultPingInterval is the steady tick interval between liveness
	// pings once pinging has started.
	DefaultPingInterval = 500
	// DefaultMaxCachedResponses bounds how many already-answered request
	// sequence numbers a connection keeps cached responses for.
	DefaultMaxCachedResponses = 8

	// DefaultLinearTicksPerAttempt, DefaultLinearMaxTicks and
	// DefaultLinearStartDelay are the linear cooldown's cycle interval,
	// tick budget and start delay. They are loaded into ServerConfig but not
	// passed to the transport, whose linear (ping) cooldown is built from
	// PingStart and PingInterval alone.
	DefaultLinearTicksPerAttempt = 500
	DefaultLinearMaxTicks        = 5000
	DefaultLinearStartDelay      = 1000

	// DefaultBinExpNumer and DefaultBinExpDenom set the growth rate of the
	// per-request retransmission backoff.
	DefaultBinExpNumer = 11
	DefaultBinExpDenom = 16
	// DefaultBinExpMaxAttempts is loaded into ServerConfig but not passed
	// to the transport; its retransmission budget comes from MaxReqAttempts.
	DefaultBinExpMaxAttempts = 23

	// DefaultPersistIntervalHint is loaded into ServerConfig but not read
	// by the profile store or the server.
	DefaultPersistIntervalHint = 30 * time.Second
	// DefaultBackupCount bounds how many rotated persistence backups are
	// retained.
	DefaultBackupCount = 5

	// DefaultServerGroupPath mirrors the original implementation's default
	// membership file name.
	DefaultServerGroupPath = ".sisop2_server_addrs"

	// DefaultDataFile mirrors the original implementation's default
	// persisted-profile-store file name.
	DefaultDataFile = ".sisop2_server_data"

	// DefaultAuditFile is where the delivery-fanout audit trail is written.
	DefaultAuditFile = ".notifyfeed_server_audit"

	// DefaultAdminRateWindow and DefaultAdminRateBurst bound how many new
	// admin-dashboard websocket connections are accepted per window.
	DefaultAdminRateWindow = time.Minute
	DefaultAdminRateBurst  = 64

	// DefaultLogLevel controls verbosity for server logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "notifyfeed.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the notification server.
type Config struct {
	BindAddr string

	DataFile  string
	GroupFile string
	Group     string
	AuditFile string

	MaxReqAttempts     int
	BumpInterval       time.Duration
	MaxSilentTicks     uint64
	PingStart          uint64
	PingInterval       uint64
	MaxCachedResponses int

	LinearTicksPerAttempt uint64
	LinearMaxTicks        uint64
	LinearStartDelay      uint64
	BinExpNumer           uint64
	BinExpDenom           uint64
	BinExpMaxAttempts     uint64

	PersistIntervalHint time.Duration
	BackupCount         int

	AdminAddr       string
	AdminRateWindow time.Duration
	AdminRateBurst  int

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the server configuration from environment variables, applying
// sane defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		BindAddr: getString("NOTIFYFEED_BIND_ADDR", DefaultBindAddr),

		DataFile:  getString("SISOP2_SERVER_DATA_FILE", DefaultDataFile),
		GroupFile: getString("SISOP2_SERVER_GROUP_FILE", DefaultServerGroupPath),
		Group:     strings.TrimSpace(os.Getenv("SISOP2_SERVER_GROUP")),
		AuditFile: getString("NOTIFYFEED_AUDIT_FILE", DefaultAuditFile),

		MaxReqAttempts:     DefaultMaxReqAttempts,
		BumpInterval:       DefaultBumpInterval,
		MaxSilentTicks:     DefaultMaxSilentTicks,
		PingStart:          DefaultPingStart,
		PingInterval:       DefaultPingInterval,
		MaxCachedResponses: DefaultMaxCachedResponses,

		LinearTicksPerAttempt: DefaultLinearTicksPerAttempt,
		LinearMaxTicks:        DefaultLinearMaxTicks,
		LinearStartDelay:      DefaultLinearStartDelay,
		BinExpNumer:           DefaultBinExpNumer,
		BinExpDenom:           DefaultBinExpDenom,
		BinExpMaxAttempts:     DefaultBinExpMaxAttempts,

		PersistIntervalHint: DefaultPersistIntervalHint,
		BackupCount:         DefaultBackupCount,

		AdminAddr:       strings.TrimSpace(os.Getenv("NOTIFYFEED_ADMIN_ADDR")),
		AdminRateWindow: DefaultAdminRateWindow,
		AdminRateBurst:  DefaultAdminRateBurst,

		Logging: LoggingConfig{
			Level:      getString("NOTIFYFEED_LOG_LEVEL", DefaultLogLevel),
			Path:       getString("NOTIFYFEED_LOG_PATH", DefaultLogPath),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	parseIntEnv(&problems, "NOTIFYFEED_MAX_REQ_ATTEMPTS", true, func(v int) { cfg.MaxReqAttempts = v })
	parseDurationEnv(&problems, "NOTIFYFEED_BUMP_INTERVAL", func(v time.Duration) { cfg.BumpInterval = v })
	parseUint64Env(&problems, "NOTIFYFEED_MAX_SILENT_TICKS", func(v uint64) { cfg.MaxSilentTicks = v })
	parseUint64Env(&problems, "NOTIFYFEED_PING_START", func(v uint64) { cfg.PingStart = v })
	parseUint64Env(&problems, "NOTIFYFEED_PING_INTERVAL", func(v uint64) { cfg.PingInterval = v })
	parseIntEnv(&problems, "NOTIFYFEED_MAX_CACHED_RESPONSES", true, func(v int) { cfg.MaxCachedResponses = v })

	parseUint64Env(&problems, "NOTIFYFEED_LINEAR_TICKS_PER_ATTEMPT", func(v uint64) { cfg.LinearTicksPerAttempt = v })
	parseUint64Env(&problems, "NOTIFYFEED_LINEAR_MAX_TICKS", func(v uint64) { cfg.LinearMaxTicks = v })
	parseUint64Env(&problems, "NOTIFYFEED_LINEAR_START_DELAY", func(v uint64) { cfg.LinearStartDelay = v })
	parseUint64Env(&problems, "NOTIFYFEED_BINEXP_NUMER", func(v uint64) { cfg.BinExpNumer = v })
	parseUint64Env(&problems, "NOTIFYFEED_BINEXP_DENOM", func(v uint64) { cfg.BinExpDenom = v })
	parseUint64Env(&problems, "NOTIFYFEED_BINEXP_MAX_ATTEMPTS", func(v uint64) { cfg.BinExpMaxAttempts = v })

	parseDurationEnv(&problems, "NOTIFYFEED_PERSIST_INTERVAL_HINT", func(v time.Duration) { cfg.PersistIntervalHint = v })
	parseIntEnv(&problems, "NOTIFYFEED_BACKUP_COUNT", false, func(v int) { cfg.BackupCount = v })

	parseDurationEnv(&problems, "NOTIFYFEED_ADMIN_RATE_WINDOW", func(v time.Duration) { cfg.AdminRateWindow = v })
	parseIntEnv(&problems, "NOTIFYFEED_ADMIN_RATE_BURST", false, func(v int) { cfg.AdminRateBurst = v })

	parseIntEnv(&problems, "NOTIFYFEED_LOG_MAX_SIZE_MB", true, func(v int) { cfg.Logging.MaxSizeMB = v })
	parseIntEnv(&problems, "NOTIFYFEED_LOG_MAX_BACKUPS", false, func(v int) { cfg.Logging.MaxBackups = v })
	parseIntEnv(&problems, "NOTIFYFEED_LOG_MAX_AGE_DAYS", false, func(v int) { cfg.Logging.MaxAgeDays = v })

	if raw := strings.TrimSpace(os.Getenv("NOTIFYFEED_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("NOTIFYFEED_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if cfg.BinExpDenom == 0 {
		problems = append(problems, "NOTIFYFEED_BINEXP_DENOM must not be zero")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseIntEnv(problems *[]string, key string, mustBePositive bool, apply func(int)) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	bound := 0
	if err != nil || (mustBePositive && value <= bound) || (!mustBePositive && value < bound) {
		want := "non-negative"
		if mustBePositive {
			want = "positive"
		}
		*problems = append(*problems, fmt.Sprintf("%s must be a %s integer, got %q", key, want, raw))
		return
	}
	apply(value)
}

func parseUint64Env(problems *[]string, key string, apply func(uint64)) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		*problems = append(*problems, fmt.Sprintf("%s must be a non-negative integer, got %q", key, raw))
		return
	}
	apply(value)
}

func parseDurationEnv(problems *[]string, key string, apply func(time.Duration)) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	duration, err := time.ParseDuration(raw)
	if err != nil || duration <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
		return
	}
	apply(duration)
}
