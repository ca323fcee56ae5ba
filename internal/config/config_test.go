package config

import (
	"strings"
	"testing"
	"time"
)

func clearAllEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"NOTIFYFEED_BIND_ADDR",
		"SISOP2_SERVER_DATA_FILE",
		"SISOP2_SERVER_GROUP_FILE",
		"SISOP2_SERVER_GROUP",
		"NOTIFYFEED_AUDIT_FILE",
		"NOTIFYFEED_MAX_REQ_ATTEMPTS",
		"NOTIFYFEED_BUMP_INTERVAL",
		"NOTIFYFEED_MAX_SILENT_TICKS",
		"NOTIFYFEED_PING_START",
		"NOTIFYFEED_PING_INTERVAL",
		"NOTIFYFEED_MAX_CACHED_RESPONSES",
		"NOTIFYFEED_LINEAR_TICKS_PER_ATTEMPT",
		"NOTIFYFEED_LINEAR_MAX_TICKS",
		"NOTIFYFEED_LINEAR_START_DELAY",
		"NOTIFYFEED_BINEXP_NUMER",
		"NOTIFYFEED_BINEXP_DENOM",
		"NOTIFYFEED_BINEXP_MAX_ATTEMPTS",
		"NOTIFYFEED_PERSIST_INTERVAL_HINT",
		"NOTIFYFEED_BACKUP_COUNT",
		"NOTIFYFEED_ADMIN_ADDR",
		"NOTIFYFEED_ADMIN_RATE_WINDOW",
		"NOTIFYFEED_ADMIN_RATE_BURST",
		"NOTIFYFEED_LOG_LEVEL",
		"NOTIFYFEED_LOG_PATH",
		"NOTIFYFEED_LOG_MAX_SIZE_MB",
		"NOTIFYFEED_LOG_MAX_BACKUPS",
		"NOTIFYFEED_LOG_MAX_AGE_DAYS",
		"NOTIFYFEED_LOG_COMPRESS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearAllEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.BindAddr != DefaultBindAddr {
		t.Fatalf("expected default bind addr %q, got %q", DefaultBindAddr, cfg.BindAddr)
	}
	if cfg.DataFile != DefaultDataFile {
		t.Fatalf("expected default data file %q, got %q", DefaultDataFile, cfg.DataFile)
	}
	if cfg.AuditFile != DefaultAuditFile {
		t.Fatalf("expected default audit file %q, got %q", DefaultAuditFile, cfg.AuditFile)
	}
	if cfg.GroupFile != DefaultServerGroupPath {
		t.Fatalf("expected default group file %q, got %q", DefaultServerGroupPath, cfg.GroupFile)
	}
	if cfg.MaxReqAttempts != DefaultMaxReqAttempts {
		t.Fatalf("expected default max req attempts %d, got %d", DefaultMaxReqAttempts, cfg.MaxReqAttempts)
	}
	if cfg.BumpInterval != DefaultBumpInterval {
		t.Fatalf("expected default bump interval %v, got %v", DefaultBumpInterval, cfg.BumpInterval)
	}
	if cfg.MaxSilentTicks != DefaultMaxSilentTicks {
		t.Fatalf("expected default max silent ticks %d, got %d", DefaultMaxSilentTicks, cfg.MaxSilentTicks)
	}
	if cfg.LinearTicksPerAttempt != DefaultLinearTicksPerAttempt {
		t.Fatalf("expected default linear ticks per attempt %d, got %d", DefaultLinearTicksPerAttempt, cfg.LinearTicksPerAttempt)
	}
	if cfg.BinExpNumer != DefaultBinExpNumer || cfg.BinExpDenom != DefaultBinExpDenom {
		t.Fatalf("expected default binexp ratio %d/%d, got %d/%d", DefaultBinExpNumer, DefaultBinExpDenom, cfg.BinExpNumer, cfg.BinExpDenom)
	}
	if cfg.BackupCount != DefaultBackupCount {
		t.Fatalf("expected default backup count %d, got %d", DefaultBackupCount, cfg.BackupCount)
	}
	if cfg.AdminAddr != "" {
		t.Fatalf("expected admin addr disabled by default, got %q", cfg.AdminAddr)
	}
	if cfg.AdminRateWindow != DefaultAdminRateWindow {
		t.Fatalf("expected default admin rate window %v, got %v", DefaultAdminRateWindow, cfg.AdminRateWindow)
	}
	if cfg.AdminRateBurst != DefaultAdminRateBurst {
		t.Fatalf("expected default admin rate burst %d, got %d", DefaultAdminRateBurst, cfg.AdminRateBurst)
	}
	if cfg.Logging.Level != DefaultLogLevel {
		t.Fatalf("expected default log level %q, got %q", DefaultLogLevel, cfg.Logging.Level)
	}
	if cfg.Logging.Path != DefaultLogPath {
		t.Fatalf("expected default log path %q, got %q", DefaultLogPath, cfg.Logging.Path)
	}
	if cfg.Logging.Compress != DefaultLogCompress {
		t.Fatalf("expected default log compress %t, got %t", DefaultLogCompress, cfg.Logging.Compress)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearAllEnv(t)

	t.Setenv("NOTIFYFEED_BIND_ADDR", "127.0.0.1:9000")
	t.Setenv("SISOP2_SERVER_DATA_FILE", "/tmp/data.txt")
	t.Setenv("SISOP2_SERVER_GROUP_FILE", "/tmp/group.txt")
	t.Setenv("SISOP2_SERVER_GROUP", "0")
	t.Setenv("NOTIFYFEED_AUDIT_FILE", "/tmp/audit.bin")
	t.Setenv("NOTIFYFEED_MAX_REQ_ATTEMPTS", "5")
	t.Setenv("NOTIFYFEED_BUMP_INTERVAL", "50ms")
	t.Setenv("NOTIFYFEED_MAX_SILENT_TICKS", "9")
	t.Setenv("NOTIFYFEED_PING_START", "2000")
	t.Setenv("NOTIFYFEED_PING_INTERVAL", "750")
	t.Setenv("NOTIFYFEED_MAX_CACHED_RESPONSES", "16")
	t.Setenv("NOTIFYFEED_LINEAR_TICKS_PER_ATTEMPT", "100")
	t.Setenv("NOTIFYFEED_LINEAR_MAX_TICKS", "1000")
	t.Setenv("NOTIFYFEED_LINEAR_START_DELAY", "200")
	t.Setenv("NOTIFYFEED_BINEXP_NUMER", "1")
	t.Setenv("NOTIFYFEED_BINEXP_DENOM", "2")
	t.Setenv("NOTIFYFEED_BINEXP_MAX_ATTEMPTS", "10")
	t.Setenv("NOTIFYFEED_PERSIST_INTERVAL_HINT", "10s")
	t.Setenv("NOTIFYFEED_BACKUP_COUNT", "3")
	t.Setenv("NOTIFYFEED_ADMIN_ADDR", ":8090")
	t.Setenv("NOTIFYFEED_ADMIN_RATE_WINDOW", "30s")
	t.Setenv("NOTIFYFEED_ADMIN_RATE_BURST", "8")
	t.Setenv("NOTIFYFEED_LOG_LEVEL", "debug")
	t.Setenv("NOTIFYFEED_LOG_PATH", "/var/log/notifyfeed.log")
	t.Setenv("NOTIFYFEED_LOG_MAX_SIZE_MB", "512")
	t.Setenv("NOTIFYFEED_LOG_MAX_BACKUPS", "4")
	t.Setenv("NOTIFYFEED_LOG_MAX_AGE_DAYS", "2")
	t.Setenv("NOTIFYFEED_LOG_COMPRESS", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.BindAddr != "127.0.0.1:9000" {
		t.Fatalf("unexpected bind addr: %q", cfg.BindAddr)
	}
	if cfg.DataFile != "/tmp/data.txt" {
		t.Fatalf("unexpected data file: %q", cfg.DataFile)
	}
	if cfg.GroupFile != "/tmp/group.txt" {
		t.Fatalf("unexpected group file: %q", cfg.GroupFile)
	}
	if cfg.Group != "0" {
		t.Fatalf("unexpected group: %q", cfg.Group)
	}
	if cfg.AuditFile != "/tmp/audit.bin" {
		t.Fatalf("unexpected audit file: %q", cfg.AuditFile)
	}
	if cfg.MaxReqAttempts != 5 {
		t.Fatalf("expected max req attempts 5, got %d", cfg.MaxReqAttempts)
	}
	if cfg.BumpInterval.String() != "50ms" {
		t.Fatalf("expected bump interval 50ms, got %v", cfg.BumpInterval)
	}
	if cfg.MaxSilentTicks != 9 {
		t.Fatalf("expected max silent ticks 9, got %d", cfg.MaxSilentTicks)
	}
	if cfg.PingStart != 2000 || cfg.PingInterval != 750 {
		t.Fatalf("unexpected ping tuning start=%d interval=%d", cfg.PingStart, cfg.PingInterval)
	}
	if cfg.MaxCachedResponses != 16 {
		t.Fatalf("expected max cached responses 16, got %d", cfg.MaxCachedResponses)
	}
	if cfg.LinearTicksPerAttempt != 100 || cfg.LinearMaxTicks != 1000 || cfg.LinearStartDelay != 200 {
		t.Fatalf("unexpected linear cooldown tuning: %+v", cfg)
	}
	if cfg.BinExpNumer != 1 || cfg.BinExpDenom != 2 || cfg.BinExpMaxAttempts != 10 {
		t.Fatalf("unexpected binexp cooldown tuning: %+v", cfg)
	}
	if cfg.PersistIntervalHint != 10*time.Second {
		t.Fatalf("expected persist interval hint 10s, got %v", cfg.PersistIntervalHint)
	}
	if cfg.BackupCount != 3 {
		t.Fatalf("expected backup count 3, got %d", cfg.BackupCount)
	}
	if cfg.AdminAddr != ":8090" {
		t.Fatalf("unexpected admin addr: %q", cfg.AdminAddr)
	}
	if cfg.AdminRateWindow != 30*time.Second {
		t.Fatalf("expected admin rate window 30s, got %v", cfg.AdminRateWindow)
	}
	if cfg.AdminRateBurst != 8 {
		t.Fatalf("expected admin rate burst 8, got %d", cfg.AdminRateBurst)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected overridden log level debug, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Path != "/var/log/notifyfeed.log" {
		t.Fatalf("unexpected log path %q", cfg.Logging.Path)
	}
	if cfg.Logging.MaxSizeMB != 512 {
		t.Fatalf("expected log max size 512, got %d", cfg.Logging.MaxSizeMB)
	}
	if cfg.Logging.MaxBackups != 4 {
		t.Fatalf("expected log max backups 4, got %d", cfg.Logging.MaxBackups)
	}
	if cfg.Logging.MaxAgeDays != 2 {
		t.Fatalf("expected log max age 2, got %d", cfg.Logging.MaxAgeDays)
	}
	if cfg.Logging.Compress {
		t.Fatalf("expected log compression disabled")
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	clearAllEnv(t)

	t.Setenv("NOTIFYFEED_MAX_REQ_ATTEMPTS", "-5")
	t.Setenv("NOTIFYFEED_BUMP_INTERVAL", "abc")
	t.Setenv("NOTIFYFEED_MAX_CACHED_RESPONSES", "-1")
	t.Setenv("NOTIFYFEED_LOG_MAX_SIZE_MB", "-1")
	t.Setenv("NOTIFYFEED_LOG_MAX_BACKUPS", "-2")
	t.Setenv("NOTIFYFEED_LOG_MAX_AGE_DAYS", "-3")
	t.Setenv("NOTIFYFEED_LOG_COMPRESS", "notabool")
	t.Setenv("NOTIFYFEED_BINEXP_DENOM", "0")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error from invalid configuration, got nil")
	}

	for _, want := range []string{
		"NOTIFYFEED_MAX_REQ_ATTEMPTS",
		"NOTIFYFEED_BUMP_INTERVAL",
		"NOTIFYFEED_MAX_CACHED_RESPONSES",
		"NOTIFYFEED_LOG_MAX_SIZE_MB",
		"NOTIFYFEED_LOG_MAX_BACKUPS",
		"NOTIFYFEED_LOG_MAX_AGE_DAYS",
		"NOTIFYFEED_LOG_COMPRESS",
		"NOTIFYFEED_BINEXP_DENOM",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %q", want, err.Error())
		}
	}
}

func TestLoadAllowsZeroBackupCount(t *testing.T) {
	clearAllEnv(t)
	t.Setenv("NOTIFYFEED_BACKUP_COUNT", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.BackupCount != 0 {
		t.Fatalf("expected zero to disable backup retention, got %d", cfg.BackupCount)
	}
}
