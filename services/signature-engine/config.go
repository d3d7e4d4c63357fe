package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/swarmguard/swarm/services/signature-engine/wumanber"
)

// Config is the signature engine runtime configuration, read from the environment.
type Config struct {
	ListenAddr      string
	RuleDir         string
	ReloadInterval  time.Duration // 0 disables polling
	BlockSize       int           // 0 = automatic
	MaxBodyBytes    int64
	ScanBytesPerSec int64 // 0 = unlimited
	RuleStorePath   string
	RuleStoreKeep   int
	FindingsDir     string
	FindingsTTL     time.Duration
	NATSURL         string
	MatchSubject    string
}

func getenvFrom(getenv func(string) string, k, def string) string {
	if v := getenv(k); v != "" {
		return v
	}
	return def
}

// loadConfig reads the configuration through getenv. All invalid values are
// reported together.
func loadConfig(getenv func(string) string) (Config, error) {
	cfg := Config{
		ListenAddr:    getenvFrom(getenv, "SIGNATURE_LISTEN_ADDR", ":8080"),
		RuleDir:       getenvFrom(getenv, "SIGNATURE_RULE_DIR", "./rules"),
		RuleStorePath: getenv("SIGNATURE_RULESTORE_PATH"),
		FindingsDir:   getenv("SIGNATURE_FINDINGS_DIR"),
		NATSURL:       getenv("SWARM_NATS_URL"),
		MatchSubject:  getenvFrom(getenv, "SIGNATURE_MATCH_SUBJECT", "swarm.signature.match"),
	}

	var errs []error
	duration := func(k, def string) time.Duration {
		d, err := time.ParseDuration(getenvFrom(getenv, k, def))
		if err != nil || d < 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", k, getenv(k)))
		}
		return d
	}
	integer := func(k, def string) int64 {
		n, err := strconv.ParseInt(getenvFrom(getenv, k, def), 10, 64)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("%s: invalid value %q", k, getenv(k)))
		}
		return n
	}

	cfg.ReloadInterval = duration("SIGNATURE_RELOAD_INTERVAL", "3s")
	cfg.FindingsTTL = duration("SIGNATURE_FINDINGS_TTL", "24h")
	cfg.BlockSize = int(integer("SIGNATURE_BLOCK_SIZE", "0"))
	cfg.MaxBodyBytes = integer("SIGNATURE_MAX_BODY_BYTES", strconv.Itoa(16<<20))
	cfg.ScanBytesPerSec = integer("SIGNATURE_SCAN_BYTES_PER_SEC", "0")
	cfg.RuleStoreKeep = int(integer("SIGNATURE_RULESTORE_KEEP", "10"))

	if cfg.BlockSize > wumanber.MaxBlockSize {
		errs = append(errs, fmt.Errorf("SIGNATURE_BLOCK_SIZE: must be between 0 and %d", wumanber.MaxBlockSize))
	}
	if cfg.MaxBodyBytes == 0 {
		errs = append(errs, errors.New("SIGNATURE_MAX_BODY_BYTES: must be positive"))
	}
	return cfg, errors.Join(errs...)
}

// buildOptions translates the config into table build options.
func (c Config) buildOptions() []wumanber.Option {
	if c.BlockSize == 0 {
		return nil
	}
	return []wumanber.Option{wumanber.WithBlockSize(c.BlockSize)}
}
