// Package config holds the CLI-relevant configuration surface from
// spec.md §6: the flags core components are actually constructed from,
// expressed as plain structs built via functional options, the same
// `walOpt`-style pattern the teacher uses for its own WAL constructor
// options (see walhook.Option, snapshot.Option, etc., all modeled on it).
package config

import (
	"net/url"
	"time"

	"github.com/tursodatabase/libsql-sub009/libsqlerr"
)

// Config is the core-relevant configuration surface (spec.md §6): CLI
// flags beyond these are out of scope.
type Config struct {
	DBPath            string
	PrimaryURL        string
	MaxSegmentFrames  uint64
	MaxSegmentAge     time.Duration
	SnapshotThreshold int
	BackupConfig      BackupConfig
}

// BackupConfig configures the backup scheduler and storage backend; it is
// parsed from the --backup-config flag's referenced file/value in a real
// deployment, modeled here as a plain struct so tests can build one
// directly.
type BackupConfig struct {
	Namespace   string
	Backend     string // "filesystem" or "s3"
	Root        string // Filesystem root, or S3 bucket
	S3Endpoint  string
	S3Prefix    string
	SweepCron   string
	RetryBase   time.Duration
	RetryMax    time.Duration
}

// Option configures a Config at New time.
type Option func(*Config)

func WithDBPath(p string) Option                 { return func(c *Config) { c.DBPath = p } }
func WithPrimaryURL(u string) Option              { return func(c *Config) { c.PrimaryURL = u } }
func WithMaxSegmentFrames(n uint64) Option        { return func(c *Config) { c.MaxSegmentFrames = n } }
func WithMaxSegmentAge(d time.Duration) Option    { return func(c *Config) { c.MaxSegmentAge = d } }
func WithSnapshotThreshold(n int) Option          { return func(c *Config) { c.SnapshotThreshold = n } }
func WithBackupConfig(b BackupConfig) Option      { return func(c *Config) { c.BackupConfig = b } }

// defaults mirror the teacher's constructor defaults (sane non-zero
// values so a bare `New()` is still usable in tests).
func defaults() Config {
	return Config{
		MaxSegmentFrames:  65536,
		MaxSegmentAge:     time.Hour,
		SnapshotThreshold: 8,
		BackupConfig: BackupConfig{
			SweepCron: "@every 1m",
			RetryBase: time.Second,
			RetryMax:  5 * time.Minute,
		},
	}
}

// New builds a Config from defaults plus opts, then validates it
// (spec.md §7 ConfigError: "invalid paths, incompatible page size, bad
// URL. Surface to caller; do not start.").
func New(opts ...Option) (Config, error) {
	c := defaults()
	for _, opt := range opts {
		opt(&c)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the fields an operator is expected to supply: DBPath
// must be set, PrimaryURL (if set, i.e. this is a replica) must parse, and
// the backup backend must be one this module implements.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return libsqlerr.New(libsqlerr.KindConfig, "db-path is required")
	}
	if c.PrimaryURL != "" {
		if _, err := url.Parse(c.PrimaryURL); err != nil {
			return libsqlerr.Wrap(libsqlerr.KindConfig, "invalid primary-url", err)
		}
	}
	switch c.BackupConfig.Backend {
	case "", "filesystem", "s3":
	default:
		return libsqlerr.New(libsqlerr.KindConfig, "backup-config backend must be filesystem or s3")
	}
	if c.BackupConfig.Backend != "" && c.BackupConfig.Root == "" {
		return libsqlerr.New(libsqlerr.KindConfig, "backup-config requires a root (filesystem path or s3 bucket)")
	}
	return nil
}

// IsReplica reports whether this config describes a replica (has a
// primary to connect to) rather than the primary itself.
func (c Config) IsReplica() bool { return c.PrimaryURL != "" }
