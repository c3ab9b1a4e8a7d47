// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the configuration of one Acquire service process.
type Config struct {
	Environment Environment `yaml:"environment"`

	Service       ServiceConfig       `yaml:"service"`
	ObjectStore   ObjectStoreConfig   `yaml:"object_store"`
	Registry      RegistryConfig      `yaml:"registry"`
	Peers         PeersConfig         `yaml:"peers"`
	Identity      IdentityConfig      `yaml:"identity"`
	Authorisation AuthorisationConfig `yaml:"authorisation"`
	Accounting    AccountingConfig    `yaml:"accounting"`
	Compute       ComputeConfig       `yaml:"compute"`

	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides holds the per-environment replacements. Only non-empty
// fields are applied.
type Overrides struct {
	Service     *ServiceConfig     `yaml:"service,omitempty"`
	ObjectStore *ObjectStoreConfig `yaml:"object_store,omitempty"`
	Registry    *RegistryConfig    `yaml:"registry,omitempty"`
}

// ServiceConfig describes the service this process runs.
type ServiceConfig struct {
	// Role is one of registry, identity, accounting, storage, access,
	// compute.
	Role string `yaml:"role"`

	// CanonicalURL is the URL peers use to reach this service. It is
	// part of the service's signed identity.
	CanonicalURL string `yaml:"canonical_url"`

	// ListenAddress is the TCP address the HTTP front door binds.
	ListenAddress string `yaml:"listen_address"`

	// KeyUpdateInterval is how often keys rotate. Default: 168h.
	KeyUpdateInterval string `yaml:"key_update_interval"`

	// StateDir holds local files (the sqlite database when the sqlite
	// driver is selected).
	StateDir string `yaml:"state_dir"`

	// Workers bounds concurrently executing RPC handlers.
	Workers int `yaml:"workers"`
}

// ObjectStoreConfig selects and configures the storage driver.
type ObjectStoreConfig struct {
	// Driver is memory, sqlite or redis.
	Driver string `yaml:"driver"`

	// UniqueSuffix prefixes every bucket name so several deployments
	// can share one backend.
	UniqueSuffix string `yaml:"unique_suffix"`

	// SQLitePath is the database file for the sqlite driver.
	SQLitePath string `yaml:"sqlite_path"`

	// RedisAddress and RedisDB configure the redis driver.
	RedisAddress string `yaml:"redis_address"`
	RedisDB      int    `yaml:"redis_db"`

	// MutexTimeout and MutexLease configure object store mutexes.
	MutexTimeout string `yaml:"mutex_timeout"`
	MutexLease   string `yaml:"mutex_lease"`
}

// RegistryConfig locates the registry service.
type RegistryConfig struct {
	URL string `yaml:"url"`

	// Fingerprint pins the registry's signing certificate. Empty means
	// trust on first use.
	Fingerprint string `yaml:"fingerprint"`
}

// PeersConfig configures outgoing RPC.
type PeersConfig struct {
	// CallTimeout is the per-call deadline. Default: 15s.
	CallTimeout string `yaml:"call_timeout"`
}

// IdentityConfig configures the identity service.
type IdentityConfig struct {
	// OTPReplayWindow is how long a used OTP code is remembered.
	// Default: 240s.
	OTPReplayWindow string `yaml:"otp_replay_window"`

	// LoginURL is returned to clients from request_login.
	LoginURL string `yaml:"login_url"`
}

// AuthorisationConfig configures authorisation checking.
type AuthorisationConfig struct {
	// Refresh is how long a validated authorisation is trusted without
	// re-checking its session. Default: 1h.
	Refresh string `yaml:"refresh"`

	// Staleness is the maximum authorisation age. Default: 2h.
	Staleness string `yaml:"staleness"`
}

// AccountingConfig configures the accounting service.
type AccountingConfig struct {
	// AllowDeposits enables the deposit function.
	AllowDeposits bool `yaml:"allow_deposits"`

	// BankOverdraft is the overdraft of the service bank account.
	BankOverdraft string `yaml:"bank_overdraft"`
}

// ComputeConfig configures the access service and cluster daemon.
type ComputeConfig struct {
	// JobPrice is the flat price charged per job.
	JobPrice string `yaml:"job_price"`

	// AccessURL is the access service the cluster daemon polls.
	AccessURL string `yaml:"access_url"`

	// PollInterval is how often the daemon polls. Default: 10s.
	PollInterval string `yaml:"poll_interval"`

	// SecretFile holds the cluster's shared secret.
	SecretFile string `yaml:"secret_file"`
}

// Default returns the configuration every loaded file is merged over.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	stateDir := filepath.Join(homeDir, ".local", "state", "acquire")

	return &Config{
		Environment: Development,
		Service: ServiceConfig{
			ListenAddress:     ":8080",
			KeyUpdateInterval: "168h",
			StateDir:          stateDir,
			Workers:           32,
		},
		ObjectStore: ObjectStoreConfig{
			Driver:       "memory",
			UniqueSuffix: "acquire",
			SQLitePath:   "${ACQUIRE_STATE:-" + stateDir + "}/objects.db",
			RedisAddress: "localhost:6379",
			MutexTimeout: "10s",
			MutexLease:   "10s",
		},
		Peers: PeersConfig{
			CallTimeout: "15s",
		},
		Identity: IdentityConfig{
			OTPReplayWindow: "240s",
		},
		Authorisation: AuthorisationConfig{
			Refresh:   "1h",
			Staleness: "2h",
		},
		Accounting: AccountingConfig{
			BankOverdraft: "1000000",
		},
		Compute: ComputeConfig{
			JobPrice:     "10",
			PollInterval: "10s",
		},
	}
}

// Load loads the file named by ACQUIRE_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv("ACQUIRE_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("ACQUIRE_CONFIG environment variable not set; " +
			"set it to the path of your acquire.yaml config file, or use --config flag")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path over Default, applies the
// environment section and expands variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.parse(path, data); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) parse(path string, data []byte) error {
	if strings.HasSuffix(path, ".jsonc") {
		// JSON is a subset of YAML, so the stripped document decodes
		// through the same struct tags.
		data = jsonc.ToJSON(data)
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if s := overrides.Service; s != nil {
		setIfNotEmpty(&c.Service.Role, s.Role)
		setIfNotEmpty(&c.Service.CanonicalURL, s.CanonicalURL)
		setIfNotEmpty(&c.Service.ListenAddress, s.ListenAddress)
		setIfNotEmpty(&c.Service.KeyUpdateInterval, s.KeyUpdateInterval)
		setIfNotEmpty(&c.Service.StateDir, s.StateDir)
		if s.Workers > 0 {
			c.Service.Workers = s.Workers
		}
	}
	if o := overrides.ObjectStore; o != nil {
		setIfNotEmpty(&c.ObjectStore.Driver, o.Driver)
		setIfNotEmpty(&c.ObjectStore.UniqueSuffix, o.UniqueSuffix)
		setIfNotEmpty(&c.ObjectStore.SQLitePath, o.SQLitePath)
		setIfNotEmpty(&c.ObjectStore.RedisAddress, o.RedisAddress)
		setIfNotEmpty(&c.ObjectStore.MutexTimeout, o.MutexTimeout)
		setIfNotEmpty(&c.ObjectStore.MutexLease, o.MutexLease)
		if o.RedisDB != 0 {
			c.ObjectStore.RedisDB = o.RedisDB
		}
	}
	if r := overrides.Registry; r != nil {
		setIfNotEmpty(&c.Registry.URL, r.URL)
		setIfNotEmpty(&c.Registry.Fingerprint, r.Fingerprint)
	}
}

func setIfNotEmpty(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"ACQUIRE_STATE": c.Service.StateDir,
		"HOME":          os.Getenv("HOME"),
	}
	c.Service.StateDir = expandVars(c.Service.StateDir, vars)
	vars["ACQUIRE_STATE"] = c.Service.StateDir

	c.ObjectStore.SQLitePath = expandVars(c.ObjectStore.SQLitePath, vars)
	c.Compute.SecretFile = expandVars(c.Compute.SecretFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}, preferring vars over
// the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, fallback := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}

var roles = []string{"registry", "identity", "accounting", "storage", "access", "compute"}

var drivers = []string{"memory", "sqlite", "redis"}

// Validate reports every configuration error at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case Development, Staging, Production:
	default:
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if !contains(roles, c.Service.Role) {
		errs = append(errs, fmt.Errorf("service.role must be one of: %v", roles))
	}
	if c.Service.Role != "compute" && c.Service.CanonicalURL == "" {
		errs = append(errs, errors.New("service.canonical_url is required"))
	}
	if c.Service.Role != "registry" && c.Registry.URL == "" {
		errs = append(errs, errors.New("registry.url is required"))
	}
	if c.Service.Role == "compute" && (c.Compute.AccessURL == "" || c.Compute.SecretFile == "") {
		errs = append(errs, errors.New("compute.access_url and compute.secret_file are required for the compute role"))
	}
	if !contains(drivers, c.ObjectStore.Driver) {
		errs = append(errs, fmt.Errorf("object_store.driver must be one of: %v", drivers))
	}
	if c.ObjectStore.Driver == "sqlite" && c.ObjectStore.SQLitePath == "" {
		errs = append(errs, errors.New("object_store.sqlite_path is required for the sqlite driver"))
	}

	durations := map[string]string{
		"service.key_update_interval": c.Service.KeyUpdateInterval,
		"object_store.mutex_timeout":  c.ObjectStore.MutexTimeout,
		"object_store.mutex_lease":    c.ObjectStore.MutexLease,
		"peers.call_timeout":          c.Peers.CallTimeout,
		"identity.otp_replay_window":  c.Identity.OTPReplayWindow,
		"authorisation.refresh":       c.Authorisation.Refresh,
		"authorisation.staleness":     c.Authorisation.Staleness,
		"compute.poll_interval":       c.Compute.PollInterval,
	}
	for _, name := range slices.Sorted(maps.Keys(durations)) {
		if _, err := time.ParseDuration(durations[name]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}

// Duration parses a duration field already checked by Validate. An
// unparseable value yields fallback.
func Duration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
