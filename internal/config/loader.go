package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Identity names the application for config discovery and env mapping.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity of the gsadash binary.
var DefaultIdentity = Identity{
	BinaryName: "gsadash",
	EnvPrefix:  "GSADASH",
	ConfigName: "gsadash",
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
	configFile  string
)

// EnvSpec maps an environment variable onto a config key. Fallbacks are
// consulted, in order, when Name is unset.
type EnvSpec struct {
	Name      string
	Path      string
	Fallbacks []string
}

// SetConfigFile pins an explicit config file for subsequent loads.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// Load resolves configuration from defaults, the config file, environment
// variables and runtime overrides, in increasing precedence.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}
	explicit := configFile
	configMu.Unlock()

	v := viper.New()
	SetDefaults(v)

	if err := readConfigFile(v, explicit); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(identity().EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		names := append([]string{spec.Name}, spec.Fallbacks...)
		if err := v.BindEnv(append([]string{spec.Path}, names...)...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Jobs.Dir == "" {
		cfg.Jobs.Dir = filepath.Join(dataDir(), "jobs")
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.cors_origins", []string{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("jobs.backend", "")
	v.SetDefault("jobs.dir", "")
	v.SetDefault("jobs.redis_url", "")
	v.SetDefault("jobs.redis_prefix", "gsadash")
	v.SetDefault("jobs.progress_every", 1)
	v.SetDefault("jobs.poll_interval", "250ms")
	v.SetDefault("jobs.rate_limit", 0)

	v.SetDefault("results.path", "")
	v.SetDefault("ranking.partial", false)

	v.SetDefault("mc.iterations", 1000)
	v.SetDefault("mc.seed", 0)

	v.SetDefault("validation.max_influential", 20)
	v.SetDefault("validation.step", 5)
	v.SetDefault("validation.iterations", 100)
	v.SetDefault("validation.metric", "spearman")
	v.SetDefault("validation.threshold", 0.8)
}

func identity() Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	if appIdentity == nil {
		return Identity{}
	}
	return *appIdentity
}

func getEnvSpecs() []EnvSpec {
	id := identity()
	if id.EnvPrefix == "" {
		return []EnvSpec{}
	}
	p := id.EnvPrefix + "_"
	return []EnvSpec{
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: p + "CORS_ORIGINS", Path: "server.cors_origins"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "METRICS_ENABLED", Path: "metrics.enabled"},
		{Name: p + "JOBS_BACKEND", Path: "jobs.backend"},
		{Name: p + "JOBS_DIR", Path: "jobs.dir"},
		{Name: p + "REDIS_URL", Path: "jobs.redis_url", Fallbacks: []string{"REDIS_URL"}},
		{Name: p + "PROGRESS_EVERY", Path: "jobs.progress_every"},
		{Name: p + "POLL_INTERVAL", Path: "jobs.poll_interval"},
		{Name: p + "RATE_LIMIT", Path: "jobs.rate_limit"},
		{Name: p + "RESULTS_PATH", Path: "results.path"},
		{Name: p + "PARTIAL_RANKING", Path: "ranking.partial"},
		{Name: p + "MC_ITERATIONS", Path: "mc.iterations"},
		{Name: p + "MC_SEED", Path: "mc.seed"},
		{Name: p + "VALIDATION_MAX_INFLUENTIAL", Path: "validation.max_influential"},
		{Name: p + "VALIDATION_STEP", Path: "validation.step"},
		{Name: p + "VALIDATION_ITERATIONS", Path: "validation.iterations"},
		{Name: p + "VALIDATION_METRIC", Path: "validation.metric"},
		{Name: p + "VALIDATION_THRESHOLD", Path: "validation.threshold"},
	}
}

func getUserConfigPaths() []string {
	id := identity()
	if id.ConfigName == "" {
		return []string{}
	}
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, id.ConfigName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", id.ConfigName))
	}
	return paths
}

func readConfigFile(v *viper.Viper, explicit string) error {
	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}

	v.SetConfigName(identity().ConfigName)
	v.AddConfigPath(".")
	for _, p := range getUserConfigPaths() {
		v.AddConfigPath(p)
	}
	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if err != nil && !errors.As(err, &notFound) {
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func dataDir() string {
	name := identity().BinaryName
	if name == "" {
		name = DefaultIdentity.BinaryName
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, name)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", name)
	}
	return filepath.Join(os.TempDir(), name)
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
