package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kkyr/fig"
	flag "github.com/spf13/pflag"

	"webrtc-signal-relay/pkg/signaling"
)

// EnvPrefix prefixes every environment override, e.g. SIGNAL_RELAY_HTTP_ADDR.
const EnvPrefix = "SIGNAL_RELAY"

const defaultFile = "config.yaml"

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// ICE modes.
const (
	ICEModeSTUNTURN = "stun-turn"
	ICEModeTURNOnly = "turn-only"
	ICEModeSTUNOnly = "stun-only"
)

type Config struct {
	HTTP       HTTP
	Log        Log
	Store      Store
	Sessions   Sessions
	ICE        ICE
	Monitoring Monitoring
	Client     Client
}

type HTTP struct {
	Addr string `default:":8080"`
	// StaticDir serves a custom frontend instead of the embedded page.
	StaticDir string
	// PublicURL is the base used in create-session links. Derived from the
	// request when empty.
	PublicURL         string
	ReadHeaderTimeout time.Duration `default:"5s"`
	ShutdownTimeout   time.Duration `default:"10s"`
	MaxBodyBytes      int64         `default:"65536"`
}

type Log struct {
	Level   string `default:"info"`
	Console bool
	NoColor bool
}

type Store struct {
	Backend string `default:"memory"`
	Redis   Redis
}

type Redis struct {
	Addr     string `default:"localhost:6379"`
	Password string
	DB       int
	Prefix   string `default:"signal"`
	// ResetOnStart drops every queue under Prefix at startup.
	ResetOnStart bool
}

type Sessions struct {
	// IdleTimeout evicts untouched sessions. Zero disables eviction.
	IdleTimeout   time.Duration `default:"10m"`
	SweepInterval time.Duration `default:"1m"`
	MaxSessions   int
	RolePolicy    string `default:"probe"`
	// MaxWait caps the long-poll wait a client may ask for.
	MaxWait time.Duration `default:"25s"`
}

type ICE struct {
	Mode         string `default:"stun-turn"`
	STUNURLs     []string
	TURNURLs     []string
	TURNUsername string
	TURNPassword string
}

type Monitoring struct {
	MetricEnabled bool   `default:"true"`
	Path          string `default:"/metrics"`
}

type Client struct {
	// PollInterval is the fetch period advertised to the bundled page.
	PollInterval time.Duration `default:"2s"`
}

// Load reads the config file, applies SIGNAL_RELAY_* environment overrides
// and then any flags set explicitly in args. A missing file is not an error.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("signal-relay", flag.ContinueOnError)
	path := fs.StringP("config", "c", "", "config file path")
	addr := fs.String("addr", "", "HTTP listen address (host:port)")
	store := fs.String("store", "", "queue backend: memory or redis")
	redisAddr := fs.String("redis-addr", "", "Redis address (host:port)")
	level := fs.String("log-level", "", "log level: trace, debug, info, warn, error")
	policy := fs.String("role-policy", "", "role assignment policy: probe or claim")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var conf Config
	if err := loadFile(&conf, *path); err != nil {
		return nil, err
	}

	if fs.Changed("addr") {
		conf.HTTP.Addr = *addr
	}
	if fs.Changed("store") {
		conf.Store.Backend = *store
	}
	if fs.Changed("redis-addr") {
		conf.Store.Redis.Addr = *redisAddr
	}
	if fs.Changed("log-level") {
		conf.Log.Level = *level
	}
	if fs.Changed("role-policy") {
		conf.Sessions.RolePolicy = *policy
	}

	conf.normalize()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func loadFile(conf *Config, path string) error {
	if path != "" {
		err := fig.Load(conf, fig.File(filepath.Base(path)), fig.Dirs(filepath.Dir(path)), fig.UseEnv(EnvPrefix))
		if err != nil {
			return fmt.Errorf("config %s: %w", path, err)
		}
		return nil
	}

	dirs := []string{".", "configs"}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".signal-relay"))
	}
	err := fig.Load(conf, fig.File(defaultFile), fig.Dirs(dirs...), fig.UseEnv(EnvPrefix))
	if errors.Is(err, fig.ErrFileNotFound) {
		return fig.Load(conf, fig.IgnoreFile(), fig.UseEnv(EnvPrefix))
	}
	return err
}

func (c *Config) normalize() {
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	c.ICE.Mode = strings.ToLower(strings.TrimSpace(c.ICE.Mode))
	c.ICE.STUNURLs = splitAndClean(c.ICE.STUNURLs)
	c.ICE.TURNURLs = splitAndClean(c.ICE.TURNURLs)
	c.HTTP.PublicURL = strings.TrimRight(strings.TrimSpace(c.HTTP.PublicURL), "/")
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case StoreMemory, StoreRedis:
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}
	switch c.ICE.Mode {
	case ICEModeSTUNTURN, ICEModeTURNOnly, ICEModeSTUNOnly:
	default:
		errs = append(errs, fmt.Errorf("ice.mode: unknown mode %q", c.ICE.Mode))
	}
	if _, err := signaling.ParseRolePolicy(c.Sessions.RolePolicy); err != nil {
		errs = append(errs, fmt.Errorf("sessions.rolepolicy: %w", err))
	}
	if c.Sessions.IdleTimeout < 0 {
		errs = append(errs, errors.New("sessions.idletimeout: must not be negative"))
	}
	if c.Sessions.MaxSessions < 0 {
		errs = append(errs, errors.New("sessions.maxsessions: must not be negative"))
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("http.maxbodybytes: must be positive"))
	}
	return errors.Join(errs...)
}

// RolePolicy returns the parsed role policy. Call after Validate.
func (c *Config) RolePolicy() signaling.RolePolicy {
	p, _ := signaling.ParseRolePolicy(c.Sessions.RolePolicy)
	return p
}

// splitAndClean flattens comma separated entries, which is how list values
// arrive from the environment.
func splitAndClean(in []string) []string {
	var out []string
	for _, item := range in {
		for _, p := range strings.Split(item, ",") {
			if v := strings.TrimSpace(p); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}
