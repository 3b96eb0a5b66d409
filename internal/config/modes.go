package config

import (
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// TypeOverride is a per-type override of the process-wide operating mode
// and actor policy, keyed by the live table name.
type TypeOverride struct {
	Mode        string `mapstructure:"mode"`
	ActorPolicy string `mapstructure:"actorPolicy"`
}

// ModeConfig is the effective mode configuration: process default plus
// per-type overrides. It is a value, not shared mutable state; the holder
// below swaps whole values on reload.
type ModeConfig struct {
	DefaultMode        string
	DefaultActorPolicy string
	Overrides          map[string]TypeOverride
}

// ModeFor returns the effective operating mode for a live table.
func (m ModeConfig) ModeFor(table string) string {
	if o, ok := m.Overrides[table]; ok && o.Mode != "" {
		return normalizeMode(o.Mode)
	}
	return m.DefaultMode
}

// ActorPolicyFor returns the effective actor policy for a live table.
func (m ModeConfig) ActorPolicyFor(table string) string {
	if o, ok := m.Overrides[table]; ok && o.ActorPolicy != "" {
		return normalizePolicy(o.ActorPolicy)
	}
	return m.DefaultActorPolicy
}

// ModeConfigHolder serves the current ModeConfig and hot-reloads it when
// chronicle.yml changes. Operations read the holder at evaluation time, so
// a reload affects subsequent operations only.
type ModeConfigHolder struct {
	current atomic.Value // holds ModeConfig
}

func NewModeConfigHolder(cfg Config) (*ModeConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("chronicle")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/chronicle/config") // Volume-mounted config
	v.AddConfigPath("/etc/chronicle")            // System config
	v.AddConfigPath(".")                         // Current directory (dev mode)

	v.SetEnvPrefix("CHRONICLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &ModeConfigHolder{}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// no config file: defaults only, nothing to watch
		holder.current.Store(ModeConfig{
			DefaultMode:        cfg.DefaultMode,
			DefaultActorPolicy: cfg.DefaultActorPolicy,
		})
		return holder, nil
	}

	loaded, err := unmarshalModeConfig(v, cfg)
	if err != nil {
		return nil, err
	}
	holder.current.Store(loaded)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := unmarshalModeConfig(v, cfg)
		if err != nil {
			log.Printf("[mode-config] reload failed: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[mode-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *ModeConfigHolder) Get() ModeConfig {
	return h.current.Load().(ModeConfig)
}

// Set replaces the current mode configuration. Intended for tests and for
// hosts that manage configuration programmatically.
func (h *ModeConfigHolder) Set(cfg ModeConfig) {
	h.current.Store(cfg)
}

// NewStaticModeConfigHolder returns a holder without file watching.
func NewStaticModeConfigHolder(cfg ModeConfig) *ModeConfigHolder {
	holder := &ModeConfigHolder{}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = ModeHistories
	}
	if cfg.DefaultActorPolicy == "" {
		cfg.DefaultActorPolicy = ActorRequired
	}
	holder.current.Store(cfg)
	return holder
}

func unmarshalModeConfig(v *viper.Viper, cfg Config) (ModeConfig, error) {
	overrides := map[string]TypeOverride{}
	if err := v.UnmarshalKey("types", &overrides); err != nil {
		return ModeConfig{}, err
	}

	out := ModeConfig{
		DefaultMode:        cfg.DefaultMode,
		DefaultActorPolicy: cfg.DefaultActorPolicy,
		Overrides:          overrides,
	}
	if raw := v.GetString("defaultMode"); raw != "" {
		out.DefaultMode = normalizeMode(raw)
	}
	if raw := v.GetString("defaultActorPolicy"); raw != "" {
		out.DefaultActorPolicy = normalizePolicy(raw)
	}
	return out, nil
}
