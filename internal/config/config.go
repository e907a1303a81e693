// Package config loads the server configuration from defaults, an optional
// config file and PROCTOR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/proctorwatch/proctor-server/internal/cooldown"
	"github.com/proctorwatch/proctor-server/internal/identity"
	"github.com/proctorwatch/proctor-server/internal/proctor"
	"github.com/proctorwatch/proctor-server/internal/violations"
)

// EnvPrefix prefixes every environment override, e.g. PROCTOR_HTTP_ADDR.
const EnvPrefix = "PROCTOR"

// Config defines the runtime configuration of the proctoring server.
type Config struct {
	HTTPAddr       string
	MetricsAddr    string
	LogLevel       string
	LogColor       bool
	MaxSessions    int
	MaxUploadBytes int64

	// Session tuning
	Interval            time.Duration
	Cooldown            time.Duration
	IdentityThreshold   float64
	MaxFrameAge         time.Duration
	ProhibitedClasses   []string
	MinObjectConfidence float64
	MaxViolations       int

	// Inference sidecar
	DetectorURL   string
	CallTimeout   time.Duration
	MaxFrameWidth int
	JPEGQuality   int

	// Sinks
	StorePath    string // SQLite history ("" disables)
	EvidencePath string // Snapshot directory ("" disables)
	KafkaBrokers []string
	KafkaTopic   string

	// WebRTC
	STUNServers      []string
	MaxWebRTCClients int
}

// DefaultConfig returns the defaults used when nothing overrides them.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:       ":8080",
		MetricsAddr:    ":9090",
		LogLevel:       "info",
		LogColor:       true,
		MaxSessions:    100,
		MaxUploadBytes: 8 << 20,

		Interval:          time.Second,
		Cooldown:          cooldown.DefaultWindow,
		IdentityThreshold: identity.DefaultThreshold,
		MaxFrameAge:       5 * time.Second,
		ProhibitedClasses: append([]string(nil), proctor.DefaultProhibitedClasses...),
		MaxViolations:     violations.DefaultMaxViolations,

		DetectorURL:   "http://localhost:8500",
		CallTimeout:   5 * time.Second,
		MaxFrameWidth: 640,
		JPEGQuality:   80,

		StorePath:    "./proctor.db",
		EvidencePath: "./evidence",
		KafkaTopic:   "proctor.violations",

		STUNServers:      []string{"stun:stun.l.google.com:19302"},
		MaxWebRTCClients: 50,
	}
}

// setDefaults registers every key so environment variables and files can
// override them.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("http.addr", d.HTTPAddr)
	v.SetDefault("metrics.addr", d.MetricsAddr)
	v.SetDefault("log.level", d.LogLevel)
	v.SetDefault("log.color", d.LogColor)
	v.SetDefault("server.max_sessions", d.MaxSessions)
	v.SetDefault("server.max_upload_bytes", d.MaxUploadBytes)

	v.SetDefault("session.interval", d.Interval)
	v.SetDefault("session.cooldown", d.Cooldown)
	v.SetDefault("session.identity_threshold", d.IdentityThreshold)
	v.SetDefault("session.max_frame_age", d.MaxFrameAge)
	v.SetDefault("session.prohibited_classes", d.ProhibitedClasses)
	v.SetDefault("session.min_object_confidence", d.MinObjectConfidence)
	v.SetDefault("session.max_violations", d.MaxViolations)

	v.SetDefault("detector.url", d.DetectorURL)
	v.SetDefault("detector.call_timeout", d.CallTimeout)
	v.SetDefault("detector.max_frame_width", d.MaxFrameWidth)
	v.SetDefault("detector.jpeg_quality", d.JPEGQuality)

	v.SetDefault("store.path", d.StorePath)
	v.SetDefault("evidence.path", d.EvidencePath)
	v.SetDefault("kafka.brokers", d.KafkaBrokers)
	v.SetDefault("kafka.topic", d.KafkaTopic)

	v.SetDefault("webrtc.stun", d.STUNServers)
	v.SetDefault("webrtc.max_clients", d.MaxWebRTCClients)
}

// New returns a viper instance with defaults and environment bindings.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration. file may be empty; its format follows its
// extension (yaml, json, toml).
func Load(file string) (Config, error) {
	v := New()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	cfg := FromViper(v)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromViper builds a Config from v.
func FromViper(v *viper.Viper) Config {
	return Config{
		HTTPAddr:       v.GetString("http.addr"),
		MetricsAddr:    v.GetString("metrics.addr"),
		LogLevel:       v.GetString("log.level"),
		LogColor:       v.GetBool("log.color"),
		MaxSessions:    v.GetInt("server.max_sessions"),
		MaxUploadBytes: v.GetInt64("server.max_upload_bytes"),

		Interval:            v.GetDuration("session.interval"),
		Cooldown:            v.GetDuration("session.cooldown"),
		IdentityThreshold:   v.GetFloat64("session.identity_threshold"),
		MaxFrameAge:         v.GetDuration("session.max_frame_age"),
		ProhibitedClasses:   list(v, "session.prohibited_classes"),
		MinObjectConfidence: v.GetFloat64("session.min_object_confidence"),
		MaxViolations:       v.GetInt("session.max_violations"),

		DetectorURL:   v.GetString("detector.url"),
		CallTimeout:   v.GetDuration("detector.call_timeout"),
		MaxFrameWidth: v.GetInt("detector.max_frame_width"),
		JPEGQuality:   v.GetInt("detector.jpeg_quality"),

		StorePath:    v.GetString("store.path"),
		EvidencePath: v.GetString("evidence.path"),
		KafkaBrokers: list(v, "kafka.brokers"),
		KafkaTopic:   v.GetString("kafka.topic"),

		STUNServers:      list(v, "webrtc.stun"),
		MaxWebRTCClients: v.GetInt("webrtc.max_clients"),
	}
}

// list reads a string list. A plain string (as from the environment) is split
// on commas, so "cell phone,book" and ["cell phone", "book"] are equivalent.
func list(v *viper.Viper, key string) []string {
	var in []string
	if raw, ok := v.Get(key).(string); ok {
		in = []string{raw}
	} else {
		in = v.GetStringSlice(key)
	}
	out := []string{}
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("session.interval must be positive, got %v", c.Interval))
	}
	if c.Cooldown <= 0 {
		errs = append(errs, fmt.Errorf("session.cooldown must be positive, got %v", c.Cooldown))
	}
	if c.IdentityThreshold <= 0 {
		errs = append(errs, fmt.Errorf("session.identity_threshold must be positive, got %v", c.IdentityThreshold))
	}
	if c.MinObjectConfidence < 0 || c.MinObjectConfidence > 1 {
		errs = append(errs, fmt.Errorf("session.min_object_confidence must be in [0,1], got %v", c.MinObjectConfidence))
	}
	if len(c.ProhibitedClasses) == 0 {
		errs = append(errs, errors.New("session.prohibited_classes must not be empty"))
	}
	if c.MaxSessions <= 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions must be positive, got %d", c.MaxSessions))
	}
	if c.DetectorURL == "" {
		errs = append(errs, errors.New("detector.url is required"))
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		errs = append(errs, errors.New("kafka.topic is required when kafka.brokers is set"))
	}
	return errors.Join(errs...)
}

// SessionConfig returns the per-session tuning.
func (c Config) SessionConfig() proctor.Config {
	return proctor.Config{
		Interval:            c.Interval,
		Cooldown:            c.Cooldown,
		IdentityThreshold:   c.IdentityThreshold,
		MaxFrameAge:         c.MaxFrameAge,
		ProhibitedClasses:   c.ProhibitedClasses,
		MinObjectConfidence: c.MinObjectConfidence,
	}
}
