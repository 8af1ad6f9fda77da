package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the consent service.
type Config struct {
	AppName     string
	AppEnv      string
	AppPort     string
	DatabaseURL string
	RedisURL    string
	NATSURL     string
	JWTSecret   string
	CodeSecret  string

	ChannelBase     string
	NotifierKind    string
	NotifierSubject string
	NotifierTimeout time.Duration

	RequestTTL         time.Duration
	RenewalGrace       time.Duration
	SchoolYearEndMonth time.Month
	SchoolYearEndDay   int

	SchedulerSchedule     string
	SchedulerStartupDelay time.Duration
	SchedulerConcurrency  int
	SchedulerPageSize     int
	SchedulerRunTimeout   time.Duration
	ReminderLeaseTTL      time.Duration
	StaticSchools         []string

	PublicRateLimit  int
	PublicRateWindow time.Duration
	CORSOrigins      string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)
	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "GEMA Consent API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("events.channel", "gema")
	v.SetDefault("notifier.kind", "log")
	v.SetDefault("notifier.subject", "gema.notify.consent")
	v.SetDefault("notifier.timeout", "5s")
	v.SetDefault("consent.request_ttl", "336h")
	v.SetDefault("consent.renewal_grace", "0s")
	v.SetDefault("consent.school_year_end", "07-31")
	v.SetDefault("scheduler.schedule", "@every 30m")
	v.SetDefault("scheduler.startup_delay", "10s")
	v.SetDefault("scheduler.concurrency", 4)
	v.SetDefault("scheduler.page_size", 100)
	v.SetDefault("scheduler.run_timeout", "20m")
	v.SetDefault("scheduler.lease_ttl", "10m")
	v.SetDefault("scheduler.schools", "")
	v.SetDefault("ratelimit.public_max", 30)
	v.SetDefault("ratelimit.public_window", "1m")
	v.SetDefault("cors.allow_origins", "*")
}

func fromViper(v *viper.Viper) (Config, error) {
	durations := map[string]time.Duration{}
	for _, key := range []string{
		"notifier.timeout",
		"consent.request_ttl",
		"consent.renewal_grace",
		"scheduler.startup_delay",
		"scheduler.run_timeout",
		"scheduler.lease_ttl",
		"ratelimit.public_window",
	} {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		durations[key] = parsed
	}

	month, dayOfMonth, err := parseMonthDay(v.GetString("consent.school_year_end"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:     v.GetString("app.name"),
		AppEnv:      v.GetString("app.env"),
		AppPort:     v.GetString("app.port"),
		DatabaseURL: v.GetString("database.url"),
		RedisURL:    v.GetString("redis.url"),
		NATSURL:     v.GetString("nats.url"),
		JWTSecret:   v.GetString("jwt.secret"),
		CodeSecret:  v.GetString("consent.code_secret"),

		ChannelBase:     v.GetString("events.channel"),
		NotifierKind:    strings.ToLower(strings.TrimSpace(v.GetString("notifier.kind"))),
		NotifierSubject: v.GetString("notifier.subject"),
		NotifierTimeout: durations["notifier.timeout"],

		RequestTTL:         durations["consent.request_ttl"],
		RenewalGrace:       durations["consent.renewal_grace"],
		SchoolYearEndMonth: month,
		SchoolYearEndDay:   dayOfMonth,

		SchedulerSchedule:     v.GetString("scheduler.schedule"),
		SchedulerStartupDelay: durations["scheduler.startup_delay"],
		SchedulerConcurrency:  v.GetInt("scheduler.concurrency"),
		SchedulerPageSize:     v.GetInt("scheduler.page_size"),
		SchedulerRunTimeout:   durations["scheduler.run_timeout"],
		ReminderLeaseTTL:      durations["scheduler.lease_ttl"],
		StaticSchools:         splitList(v.GetString("scheduler.schools")),

		PublicRateLimit:  v.GetInt("ratelimit.public_max"),
		PublicRateWindow: durations["ratelimit.public_window"],
		CORSOrigins:      strings.TrimSpace(v.GetString("cors.allow_origins")),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}
	if len(cfg.CodeSecret) < 16 {
		return Config{}, fmt.Errorf("consent code secret must be at least 16 characters")
	}
	if cfg.RequestTTL <= 0 {
		return Config{}, fmt.Errorf("consent request ttl must be positive")
	}
	if cfg.RenewalGrace < 0 {
		return Config{}, fmt.Errorf("consent renewal grace must not be negative")
	}
	switch cfg.NotifierKind {
	case "log":
	case "nats":
		if cfg.NATSURL == "" {
			return Config{}, fmt.Errorf("nats url is required for the nats notifier")
		}
	default:
		return Config{}, fmt.Errorf("unknown notifier kind %q", cfg.NotifierKind)
	}
	if cfg.SchedulerConcurrency <= 0 {
		cfg.SchedulerConcurrency = 4
	}
	if cfg.SchedulerPageSize <= 0 {
		cfg.SchedulerPageSize = 100
	}
	if cfg.PublicRateLimit <= 0 {
		cfg.PublicRateLimit = 30
	}

	return cfg, nil
}

// parseMonthDay reads an "MM-DD" school-year boundary.
func parseMonthDay(raw string) (time.Month, int, error) {
	parsed, err := time.Parse("01-02", strings.TrimSpace(raw))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid consent.school_year_end %q: %w", raw, err)
	}
	return parsed.Month(), parsed.Day(), nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
