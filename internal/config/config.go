// Package config loads the server configuration from defaults, an optional
// config file and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/elibrary/circulation/internal/database"
	"github.com/elibrary/circulation/internal/logging"
)

type Config struct {
	Server        ServerConfig
	Database      *database.DBConfig
	Redis         database.RedisConfig
	Store         StoreConfig
	JWT           JWTConfig
	Loans         LoanConfig
	Fines         FineConfig
	Overdue       LoopConfig
	Reminders     ReminderConfig
	Notifications NotificationConfig
	Log           logging.Config
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type StoreConfig struct {
	Driver string
}

type JWTConfig struct {
	SecretKey string
}

type LoanConfig struct {
	DefaultPeriod      time.Duration
	ExtensionPeriod    time.Duration
	MaxExtensions      int
	DefaultBorrowLimit int
}

type FineConfig struct {
	ReturnPolicy        string
	OverduePolicy       string
	Tier1Rate           decimal.Decimal
	Tier2Rate           decimal.Decimal
	Tier3Rate           decimal.Decimal
	Tier1MaxDays        int
	Tier2MaxDays        int
	FlatRate            decimal.Decimal
	MaxFine             decimal.Decimal
	HardBlockThreshold  decimal.Decimal
	SoftBorrowThreshold decimal.Decimal
	PaymentDueDays      int
	LostFee             decimal.Decimal
	DamagedFee          decimal.Decimal
}

// LoopConfig drives one background loop.
type LoopConfig struct {
	Interval     time.Duration
	InitialDelay time.Duration
	CycleTimeout time.Duration
	UseLock      bool
}

type ReminderConfig struct {
	LoopConfig
	Timezone   string
	Thresholds []int
}

type NotificationConfig struct {
	Driver    string
	From      string
	FromName  string
	OutboxKey string
	SMTP      SMTPConfig
}

type SMTPConfig struct {
	Host     string
	Port     string
	User     string
	Password string
}

var envBindings = [][2]string{
	{"server.port", "PORT"},
	{"server.read_timeout", "SERVER_READ_TIMEOUT"},
	{"server.write_timeout", "SERVER_WRITE_TIMEOUT"},

	{"database.host", "DATABASE_HOST"},
	{"database.port", "DATABASE_PORT"},
	{"database.user", "DATABASE_USER"},
	{"database.password", "DATABASE_PASSWORD"},
	{"database.name", "DATABASE_NAME"},
	{"database.ssl_mode", "DATABASE_SSL_MODE"},

	{"redis.host", "REDIS_HOST"},
	{"redis.port", "REDIS_PORT"},
	{"redis.password", "REDIS_PASSWORD"},
	{"redis.db", "REDIS_DB"},

	{"store.driver", "STORE_DRIVER"},
	{"jwt.secret_key", "JWT_SECRET_KEY"},

	{"loans.default_period", "LOAN_DEFAULT_PERIOD"},
	{"loans.extension_period", "LOAN_EXTENSION_PERIOD"},
	{"loans.max_extensions", "LOAN_MAX_EXTENSIONS"},
	{"loans.default_borrow_limit", "LOAN_DEFAULT_BORROW_LIMIT"},

	{"fines.return_policy", "FINE_RETURN_POLICY"},
	{"fines.overdue_policy", "FINE_OVERDUE_POLICY"},
	{"fines.tier1_rate", "FINE_TIER1_RATE"},
	{"fines.tier2_rate", "FINE_TIER2_RATE"},
	{"fines.tier3_rate", "FINE_TIER3_RATE"},
	{"fines.tier1_max_days", "FINE_TIER1_MAX_DAYS"},
	{"fines.tier2_max_days", "FINE_TIER2_MAX_DAYS"},
	{"fines.flat_rate", "FINE_FLAT_RATE"},
	{"fines.max_fine", "FINE_MAX_FINE"},
	{"fines.hard_block_threshold", "FINE_HARD_BLOCK_THRESHOLD"},
	{"fines.soft_borrow_threshold", "FINE_SOFT_BORROW_THRESHOLD"},
	{"fines.payment_due_days", "FINE_PAYMENT_DUE_DAYS"},
	{"fines.lost_fee", "FINE_LOST_FEE"},
	{"fines.damaged_fee", "FINE_DAMAGED_FEE"},

	{"overdue.interval", "OVERDUE_INTERVAL"},
	{"overdue.initial_delay", "OVERDUE_INITIAL_DELAY"},
	{"overdue.cycle_timeout", "OVERDUE_CYCLE_TIMEOUT"},
	{"overdue.use_lock", "OVERDUE_USE_LOCK"},

	{"reminders.interval", "REMINDER_INTERVAL"},
	{"reminders.initial_delay", "REMINDER_INITIAL_DELAY"},
	{"reminders.cycle_timeout", "REMINDER_CYCLE_TIMEOUT"},
	{"reminders.use_lock", "REMINDER_USE_LOCK"},
	{"reminders.timezone", "REMINDER_TIMEZONE"},
	{"reminders.thresholds", "REMINDER_THRESHOLDS"},

	{"notifications.driver", "NOTIFICATION_DRIVER"},
	{"notifications.from", "NOTIFICATION_FROM"},
	{"notifications.from_name", "NOTIFICATION_FROM_NAME"},
	{"notifications.outbox_key", "NOTIFICATION_OUTBOX_KEY"},
	{"notifications.smtp.host", "SMTP_HOST"},
	{"notifications.smtp.port", "SMTP_PORT"},
	{"notifications.smtp.user", "SMTP_USER"},
	{"notifications.smtp.password", "SMTP_PASSWORD"},

	{"log.level", "LOG_LEVEL"},
	{"log.format", "LOG_FORMAT"},
}

func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.read_timeout", 15*time.Second)
	viper.SetDefault("server.write_timeout", 15*time.Second)

	viper.SetDefault("store.driver", "postgres")

	viper.SetDefault("loans.default_period", 14*24*time.Hour)
	viper.SetDefault("loans.extension_period", 14*24*time.Hour)
	viper.SetDefault("loans.max_extensions", 2)
	viper.SetDefault("loans.default_borrow_limit", 5)

	viper.SetDefault("fines.return_policy", "progressive")
	viper.SetDefault("fines.overdue_policy", "progressive")
	viper.SetDefault("fines.tier1_rate", "5000")
	viper.SetDefault("fines.tier2_rate", "10000")
	viper.SetDefault("fines.tier3_rate", "15000")
	viper.SetDefault("fines.tier1_max_days", 7)
	viper.SetDefault("fines.tier2_max_days", 14)
	viper.SetDefault("fines.flat_rate", "5000")
	viper.SetDefault("fines.max_fine", "500000")
	viper.SetDefault("fines.hard_block_threshold", "100000")
	viper.SetDefault("fines.soft_borrow_threshold", "50000")
	viper.SetDefault("fines.payment_due_days", 30)
	viper.SetDefault("fines.lost_fee", "0")
	viper.SetDefault("fines.damaged_fee", "0")

	viper.SetDefault("overdue.interval", 5*time.Minute)
	viper.SetDefault("overdue.initial_delay", 10*time.Second)
	viper.SetDefault("overdue.cycle_timeout", 2*time.Minute)
	viper.SetDefault("overdue.use_lock", false)

	viper.SetDefault("reminders.interval", 24*time.Hour)
	viper.SetDefault("reminders.initial_delay", 30*time.Second)
	viper.SetDefault("reminders.cycle_timeout", 5*time.Minute)
	viper.SetDefault("reminders.use_lock", false)
	viper.SetDefault("reminders.timezone", "Asia/Ho_Chi_Minh")
	viper.SetDefault("reminders.thresholds", "0,1,3")

	viper.SetDefault("notifications.driver", "log")
	viper.SetDefault("notifications.from", "library@example.com")
	viper.SetDefault("notifications.from_name", "Library")
	viper.SetDefault("notifications.outbox_key", "notifications:email")
	viper.SetDefault("notifications.smtp.port", "587")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
}

// Load reads configuration into the global viper instance. path may name a config
// file (.env, yaml, json); a missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ".env"
	}
	viper.SetConfigFile(path)
	viper.AutomaticEnv()
	for _, b := range envBindings {
		if err := viper.BindEnv(b[0], b[1]); err != nil {
			return nil, fmt.Errorf("bind %s: %w", b[1], err)
		}
	}
	if err := viper.ReadInConfig(); err != nil && !isMissingFile(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	setDefaults()

	cfg := &Config{
		Server: ServerConfig{
			Port:         viper.GetString("server.port"),
			ReadTimeout:  viper.GetDuration("server.read_timeout"),
			WriteTimeout: viper.GetDuration("server.write_timeout"),
		},
		Database: database.GetConfig(),
		Redis:    database.GetRedisConfig(),
		Store:    StoreConfig{Driver: strings.ToLower(viper.GetString("store.driver"))},
		JWT:      JWTConfig{SecretKey: viper.GetString("jwt.secret_key")},
		Loans: LoanConfig{
			DefaultPeriod:      viper.GetDuration("loans.default_period"),
			ExtensionPeriod:    viper.GetDuration("loans.extension_period"),
			MaxExtensions:      viper.GetInt("loans.max_extensions"),
			DefaultBorrowLimit: viper.GetInt("loans.default_borrow_limit"),
		},
		Overdue: loop("overdue"),
		Reminders: ReminderConfig{
			LoopConfig: loop("reminders"),
			Timezone:   viper.GetString("reminders.timezone"),
		},
		Notifications: NotificationConfig{
			Driver:    strings.ToLower(viper.GetString("notifications.driver")),
			From:      viper.GetString("notifications.from"),
			FromName:  viper.GetString("notifications.from_name"),
			OutboxKey: viper.GetString("notifications.outbox_key"),
			SMTP: SMTPConfig{
				Host:     viper.GetString("notifications.smtp.host"),
				Port:     viper.GetString("notifications.smtp.port"),
				User:     viper.GetString("notifications.smtp.user"),
				Password: viper.GetString("notifications.smtp.password"),
			},
		},
		Log: logging.Config{
			Level:  viper.GetString("log.level"),
			Format: viper.GetString("log.format"),
		},
	}

	var err error
	if cfg.Reminders.Thresholds, err = parseInts(viper.GetString("reminders.thresholds")); err != nil {
		return nil, fmt.Errorf("reminders.thresholds: %w", err)
	}
	if cfg.Fines, err = loadFines(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loop(prefix string) LoopConfig {
	return LoopConfig{
		Interval:     viper.GetDuration(prefix + ".interval"),
		InitialDelay: viper.GetDuration(prefix + ".initial_delay"),
		CycleTimeout: viper.GetDuration(prefix + ".cycle_timeout"),
		UseLock:      viper.GetBool(prefix + ".use_lock"),
	}
}

func loadFines() (FineConfig, error) {
	f := FineConfig{
		ReturnPolicy:   strings.ToLower(viper.GetString("fines.return_policy")),
		OverduePolicy:  strings.ToLower(viper.GetString("fines.overdue_policy")),
		Tier1MaxDays:   viper.GetInt("fines.tier1_max_days"),
		Tier2MaxDays:   viper.GetInt("fines.tier2_max_days"),
		PaymentDueDays: viper.GetInt("fines.payment_due_days"),
	}
	amounts := []struct {
		key string
		dst *decimal.Decimal
	}{
		{"fines.tier1_rate", &f.Tier1Rate},
		{"fines.tier2_rate", &f.Tier2Rate},
		{"fines.tier3_rate", &f.Tier3Rate},
		{"fines.flat_rate", &f.FlatRate},
		{"fines.max_fine", &f.MaxFine},
		{"fines.hard_block_threshold", &f.HardBlockThreshold},
		{"fines.soft_borrow_threshold", &f.SoftBorrowThreshold},
		{"fines.lost_fee", &f.LostFee},
		{"fines.damaged_fee", &f.DamagedFee},
	}
	for _, a := range amounts {
		v, err := decimal.NewFromString(strings.TrimSpace(viper.GetString(a.key)))
		if err != nil {
			return f, fmt.Errorf("%s: %w", a.key, err)
		}
		*a.dst = v
	}
	return f, nil
}

func parseInts(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func isMissingFile(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Store.Driver == "postgres" || c.Store.Driver == "memory", "store.driver must be postgres or memory, got %q", c.Store.Driver)
	check(c.Loans.DefaultPeriod > 0, "loans.default_period must be positive")
	check(c.Loans.ExtensionPeriod > 0, "loans.extension_period must be positive")
	check(c.Loans.MaxExtensions >= 0, "loans.max_extensions must not be negative")
	check(c.Loans.DefaultBorrowLimit > 0, "loans.default_borrow_limit must be positive")

	for _, p := range []string{c.Fines.ReturnPolicy, c.Fines.OverduePolicy} {
		check(p == "progressive" || p == "flat", "unknown fine policy %q", p)
	}
	check(c.Fines.Tier1MaxDays > 0 && c.Fines.Tier1MaxDays < c.Fines.Tier2MaxDays,
		"fines.tier1_max_days must be positive and below fines.tier2_max_days")
	check(c.Fines.SoftBorrowThreshold.LessThan(c.Fines.HardBlockThreshold),
		"fines.soft_borrow_threshold (%s) must be below fines.hard_block_threshold (%s)",
		c.Fines.SoftBorrowThreshold, c.Fines.HardBlockThreshold)
	check(!c.Fines.LostFee.IsNegative() && !c.Fines.DamagedFee.IsNegative(), "lost and damaged fees must not be negative")
	check(c.Fines.PaymentDueDays > 0, "fines.payment_due_days must be positive")

	check(c.Overdue.Interval > 0, "overdue.interval must be positive")
	check(c.Overdue.CycleTimeout > 0, "overdue.cycle_timeout must be positive")
	check(c.Reminders.Interval > 0, "reminders.interval must be positive")
	check(c.Reminders.CycleTimeout > 0, "reminders.cycle_timeout must be positive")
	check(len(c.Reminders.Thresholds) > 0, "reminders.thresholds must not be empty")
	for _, d := range c.Reminders.Thresholds {
		check(d >= 0, "reminders.thresholds must not be negative, got %d", d)
	}

	switch c.Notifications.Driver {
	case "log", "redis":
	case "smtp":
		check(c.Notifications.SMTP.Host != "", "notifications.smtp.host is required for the smtp driver")
	default:
		errs = append(errs, fmt.Errorf("notifications.driver must be smtp, redis or log, got %q", c.Notifications.Driver))
	}
	return errors.Join(errs...)
}
