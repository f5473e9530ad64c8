package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultCheckInterval       = 120 * time.Second
	DefaultRecentThreshold     = 10 * time.Minute
	DefaultCooldown            = 180 * time.Minute
	DefaultNotifiedIDCapacity  = 10000
	DefaultAccountDelay        = 2 * time.Second
	DefaultCommandPollInterval = 5 * time.Second
	DefaultFetchTimeout        = 30 * time.Second
	DefaultRateLimitBackoff    = 60 * time.Second
	DefaultPollTimeout         = 10 * time.Second
	DefaultMaxStorageFailures  = 5
	DefaultExcludedFile        = "excluded_accounts.txt"
)

// MonitorSettings is MonitorConfig with defaults applied and units resolved.
type MonitorSettings struct {
	CheckInterval       time.Duration
	RecentThreshold     time.Duration
	Cooldown            time.Duration
	Capacity            int
	AccountDelay        time.Duration
	CommandPollInterval time.Duration
	FetchTimeout        time.Duration
	RateLimitBackoff    time.Duration
	StartupNotice       bool
	ShutdownNotice      bool
	ReportCron          string
	ReportTimezone      string
}

func (m MonitorConfig) Settings() (MonitorSettings, error) {
	var (
		s    MonitorSettings
		errs []error
		err  error
		n    int
	)
	if n, err = countOrDefault("monitor.check_interval_seconds", m.CheckIntervalSeconds, int(DefaultCheckInterval/time.Second)); err != nil {
		errs = append(errs, err)
	}
	s.CheckInterval = time.Duration(n) * time.Second
	if n, err = countOrDefault("monitor.recent_post_minutes", m.RecentPostMinutes, int(DefaultRecentThreshold/time.Minute)); err != nil {
		errs = append(errs, err)
	}
	s.RecentThreshold = time.Duration(n) * time.Minute
	if n, err = countOrDefault("monitor.cooldown_minutes", m.CooldownMinutes, int(DefaultCooldown/time.Minute)); err != nil {
		errs = append(errs, err)
	}
	s.Cooldown = time.Duration(n) * time.Minute
	if s.Capacity, err = countOrDefault("monitor.notified_id_capacity", m.NotifiedIDCapacity, DefaultNotifiedIDCapacity); err != nil {
		errs = append(errs, err)
	}

	if s.AccountDelay, err = ParseDurationField("monitor.account_delay", m.AccountDelay, DefaultAccountDelay); err != nil {
		errs = append(errs, err)
	}
	if s.CommandPollInterval, err = positiveDuration("monitor.command_poll_interval", m.CommandPollInterval, DefaultCommandPollInterval); err != nil {
		errs = append(errs, err)
	}
	if s.FetchTimeout, err = positiveDuration("monitor.fetch_timeout", m.FetchTimeout, DefaultFetchTimeout); err != nil {
		errs = append(errs, err)
	}
	if s.RateLimitBackoff, err = positiveDuration("monitor.rate_limit_backoff", m.RateLimitBackoff, DefaultRateLimitBackoff); err != nil {
		errs = append(errs, err)
	}

	s.StartupNotice = m.StartupNotice == nil || *m.StartupNotice
	s.ShutdownNotice = m.ShutdownNotice == nil || *m.ShutdownNotice
	s.ReportCron = strings.TrimSpace(m.ReportCron)
	s.ReportTimezone = strings.TrimSpace(m.ReportTimezone)
	return s, errors.Join(errs...)
}

// ExcludedPathOrDefault places the excluded record next to the watch-list
// when no path is configured.
func (w WatchlistConfig) ExcludedPathOrDefault() string {
	if p := strings.TrimSpace(w.ExcludedPath); p != "" {
		return p
	}
	return filepath.Join(filepath.Dir(strings.TrimSpace(w.Path)), DefaultExcludedFile)
}

func (t TelegramConfig) PollTimeoutOrDefault() (time.Duration, error) {
	return positiveDuration("telegram.poll_timeout", t.PollTimeout, DefaultPollTimeout)
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		add(errors.New("telegram.token is required"))
	}
	if c.Telegram.ChatID == 0 {
		add(errors.New("telegram.chat_id is required"))
	}
	_, err := c.Telegram.PollTimeoutOrDefault()
	add(err)

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when file logging is enabled"))
	}

	_, err = c.Monitor.Settings()
	add(err)

	if strings.TrimSpace(c.Watchlist.Path) == "" {
		add(errors.New("watchlist.path is required"))
	} else if filepath.Clean(c.Watchlist.ExcludedPathOrDefault()) == filepath.Clean(strings.TrimSpace(c.Watchlist.Path)) {
		add(errors.New("watchlist.excluded_path must differ from watchlist.path"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Fetch.Driver)) {
	case "", "twitterapi":
		if strings.TrimSpace(c.Fetch.TwitterAPI.APIKey) == "" {
			add(errors.New("fetch.twitterapi.api_key is required"))
		}
		switch c.Fetch.TwitterAPI.Mode {
		case "", "last_tweets", "advanced_search":
		default:
			add(fmt.Errorf("fetch.twitterapi.mode: unknown mode %q", c.Fetch.TwitterAPI.Mode))
		}
		_, err = ParseDurationField("fetch.twitterapi.min_interval", c.Fetch.TwitterAPI.MinInterval, 0)
		add(err)
		_, err = ParseDurationField("fetch.twitterapi.timeout", c.Fetch.TwitterAPI.Timeout, 0)
		add(err)
	case "html":
		if strings.TrimSpace(c.Fetch.HTML.Dir) == "" && strings.TrimSpace(c.Fetch.HTML.BaseURL) == "" {
			add(errors.New("fetch.html needs dir or base_url"))
		}
		_, err = ParseDurationField("fetch.html.timeout", c.Fetch.HTML.Timeout, 0)
		add(err)
	default:
		add(fmt.Errorf("fetch.driver: unknown driver %q", c.Fetch.Driver))
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3":
	case "redis":
		if strings.TrimSpace(c.Storage.RedisAddr) == "" {
			add(errors.New("storage.redis_addr is required for the redis driver"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if c.Storage.MaxFailures < 0 {
		add(errors.New("storage.max_failures must be >= 0"))
	}
	_, err = ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout, 0)
	add(err)

	return errors.Join(errs...)
}
