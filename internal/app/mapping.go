package app

import (
	"strings"

	"postwatch/internal/config"
	"postwatch/internal/fetch"
	"postwatch/internal/httpapi"
	"postwatch/internal/monitor"
	"postwatch/internal/storage"
	logx "postwatch/pkg/logx"
)

const (
	defaultStatePath   = "./monitor_state.json"
	defaultSQLitePath  = "./postwatch.db"
	defaultRedisPrefix = "postwatch"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "file"
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	out := storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		RedisAddr:   strings.TrimSpace(sc.RedisAddr),
		RedisPrefix: strings.TrimSpace(sc.RedisPrefix),
		BusyTimeout: busy,
	}
	switch driver {
	case "file":
		if out.Path == "" {
			out.Path = defaultStatePath
		}
	case "sqlite", "sqlite3":
		if out.Path == "" {
			out.Path = defaultSQLitePath
		}
	case "redis":
		if out.RedisPrefix == "" {
			out.RedisPrefix = defaultRedisPrefix
		}
	}
	return out, nil
}

func mapFetch(cfg *config.Config) (fetch.Config, error) {
	fc := cfg.Fetch
	minInterval, err := config.ParseDurationField("fetch.twitterapi.min_interval", fc.TwitterAPI.MinInterval, 0)
	if err != nil {
		return fetch.Config{}, err
	}
	apiTimeout, err := config.ParseDurationField("fetch.twitterapi.timeout", fc.TwitterAPI.Timeout, 0)
	if err != nil {
		return fetch.Config{}, err
	}
	htmlTimeout, err := config.ParseDurationField("fetch.html.timeout", fc.HTML.Timeout, 0)
	if err != nil {
		return fetch.Config{}, err
	}
	settings, err := cfg.Monitor.Settings()
	if err != nil {
		return fetch.Config{}, err
	}
	return fetch.Config{
		Driver: fc.Driver,
		TwitterAPI: fetch.TwitterAPIConfig{
			APIKey:      fc.TwitterAPI.APIKey,
			BaseURL:     fc.TwitterAPI.BaseURL,
			Mode:        fc.TwitterAPI.Mode,
			MinInterval: minInterval,
			Timeout:     apiTimeout,
			// search back twice the recency window so borderline posts are seen
			Window: 2 * settings.RecentThreshold,
		},
		HTML: fetch.HTMLConfig{
			Dir:     fc.HTML.Dir,
			BaseURL: fc.HTML.BaseURL,
			Timeout: htmlTimeout,
		},
	}, nil
}

func fetchSource(cfg *config.Config) string {
	if d := strings.TrimSpace(cfg.Fetch.Driver); d != "" {
		return d
	}
	return "twitterapi"
}

func mapMonitor(cfg *config.Config) (monitor.Config, monitor.ReporterConfig, config.MonitorSettings, error) {
	s, err := cfg.Monitor.Settings()
	if err != nil {
		return monitor.Config{}, monitor.ReporterConfig{}, s, err
	}
	mc := monitor.Config{
		CheckInterval:       s.CheckInterval,
		RecentThreshold:     s.RecentThreshold,
		Cooldown:            s.Cooldown,
		AccountDelay:        s.AccountDelay,
		CommandPollInterval: s.CommandPollInterval,
		FetchTimeout:        s.FetchTimeout,
		RateLimitBackoff:    s.RateLimitBackoff,
		StartupNotice:       s.StartupNotice,
		ShutdownNotice:      s.ShutdownNotice,
		OperatorChatID:      cfg.Telegram.ChatID,
		MaxStorageFailures:  cfg.Storage.MaxFailures,
		Source:              fetchSource(cfg),
	}
	if mc.MaxStorageFailures == 0 {
		mc.MaxStorageFailures = config.DefaultMaxStorageFailures
	}
	return mc, monitor.ReporterConfig{Spec: s.ReportCron, Timezone: s.ReportTimezone}, s, nil
}

func mapHTTP(cfg *config.Config) httpapi.Config {
	return httpapi.Config{Addr: strings.TrimSpace(cfg.HTTP.Addr), Pprof: cfg.HTTP.Pprof}
}
