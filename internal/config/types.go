package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Monitor   MonitorConfig   `json:"monitor"`
	Watchlist WatchlistConfig `json:"watchlist"`
	Fetch     FetchConfig     `json:"fetch"`
	Storage   StorageConfig   `json:"storage"`
	HTTP      HTTPConfig      `json:"http"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// ChatID is the operator chat: alerts go there and only its replies
	// count as commands.
	ChatID int64 `json:"chat_id"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// MonitorConfig holds the poll loop settings. Integer fields keep the units
// in their names; the rest are Go duration strings.
type MonitorConfig struct {
	CheckIntervalSeconds int `json:"check_interval_seconds"`
	RecentPostMinutes    int `json:"recent_post_minutes"`
	CooldownMinutes      int `json:"cooldown_minutes"`
	NotifiedIDCapacity   int `json:"notified_id_capacity"`

	AccountDelay        string `json:"account_delay,omitempty"`
	CommandPollInterval string `json:"command_poll_interval,omitempty"`
	FetchTimeout        string `json:"fetch_timeout,omitempty"`
	RateLimitBackoff    string `json:"rate_limit_backoff,omitempty"`

	// Pointers so an omitted key defaults to true.
	StartupNotice  *bool `json:"startup_notice,omitempty"`
	ShutdownNotice *bool `json:"shutdown_notice,omitempty"`

	// ReportCron schedules a periodic status report; empty disables it.
	ReportCron     string `json:"report_cron,omitempty"`
	ReportTimezone string `json:"report_timezone,omitempty"`
}

type WatchlistConfig struct {
	Path string `json:"path"`
	// ExcludedPath defaults to excluded_accounts.txt beside Path.
	ExcludedPath string `json:"excluded_path,omitempty"`
}

type FetchConfig struct {
	Driver     string           `json:"driver"`
	TwitterAPI TwitterAPIConfig `json:"twitterapi"`
	HTML       HTMLConfig       `json:"html"`
}

type TwitterAPIConfig struct {
	APIKey      string `json:"api_key"`
	BaseURL     string `json:"base_url,omitempty"`
	Mode        string `json:"mode,omitempty"`
	MinInterval string `json:"min_interval,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

type HTMLConfig struct {
	Dir     string `json:"dir,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// StorageConfig selects the state backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./postwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	RedisAddr   string `json:"redis_addr,omitempty"`
	RedisPrefix string `json:"redis_prefix,omitempty"`
	// MaxFailures is how many notifications in a row may fail to persist
	// before the monitor gives up.
	MaxFailures int `json:"max_failures,omitempty"`
}

type HTTPConfig struct {
	Addr  string `json:"addr,omitempty"`
	Pprof bool   `json:"pprof,omitempty"`
}
