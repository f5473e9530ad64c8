package config

import (
	"reflect"
	"strings"
)

// Change describes what a reload touched. Sections apply live; Restart lists
// settings that only take effect after a restart.
type Change struct {
	Sections []string
	Restart  []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 && len(c.Restart) == 0 }

// Diff compares two configs without ever exposing secrets.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if oldCfg.Telegram.Token != newCfg.Telegram.Token {
		ch.Restart = append(ch.Restart, "telegram.token")
	}
	if oldCfg.Telegram.ChatID != newCfg.Telegram.ChatID {
		ch.Restart = append(ch.Restart, "telegram.chat_id")
	}
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) {
		ch.Restart = append(ch.Restart, "telegram.poll_timeout")
	}

	if oldCfg.Logging != newCfg.Logging {
		ch.Sections = append(ch.Sections, "logging")
	}
	if !reflect.DeepEqual(oldCfg.Monitor, newCfg.Monitor) {
		ch.Sections = append(ch.Sections, "monitor")
	}
	if oldCfg.Watchlist != newCfg.Watchlist {
		ch.Restart = append(ch.Restart, "watchlist")
	}
	if oldCfg.Fetch != newCfg.Fetch {
		ch.Restart = append(ch.Restart, "fetch")
	}
	if oldCfg.Storage != newCfg.Storage {
		ch.Restart = append(ch.Restart, "storage")
	}
	if oldCfg.HTTP != newCfg.HTTP {
		ch.Sections = append(ch.Sections, "http")
	}
	return ch
}
