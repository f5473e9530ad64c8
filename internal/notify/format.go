package notify

import (
	"fmt"
	"html"
	"strings"
	"time"

	"postwatch/internal/state"
)

const previewRunes = 200

// NewPostAlert renders the alert for a fresh post (HTML parse mode).
func NewPostAlert(account, url, text string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚨 <b>New post from @%s</b>\n\n", html.EscapeString(account))
	if text = strings.TrimSpace(text); text != "" {
		if r := []rune(text); len(r) > previewRunes {
			text = string(r[:previewRunes]) + "..."
		}
		fmt.Fprintf(&b, "<i>%s</i>\n\n", html.EscapeString(text))
	}
	if url != "" {
		fmt.Fprintf(&b, "<a href='%s'>View Post</a>\n\n", html.EscapeString(url))
	}
	b.WriteString("Reply <code>x</code> to stop monitoring this account.")
	return b.String()
}

func RemovedMessage(account string) string {
	return fmt.Sprintf("✅ Removed <b>@%s</b> from monitoring.", html.EscapeString(account))
}

func NotFoundMessage(account string) string {
	return fmt.Sprintf("❌ <b>@%s</b> is not on the watch-list.", html.EscapeString(account))
}

func RemoveFailedMessage(account string) string {
	return fmt.Sprintf("⚠️ Could not remove <b>@%s</b>, see logs.", html.EscapeString(account))
}

type StartupInfo struct {
	Accounts      int
	Interval      time.Duration
	RecentMinutes int
	Cooldown      time.Duration
	Source        string
}

func StartupNotice(info StartupInfo) string {
	return fmt.Sprintf("🤖 <b>Monitor started</b>\n\n"+
		"Monitoring %d accounts\n"+
		"Check every: %s\n"+
		"Notify threshold: %d min\n"+
		"Cooldown: %s\n"+
		"Source: %s",
		info.Accounts, info.Interval, info.RecentMinutes, info.Cooldown, html.EscapeString(info.Source))
}

func ShutdownNotice() string { return "🛑 <b>Monitor stopped</b>" }

func StorageFailureNotice(err error) string {
	return fmt.Sprintf("⚠️ <b>State storage unavailable</b>\n\n<code>%s</code>\n\nMonitor is shutting down.",
		html.EscapeString(err.Error()))
}

// StatsReport summarizes engine state for the operator.
func StatsReport(st state.Stats, watched int) string {
	var b strings.Builder
	b.WriteString("📊 <b>Monitor status</b>\n\n")
	fmt.Fprintf(&b, "Watched accounts: %d\n", watched)
	fmt.Fprintf(&b, "Tracked posts: %d\n", st.TotalTracked)
	fmt.Fprintf(&b, "Accounts notified: %d\n", st.AccountsWithNotifications)
	if len(st.InCooldown) == 0 {
		b.WriteString("In cooldown: none")
		return b.String()
	}
	fmt.Fprintf(&b, "In cooldown: %d", len(st.InCooldown))
	const maxListed = 20
	for i, c := range st.InCooldown {
		if i == maxListed {
			fmt.Fprintf(&b, "\n… and %d more", len(st.InCooldown)-maxListed)
			break
		}
		fmt.Fprintf(&b, "\n• @%s (%d min left)", html.EscapeString(c.Account), int(c.Remaining.Round(time.Minute).Minutes()))
	}
	return b.String()
}
