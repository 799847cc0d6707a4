package ksibot

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// commandCooldowns enforces a per-user, per-command cooldown. Each
// (user, command) pair gets its own limiter with a burst of one, so a
// user's first invocation always goes through and repeats inside the
// command's cooldown window are rejected.
type commandCooldowns struct {
	mu       sync.Mutex
	periods  map[string]time.Duration
	limiters map[string]*rate.Limiter
}

func newCommandCooldowns() *commandCooldowns {
	return &commandCooldowns{
		periods: map[string]time.Duration{
			DiscordSlashCommandRemind:        DefaultRemindCooldown,
			DiscordSlashCommandGroupReminder: DefaultGroupReminderCooldown,
			DiscordSlashCommandInformator:    DefaultInfoCooldown,
			DiscordSlashCommandBaca:          DefaultInfoCooldown,
			DiscordSlashCommandMordor:        DefaultInfoCooldown,
			DiscordSlashCommandPing:          DefaultPingCooldown,
		},
		limiters: map[string]*rate.Limiter{},
	}
}

// Allow reports whether the given user may run the given command now,
// consuming a slot if so. Commands without a configured cooldown are
// always allowed.
func (c *commandCooldowns) Allow(command string, userID string) bool {
	period, ok := c.periods[command]
	if !ok {
		return true
	}

	key := fmt.Sprintf("%s:%s", command, userID)

	c.mu.Lock()
	limiter, ok := c.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(period), 1)
		c.limiters[key] = limiter
	}
	c.mu.Unlock()

	return limiter.Allow()
}

// Period returns the configured cooldown for a command.
func (c *commandCooldowns) Period(command string) time.Duration {
	return c.periods[command]
}
