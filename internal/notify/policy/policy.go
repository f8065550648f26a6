// Package policy decides, per user and event, whether a notification is
// delivered and why not.
package policy

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/netmapper/fabric/internal/domain/model"
)

// Deny reasons reported to callers and delivery records.
const (
	ReasonNoChannels    = "no channels enabled"
	ReasonTypeDisabled  = "notification type disabled"
	ReasonBelowMinimum  = "below minimum priority"
	ReasonQuietHours    = "quiet hours"
	ReasonRateLimited   = "rate limit exceeded"
)

// Input is the preference view the engine evaluates. EnabledTypes nil means
// the type filter does not apply (global preferences).
type Input struct {
	UserID          uuid.UUID
	Channels        []model.Channel
	EnabledTypes    []model.NotificationType
	TypeFiltered    bool
	TypePriorities  map[model.NotificationType]model.Priority
	MinimumPriority model.Priority
	QuietHours      model.QuietHours
	MaxPerHour      int
}

// FromNetworkPrefs shapes per-network preferences for evaluation.
func FromNetworkPrefs(p *model.NetworkPreferences) Input {
	return Input{
		UserID:          p.UserID,
		Channels:        enabledChannels(p.EmailEnabled, p.ChatDMEnabled, p.ChatChannelEnabled),
		EnabledTypes:    p.EnabledTypes,
		TypeFiltered:    true,
		TypePriorities:  p.TypePriorities,
		MinimumPriority: p.MinimumPriority,
		QuietHours:      p.QuietHours,
		MaxPerHour:      p.MaxNotificationsPerHour,
	}
}

// FromGlobalPrefs shapes platform-wide preferences; the per-type filter does
// not apply there.
func FromGlobalPrefs(p *model.GlobalPreferences) Input {
	return Input{
		UserID:          p.UserID,
		Channels:        enabledChannels(p.EmailEnabled, p.ChatDMEnabled, p.ChatChannelEnabled),
		MinimumPriority: p.MinimumPriority,
		QuietHours:      p.QuietHours,
		MaxPerHour:      p.MaxNotificationsPerHour,
	}
}

func enabledChannels(email, dm, channel bool) []model.Channel {
	var out []model.Channel
	if email {
		out = append(out, model.ChannelEmail)
	}
	if dm {
		out = append(out, model.ChannelChatDM)
	}
	if channel {
		out = append(out, model.ChannelChatChannel)
	}
	return out
}

// Engine evaluates delivery policy and enforces the per-user hourly rate.
type Engine struct {
	rates  *rateWindow
	logger *slog.Logger
}

func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{rates: newRateWindow(), logger: logger}
}

// Evaluate reports whether the event should be delivered to the user, with
// the deny reason otherwise. An allow consumes one slot of the user's
// hourly budget.
func (e *Engine) Evaluate(in Input, ev *model.NotificationEvent, now time.Time) (bool, string) {
	if len(in.Channels) == 0 {
		return false, ReasonNoChannels
	}
	if in.TypeFiltered && !typeEnabled(in.EnabledTypes, ev.Type) {
		return false, ReasonTypeDisabled
	}

	effective := EffectivePriority(in.TypePriorities, ev)
	if effective.Rank() < in.MinimumPriority.Rank() {
		return false, ReasonBelowMinimum
	}

	if inQuietHours(in.QuietHours, now) {
		bypass := in.QuietHours.BypassPriority
		if bypass == nil || effective.Rank() < bypass.Rank() {
			return false, ReasonQuietHours
		}
	}

	if in.MaxPerHour > 0 && !e.rates.allow(in.UserID, in.MaxPerHour, now) {
		return false, ReasonRateLimited
	}
	return true, ""
}

// Prune releases rate bookkeeping for users idle longer than the window.
func (e *Engine) Prune(now time.Time) {
	e.rates.prune(now)
}

// EffectivePriority resolves per-type override, then the event's own
// priority, then the static default for the type.
func EffectivePriority(overrides map[model.NotificationType]model.Priority, ev *model.NotificationEvent) model.Priority {
	if p, ok := overrides[ev.Type]; ok && p.Valid() {
		return p
	}
	if ev.Priority.Valid() {
		return ev.Priority
	}
	return model.DefaultPriorityFor(ev.Type)
}

func typeEnabled(enabled []model.NotificationType, t model.NotificationType) bool {
	for _, e := range enabled {
		if e == t {
			return true
		}
	}
	return false
}

// inQuietHours computes wall-clock containment in the user's timezone; an
// unknown timezone falls back to server local time. The window may wrap
// midnight.
func inQuietHours(q model.QuietHours, now time.Time) bool {
	if !q.Enabled {
		return false
	}
	loc, err := time.LoadLocation(q.Timezone)
	if err != nil || q.Timezone == "" {
		loc = time.Local
	}
	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()

	start, ok := parseClock(q.Start)
	if !ok {
		return false
	}
	end, ok := parseClock(q.End)
	if !ok {
		return false
	}

	if start > end {
		// Wraps midnight, e.g. 22:00-07:00.
		return cur >= start || cur < end
	}
	return cur >= start && cur < end
}

func parseClock(s string) (int, bool) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// EnsureDefaults applies the one-time migration that turns device add and
// remove events on for pre-existing preference rows. The hidden marker in
// the per-type overrides makes it idempotent; the caller persists when true
// is returned.
func EnsureDefaults(p *model.NetworkPreferences) bool {
	if p.TypePriorities == nil {
		p.TypePriorities = make(map[model.NotificationType]model.Priority)
	}
	if _, done := p.TypePriorities[model.DefaultsMarker]; done {
		return false
	}
	for _, t := range []model.NotificationType{model.TypeDeviceAdded, model.TypeDeviceRemoved} {
		if !typeEnabled(p.EnabledTypes, t) {
			p.EnabledTypes = append(p.EnabledTypes, t)
		}
	}
	p.TypePriorities[model.DefaultsMarker] = model.PriorityLow
	return true
}
