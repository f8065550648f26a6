package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/notify/outage"
	"github.com/netmapper/fabric/internal/notify/policy"
	"github.com/netmapper/fabric/internal/store"
)

// Dispatcher resolves recipients, applies delivery policy, drives the
// channel adapters and records every outcome.
type Dispatcher struct {
	st       *store.Store
	policy   *policy.Engine
	outages  *outage.Aggregator
	adapters map[model.Channel]Adapter
	pusher   Pusher
	silences Silencer
	logger   *slog.Logger
}

func New(st *store.Store, engine *policy.Engine, outages *outage.Aggregator, adapters []Adapter, logger *slog.Logger) *Dispatcher {
	byChannel := make(map[model.Channel]Adapter, len(adapters))
	for _, a := range adapters {
		byChannel[a.Channel()] = a
	}
	return &Dispatcher{
		st:       st,
		policy:   engine,
		outages:  outages,
		adapters: byChannel,
		logger:   logger,
	}
}

// SetPusher attaches the real-time fan-out; optional.
func (d *Dispatcher) SetPusher(p Pusher) { d.pusher = p }

// SetSilencer attaches the silenced-device filter; optional.
func (d *Dispatcher) SetSilencer(s Silencer) { d.silences = s }

// DispatchToNetwork delivers one event to every member of a network whose
// preferences allow it. Recipient emails and preferences are each fetched in
// a single batch query.
func (d *Dispatcher) DispatchToNetwork(ctx context.Context, networkID uuid.UUID, ev *model.NotificationEvent) (map[uuid.UUID][]model.NotificationRecord, error) {
	members, err := d.st.Networks.Members(ctx, networkID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return map[uuid.UUID][]model.NotificationRecord{}, nil
	}

	emails, err := d.st.Users.BatchEmails(ctx, members)
	if err != nil {
		return nil, err
	}
	prefs, err := d.st.Preferences.BatchGetNetwork(ctx, networkID, members)
	if err != nil {
		return nil, err
	}

	out := make(map[uuid.UUID][]model.NotificationRecord)
	var batch []model.NotificationRecord
	now := time.Now()

	for _, userID := range members {
		if _, active := emails[userID]; !active {
			continue
		}
		p := prefs[userID]
		in := policy.FromNetworkPrefs(p)
		allowed, reason := d.policy.Evaluate(in, ev, now)
		if !allowed {
			d.logger.Debug("delivery suppressed",
				"user_id", userID, "event_type", ev.Type, "reason", reason)
			continue
		}

		records := d.deliver(ctx, Recipient{
			UserID:     userID,
			Email:      emails[userID],
			ChatUserID: p.ChatUserID,
		}, in.Channels, ev)
		out[userID] = records
		batch = append(batch, records...)
	}

	if err := d.st.Records.InsertBatch(ctx, batch); err != nil {
		d.logger.Error("failed to persist delivery records", "event_id", ev.EventID, "err", err)
	}
	return out, nil
}

// DispatchGlobal delivers a platform-wide event to users who opted into
// service-status notifications. Such events carry no network id.
func (d *Dispatcher) DispatchGlobal(ctx context.Context, ev *model.NotificationEvent) (int, error) {
	subscribers, err := d.st.Preferences.ListGlobalSubscribers(ctx)
	if err != nil {
		return 0, err
	}
	if len(subscribers) == 0 {
		return 0, nil
	}
	emails, err := d.st.Users.BatchEmails(ctx, subscribers)
	if err != nil {
		return 0, err
	}

	notified := 0
	var batch []model.NotificationRecord
	now := time.Now()

	for _, userID := range subscribers {
		email, active := emails[userID]
		if !active {
			continue
		}
		p, err := d.st.Preferences.GetGlobal(ctx, userID)
		if err != nil {
			d.logger.Warn("global preferences unreadable, skipping user", "user_id", userID, "err", err)
			continue
		}
		in := policy.FromGlobalPrefs(p)
		allowed, reason := d.policy.Evaluate(in, ev, now)
		if !allowed {
			d.logger.Debug("global delivery suppressed", "user_id", userID, "reason", reason)
			continue
		}
		records := d.deliver(ctx, Recipient{UserID: userID, Email: email, ChatUserID: p.ChatUserID}, in.Channels, ev)
		batch = append(batch, records...)
		notified++
	}

	if err := d.st.Records.InsertBatch(ctx, batch); err != nil {
		d.logger.Error("failed to persist delivery records", "event_id", ev.EventID, "err", err)
	}
	return notified, nil
}

// DispatchBroadcast delivers an owner-authored announcement to every
// service-status subscriber and reports how many users it reached.
func (d *Dispatcher) DispatchBroadcast(ctx context.Context, b *model.ScheduledBroadcast) (int, error) {
	return d.DispatchGlobal(ctx, b.Event())
}

// RouteDeviceEvent sends device-state events through the mass-outage buffer
// before any delivery happens. Offline events wait for correlation; online
// events clear their pending entry and deliver immediately.
func (d *Dispatcher) RouteDeviceEvent(ctx context.Context, networkID uuid.UUID, ev *model.NotificationEvent) error {
	if d.silences != nil && ev.DeviceIP != "" && d.silences.IsSilenced(networkID, ev.DeviceIP) {
		d.logger.Debug("device silenced, event dropped", "network_id", networkID, "device_ip", ev.DeviceIP)
		return nil
	}

	switch ev.Type {
	case model.TypeDeviceOffline:
		d.outages.RecordOffline(networkID, ev.DeviceIP, ev.DeviceName, ev)
		if d.outages.ShouldAggregate(networkID) {
			if mass := d.outages.FlushAndCreateMassOutage(networkID); mass != nil {
				_, err := d.DispatchToNetwork(ctx, networkID, mass)
				return err
			}
		}
		return d.dispatchExpired(ctx, networkID)

	case model.TypeDeviceOnline:
		d.outages.RemoveDevice(networkID, ev.DeviceIP)
		_, err := d.DispatchToNetwork(ctx, networkID, ev)
		if err != nil {
			return err
		}
		return d.dispatchExpired(ctx, networkID)

	default:
		_, err := d.DispatchToNetwork(ctx, networkID, ev)
		return err
	}
}

func (d *Dispatcher) dispatchExpired(ctx context.Context, networkID uuid.UUID) error {
	for _, stale := range d.outages.GetExpiredEvents(networkID) {
		if _, err := d.DispatchToNetwork(ctx, networkID, stale); err != nil {
			return err
		}
	}
	return nil
}

// DispatchTest sends a synthetic event to one user over the requested
// channels, bypassing policy so users can verify their configuration.
func (d *Dispatcher) DispatchTest(ctx context.Context, userID uuid.UUID, channels []model.Channel) ([]model.NotificationRecord, error) {
	emails, err := d.st.Users.BatchEmails(ctx, []uuid.UUID{userID})
	if err != nil {
		return nil, err
	}
	email, active := emails[userID]
	if !active {
		return nil, model.ErrNotFound
	}
	prefs, err := d.st.Preferences.GetGlobal(ctx, userID)
	if err != nil {
		return nil, err
	}

	ev := model.NewEvent(model.TypeSystemStatus, model.PriorityLow,
		"Test notification",
		"If you can read this, the channel works.")
	records := d.deliver(ctx, Recipient{UserID: userID, Email: email, ChatUserID: prefs.ChatUserID}, channels, ev)
	if err := d.st.Records.InsertBatch(ctx, records); err != nil {
		d.logger.Error("failed to persist delivery records", "event_id", ev.EventID, "err", err)
	}
	return records, nil
}

// deliver runs one user's enabled channels sequentially; every channel
// record for the event shares one notification id.
func (d *Dispatcher) deliver(ctx context.Context, to Recipient, channels []model.Channel, ev *model.NotificationEvent) []model.NotificationRecord {
	notificationID := uuid.New()
	records := make([]model.NotificationRecord, 0, len(channels))

	for _, ch := range channels {
		rec := model.NotificationRecord{
			ID:             uuid.New(),
			NotificationID: notificationID,
			EventID:        ev.EventID,
			UserID:         to.UserID,
			Channel:        ch,
			CreatedAt:      time.Now().UTC(),
		}
		if adapter, ok := d.adapters[ch]; ok {
			if err := adapter.Send(ctx, to, ev); err != nil {
				rec.Error = err.Error()
				d.logger.Warn("channel delivery failed",
					"user_id", to.UserID, "channel", ch, "event_type", ev.Type, "err", err)
			} else {
				rec.Success = true
			}
		} else {
			rec.Error = "channel unavailable"
		}
		records = append(records, rec)
	}

	if d.pusher != nil {
		d.pusher.Push(to.UserID, ev)
	}
	return records
}
