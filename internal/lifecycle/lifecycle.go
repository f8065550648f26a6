// Package lifecycle owns the notifier's startup and shutdown choreography:
// service up/down announcements, the clean-shutdown marker, and anomaly
// snapshot persistence.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/notify/anomaly"
	"github.com/netmapper/fabric/internal/statefile"
)

const drainPause = time.Second

// Broadcaster delivers service-status events to global subscribers.
type Broadcaster interface {
	DispatchGlobal(ctx context.Context, ev *model.NotificationEvent) (int, error)
}

// marker is the shutdown-state document surviving restarts.
type marker struct {
	CleanShutdown bool       `json:"clean_shutdown"`
	LastShutdown  *time.Time `json:"last_shutdown,omitempty"`
	LastStartup   *time.Time `json:"last_startup,omitempty"`
}

// Coordinator runs the C-plane of process start and stop. It is notifier
// specific: the gateway and identity services have no announcement duties.
type Coordinator struct {
	markerFile   *statefile.File
	snapshotFile *statefile.File
	anomalies    *anomaly.Manager
	events       Broadcaster
	logger       *slog.Logger

	// pause lets tests skip the delivery drain.
	pause func(time.Duration)
	now   func() time.Time
}

func NewCoordinator(
	state *statefile.Dir,
	anomalies *anomaly.Manager,
	events Broadcaster,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		markerFile:   state.File("shutdown-state.json"),
		snapshotFile: state.File("anomaly-snapshots.json"),
		anomalies:    anomalies,
		events:       events,
		logger:       logger,
		pause:        time.Sleep,
		now:          time.Now,
	}
}

// Startup restores detector state, announces the service coming up, and
// marks the process as running. Announcement failures are logged, never
// fatal.
func (c *Coordinator) Startup(ctx context.Context) error {
	c.restoreSnapshots()

	var prev marker
	err := c.markerFile.Load(&prev)
	switch {
	case err == nil:
		c.announceUp(ctx, &prev)
	case errors.Is(err, model.ErrNotFound):
		// No marker plus surviving detector state means the process died
		// before it could record the shutdown. A truly fresh install has
		// neither and stays quiet.
		if c.hasSnapshots() {
			c.announceRecovered(ctx)
		}
	default:
		return fmt.Errorf("read shutdown state: %w", err)
	}

	started := c.now().UTC()
	running := marker{CleanShutdown: false, LastStartup: &started}
	if prev.LastShutdown != nil {
		running.LastShutdown = prev.LastShutdown
	}
	if err := c.markerFile.Save(running); err != nil {
		return fmt.Errorf("write shutdown state: %w", err)
	}
	return nil
}

// Shutdown announces the service going down, persists detector state and
// marks the shutdown clean. Steps degrade independently.
func (c *Coordinator) Shutdown(ctx context.Context) {
	ev := model.NewEvent(model.TypeCartographerDown, model.PriorityCritical,
		"Cartographer is shutting down",
		"The monitoring service is going offline. Notifications pause until it returns.")
	if _, err := c.events.DispatchGlobal(ctx, ev); err != nil {
		c.logger.Warn("shutdown announcement failed", "err", err)
	}
	c.pause(drainPause)

	if err := c.snapshotFile.Save(c.anomalies.Snapshot()); err != nil {
		c.logger.Error("failed to persist anomaly snapshots", "err", err)
	}

	stopped := c.now().UTC()
	var m marker
	if err := c.markerFile.Load(&m); err != nil && !errors.Is(err, model.ErrNotFound) {
		c.logger.Warn("shutdown state unreadable, rewriting", "err", err)
	}
	m.CleanShutdown = true
	m.LastShutdown = &stopped
	if err := c.markerFile.Save(m); err != nil {
		c.logger.Error("failed to write shutdown state", "err", err)
	}
}

func (c *Coordinator) announceUp(ctx context.Context, prev *marker) {
	var (
		title   = "Cartographer is back online"
		message = "The monitoring service has started."
	)
	if prev.CleanShutdown && prev.LastShutdown != nil {
		message = fmt.Sprintf("The monitoring service is back after %s of planned downtime.",
			humanDuration(c.now().Sub(*prev.LastShutdown)))
	} else if !prev.CleanShutdown {
		message = "The monitoring service recovered from an unexpected shutdown."
	}

	ev := model.NewEvent(model.TypeCartographerUp, model.PriorityMedium, title, message)
	if prev.LastShutdown != nil {
		ev.Details = map[string]any{
			"last_shutdown":  prev.LastShutdown.UTC().Format(time.RFC3339),
			"clean_shutdown": prev.CleanShutdown,
		}
	}
	if _, err := c.events.DispatchGlobal(ctx, ev); err != nil {
		c.logger.Warn("startup announcement failed", "err", err)
	}
}

func (c *Coordinator) announceRecovered(ctx context.Context) {
	ev := model.NewEvent(model.TypeCartographerUp, model.PriorityMedium,
		"Cartographer is back online",
		"The monitoring service recovered from an unexpected shutdown.")
	if _, err := c.events.DispatchGlobal(ctx, ev); err != nil {
		c.logger.Warn("startup announcement failed", "err", err)
	}
}

func (c *Coordinator) restoreSnapshots() {
	var snapshot map[uuid.UUID]map[string]*anomaly.DeviceStats
	err := c.snapshotFile.Load(&snapshot)
	if errors.Is(err, model.ErrNotFound) {
		return
	}
	if err != nil {
		c.logger.Warn("anomaly snapshots unreadable, starting cold", "err", err)
		return
	}
	c.anomalies.Restore(snapshot)
	c.logger.Info("anomaly baselines restored", "networks", len(snapshot))
}

func (c *Coordinator) hasSnapshots() bool {
	var snapshot map[uuid.UUID]map[string]*anomaly.DeviceStats
	return c.snapshotFile.Load(&snapshot) == nil && len(snapshot) > 0
}

// SnapshotNow persists the current detector baselines; the scheduler calls
// this periodically so a crash loses little training.
func (c *Coordinator) SnapshotNow() error {
	return c.snapshotFile.Save(c.anomalies.Snapshot())
}

func humanDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%d seconds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	default:
		return fmt.Sprintf("%.1f hours", d.Hours())
	}
}
