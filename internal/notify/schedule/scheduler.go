// Package schedule drives time-based dispatch: due broadcasts every 30s and
// an hourly release-version check.
package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/notify/broadcast"
)

// Dispatcher is the slice of the notification dispatcher the scheduler
// needs.
type Dispatcher interface {
	DispatchBroadcast(ctx context.Context, b *model.ScheduledBroadcast) (int, error)
	DispatchGlobal(ctx context.Context, ev *model.NotificationEvent) (int, error)
}

// Scheduler is the single background loop of the notification service.
type Scheduler struct {
	cron       *cron.Cron
	catalog    *broadcast.Catalog
	dispatcher Dispatcher
	version    *VersionChecker
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func New(catalog *broadcast.Catalog, dispatcher Dispatcher, version *VersionChecker, logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:       cron.New(),
		catalog:    catalog,
		dispatcher: dispatcher,
		version:    version,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start registers the ticks and launches the loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("@every 30s", s.sweepBroadcasts); err != nil {
		return err
	}
	if s.version != nil {
		if _, err := s.cron.AddFunc("@every 1h", s.checkVersion); err != nil {
			return err
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started")
	return nil
}

// Stop cancels in-flight work and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// sweepBroadcasts dispatches every pending broadcast whose time has come.
func (s *Scheduler) sweepBroadcasts() {
	for _, b := range s.catalog.DuePending(time.Now()) {
		notified, err := s.dispatcher.DispatchBroadcast(s.ctx, b)
		if err != nil {
			s.logger.Error("broadcast dispatch failed", "broadcast_id", b.ID, "err", err)
			if markErr := s.catalog.MarkFailed(b.ID, err); markErr != nil {
				s.logger.Error("broadcast status update failed", "broadcast_id", b.ID, "err", markErr)
			}
			continue
		}
		if err := s.catalog.MarkSent(b.ID, notified, time.Now()); err != nil {
			s.logger.Error("broadcast status update failed", "broadcast_id", b.ID, "err", err)
		}
		s.logger.Info("scheduled broadcast sent",
			"broadcast_id", b.ID, "title", b.Title, "users_notified", notified)
	}
}

func (s *Scheduler) checkVersion() {
	ev, err := s.version.Check(s.ctx)
	if err != nil {
		s.logger.Warn("version check failed", "err", err)
		return
	}
	if ev == nil {
		return
	}
	if _, err := s.dispatcher.DispatchGlobal(s.ctx, ev); err != nil {
		s.logger.Error("version notification failed", "err", err)
	}
}
