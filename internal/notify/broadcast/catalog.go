// Package broadcast keeps the catalog of owner-scheduled announcements.
// The catalog is file-backed: broadcasts are few, and surviving restarts
// matters more than query power.
package broadcast

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/statefile"
)

// Catalog is the persistent set of scheduled broadcasts.
type Catalog struct {
	file *statefile.File

	mu    sync.Mutex
	items map[uuid.UUID]*model.ScheduledBroadcast
}

func NewCatalog(file *statefile.File) (*Catalog, error) {
	c := &Catalog{file: file, items: make(map[uuid.UUID]*model.ScheduledBroadcast)}

	var stored []*model.ScheduledBroadcast
	err := file.Load(&stored)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	for _, b := range stored {
		c.items[b.ID] = b
	}
	return c, nil
}

func (c *Catalog) persistLocked() error {
	items := make([]*model.ScheduledBroadcast, 0, len(c.items))
	for _, b := range c.items {
		items = append(items, b)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return c.file.Save(items)
}

// Create schedules a new broadcast. Type defaults to scheduled maintenance,
// priority to the type's default; the scheduled time must be in the future.
func (c *Catalog) Create(b *model.ScheduledBroadcast) (*model.ScheduledBroadcast, error) {
	if b.Title == "" || b.Message == "" {
		return nil, model.ErrValidation
	}
	if !b.ScheduledAt.After(time.Now()) {
		return nil, model.ErrValidation
	}
	if b.Type == "" {
		b.Type = model.TypeScheduledMaintenance
	}
	if !b.Type.Valid() {
		return nil, model.ErrValidation
	}
	if b.Priority == "" {
		b.Priority = model.DefaultPriorityFor(b.Type)
	}
	if !b.Priority.Valid() {
		return nil, model.ErrValidation
	}

	now := time.Now().UTC()
	b.ID = uuid.New()
	b.Status = model.BroadcastPending
	b.CreatedAt = now
	b.UpdatedAt = now

	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[b.ID] = b
	if err := c.persistLocked(); err != nil {
		delete(c.items, b.ID)
		return nil, err
	}
	cp := *b
	return &cp, nil
}

// Get returns one broadcast.
func (c *Catalog) Get(id uuid.UUID) (*model.ScheduledBroadcast, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.items[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

// List returns every broadcast, newest schedule first.
func (c *Catalog) List() []*model.ScheduledBroadcast {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*model.ScheduledBroadcast, 0, len(c.items))
	for _, b := range c.items {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.After(out[j].ScheduledAt) })
	return out
}

// Update edits title, message, type, priority or schedule of a pending
// broadcast. Non-pending broadcasts are immutable.
func (c *Catalog) Update(id uuid.UUID, mutate func(*model.ScheduledBroadcast) error) (*model.ScheduledBroadcast, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.items[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	if b.Status != model.BroadcastPending {
		return nil, model.ErrConflict
	}

	edited := *b
	if err := mutate(&edited); err != nil {
		return nil, err
	}
	edited.ID, edited.Status, edited.CreatedAt = b.ID, b.Status, b.CreatedAt
	edited.UpdatedAt = time.Now().UTC()

	c.items[id] = &edited
	if err := c.persistLocked(); err != nil {
		c.items[id] = b
		return nil, err
	}
	cp := edited
	return &cp, nil
}

// Cancel moves a pending broadcast to cancelled.
func (c *Catalog) Cancel(id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.items[id]
	if !ok {
		return model.ErrNotFound
	}
	if b.Status != model.BroadcastPending {
		return model.ErrConflict
	}
	b.Status = model.BroadcastCancelled
	b.UpdatedAt = time.Now().UTC()
	return c.persistLocked()
}

// Delete removes a broadcast from the catalog; pending ones must be
// cancelled first.
func (c *Catalog) Delete(id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.items[id]
	if !ok {
		return model.ErrNotFound
	}
	if b.Status == model.BroadcastPending {
		return model.ErrConflict
	}
	delete(c.items, id)
	return c.persistLocked()
}

// DuePending returns pending broadcasts whose schedule has passed, compared
// in UTC, oldest first.
func (c *Catalog) DuePending(now time.Time) []*model.ScheduledBroadcast {
	c.mu.Lock()
	defer c.mu.Unlock()
	var due []*model.ScheduledBroadcast
	for _, b := range c.items {
		if b.Status == model.BroadcastPending && !b.ScheduledAt.UTC().After(now.UTC()) {
			cp := *b
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })
	return due
}

// MarkSent records a successful dispatch.
func (c *Catalog) MarkSent(id uuid.UUID, usersNotified int, at time.Time) error {
	return c.finish(id, func(b *model.ScheduledBroadcast) {
		b.Status = model.BroadcastSent
		sent := at.UTC()
		b.SentAt = &sent
		b.UsersNotified = usersNotified
	})
}

// MarkFailed records a dispatch failure with its error text.
func (c *Catalog) MarkFailed(id uuid.UUID, cause error) error {
	return c.finish(id, func(b *model.ScheduledBroadcast) {
		b.Status = model.BroadcastFailed
		b.Error = cause.Error()
	})
}

func (c *Catalog) finish(id uuid.UUID, apply func(*model.ScheduledBroadcast)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.items[id]
	if !ok {
		return model.ErrNotFound
	}
	apply(b)
	b.UpdatedAt = time.Now().UTC()
	return c.persistLocked()
}
