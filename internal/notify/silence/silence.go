// Package silence tracks devices whose notifications are muted. The
// detector keeps training on silenced devices; only delivery stops.
package silence

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/statefile"
)

// Entry is one muted device, optionally until a deadline.
type Entry struct {
	NetworkID  uuid.UUID  `json:"network_id"`
	DeviceIP   string     `json:"device_ip"`
	DeviceName string     `json:"device_name,omitempty"`
	SilencedBy uuid.UUID  `json:"silenced_by"`
	SilencedAt time.Time  `json:"silenced_at"`
	Until      *time.Time `json:"until,omitempty"`
}

func (e *Entry) expired(now time.Time) bool {
	return e.Until != nil && now.After(*e.Until)
}

type key struct {
	network uuid.UUID
	ip      string
}

// List is the persistent silenced-device set.
type List struct {
	file *statefile.File

	mu      sync.Mutex
	entries map[key]*Entry
}

func NewList(file *statefile.File) (*List, error) {
	l := &List{file: file, entries: make(map[key]*Entry)}

	var stored []*Entry
	err := file.Load(&stored)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	for _, e := range stored {
		l.entries[key{e.NetworkID, e.DeviceIP}] = e
	}
	return l, nil
}

func (l *List) persistLocked() error {
	entries := make([]*Entry, 0, len(l.entries))
	for _, e := range l.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].SilencedAt.Before(entries[j].SilencedAt)
	})
	return l.file.Save(entries)
}

// Silence mutes a device; re-silencing replaces the previous entry.
func (l *List) Silence(e Entry) error {
	if e.DeviceIP == "" {
		return model.ErrValidation
	}
	if e.SilencedAt.IsZero() {
		e.SilencedAt = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key{e.NetworkID, e.DeviceIP}] = &e
	return l.persistLocked()
}

// Unsilence unmutes a device.
func (l *List) Unsilence(networkID uuid.UUID, deviceIP string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key{networkID, deviceIP}
	if _, ok := l.entries[k]; !ok {
		return model.ErrNotFound
	}
	delete(l.entries, k)
	return l.persistLocked()
}

// IsSilenced reports whether the device is currently muted. Expired entries
// are dropped lazily.
func (l *List) IsSilenced(networkID uuid.UUID, deviceIP string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key{networkID, deviceIP}
	e, ok := l.entries[k]
	if !ok {
		return false
	}
	if e.expired(time.Now()) {
		delete(l.entries, k)
		_ = l.persistLocked()
		return false
	}
	return true
}

// ForNetwork lists the live entries for one network.
func (l *List) ForNetwork(networkID uuid.UUID) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	var out []Entry
	for k, e := range l.entries {
		if k.network != networkID {
			continue
		}
		if e.expired(now) {
			delete(l.entries, k)
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SilencedAt.Before(out[j].SilencedAt) })
	return out
}
