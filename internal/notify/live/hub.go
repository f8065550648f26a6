// Package live fans dispatched events out to connected browsers over
// websockets. Each user gets an isolated cell with its own mailbox so one
// slow consumer never blocks the dispatcher.
package live

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netmapper/fabric/internal/domain/model"
)

const (
	cellMailbox   = 64
	connBuffer    = 32
	sendTimeout   = 500 * time.Millisecond
	janitorEvery  = time.Minute
	cellIdleLimit = 5 * time.Minute
)

// Hub routes events to per-user cells, creating them lazily.
type Hub struct {
	logger *slog.Logger
	cells  sync.Map // uuid.UUID -> *cell

	janitorStop chan struct{}
	stopOnce    sync.Once
}

func NewHub(logger *slog.Logger) *Hub {
	h := &Hub{logger: logger, janitorStop: make(chan struct{})}
	go h.janitor()
	return h
}

// Push delivers an event to all of one user's sessions. It satisfies the
// dispatcher's pusher contract and never blocks past the cell mailbox.
func (h *Hub) Push(userID uuid.UUID, ev *model.NotificationEvent) {
	val, ok := h.cells.Load(userID)
	if !ok {
		return
	}
	if !val.(*cell).push(ev) {
		h.logger.Warn("live mailbox overflow, event dropped", "user_id", userID, "event_type", ev.Type)
	}
}

// IsConnected reports whether the user has at least one live session.
func (h *Hub) IsConnected(userID uuid.UUID) bool {
	val, ok := h.cells.Load(userID)
	return ok && val.(*cell).sessionCount() > 0
}

// Subscribe attaches a new session for the user.
func (h *Hub) Subscribe(ctx context.Context, userID uuid.UUID) Connector {
	val, _ := h.cells.LoadOrStore(userID, newCell(userID))
	c := newConn(ctx, userID, connBuffer)
	val.(*cell).attach(c)
	return c
}

// Unsubscribe detaches a session; the last session tears the cell down.
func (h *Hub) Unsubscribe(userID, connID uuid.UUID) {
	val, ok := h.cells.Load(userID)
	if !ok {
		return
	}
	if val.(*cell).detach(connID) {
		val.(*cell).stop()
		h.cells.Delete(userID)
	}
}

// Close stops the janitor and every cell.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.janitorStop) })
	h.cells.Range(func(key, val any) bool {
		val.(*cell).stop()
		h.cells.Delete(key)
		return true
	})
}

// janitor reclaims cells whose sessions vanished without a clean detach.
func (h *Hub) janitor() {
	ticker := time.NewTicker(janitorEvery)
	defer ticker.Stop()
	for {
		select {
		case <-h.janitorStop:
			return
		case <-ticker.C:
			h.cells.Range(func(key, val any) bool {
				if val.(*cell).idle(cellIdleLimit) {
					val.(*cell).stop()
					h.cells.Delete(key)
				}
				return true
			})
		}
	}
}

// cell is the per-user delivery actor: a mailbox loop multiplexing to every
// session.
type cell struct {
	userID  uuid.UUID
	mailbox chan *model.NotificationEvent
	done    chan struct{}
	once    sync.Once

	mu         sync.RWMutex
	sessions   map[uuid.UUID]Connector
	lastActive time.Time
}

func newCell(userID uuid.UUID) *cell {
	c := &cell{
		userID:     userID,
		mailbox:    make(chan *model.NotificationEvent, cellMailbox),
		done:       make(chan struct{}),
		sessions:   make(map[uuid.UUID]Connector),
		lastActive: time.Now(),
	}
	go c.loop()
	return c
}

func (c *cell) push(ev *model.NotificationEvent) bool {
	c.touch()
	select {
	case c.mailbox <- ev:
		return true
	default:
		return false
	}
}

func (c *cell) attach(conn Connector) {
	c.mu.Lock()
	c.sessions[conn.ID()] = conn
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// detach reports whether the cell is now empty.
func (c *cell) detach(connID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.sessions[connID]; ok {
		conn.Close()
		delete(c.sessions, connID)
	}
	c.lastActive = time.Now()
	return len(c.sessions) == 0
}

func (c *cell) sessionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

func (c *cell) idle(limit time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions) == 0 && time.Since(c.lastActive) > limit
}

func (c *cell) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

func (c *cell) loop() {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.mailbox:
			c.deliver(ev)
		}
	}
}

func (c *cell) deliver(ev *model.NotificationEvent) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, conn := range c.sessions {
		conn.Send(ev, sendTimeout)
	}
}

func (c *cell) stop() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		for id, conn := range c.sessions {
			conn.Close()
			delete(c.sessions, id)
		}
		c.mu.Unlock()
	})
}
