package live

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/netmapper/fabric/internal/domain/model"
)

var _ Connector = (*conn)(nil)

// Connector is one delivery session (a websocket tab) for a user. The send
// channel is never closed; Done signals teardown instead, so a racing Send
// can never panic.
type Connector interface {
	ID() uuid.UUID
	UserID() uuid.UUID
	Send(ev *model.NotificationEvent, timeout time.Duration) bool
	Recv() <-chan *model.NotificationEvent
	Done() <-chan struct{}
	Close()
}

type conn struct {
	id     uuid.UUID
	userID uuid.UUID

	ctx      context.Context
	cancel   context.CancelFunc
	sendCh   chan *model.NotificationEvent
	closeOne sync.Once
	dropped  atomic.Uint64
}

func newConn(ctx context.Context, userID uuid.UUID, buffer int) *conn {
	child, cancel := context.WithCancel(ctx)
	return &conn{
		id:     uuid.New(),
		userID: userID,
		ctx:    child,
		cancel: cancel,
		sendCh: make(chan *model.NotificationEvent, buffer),
	}
}

func (c *conn) ID() uuid.UUID     { return c.id }
func (c *conn) UserID() uuid.UUID { return c.userID }

// Send enqueues with a bounded wait. A saturated buffer sheds low-priority
// events first so a stalled tab cannot hold the cell hostage.
func (c *conn) Send(ev *model.NotificationEvent, timeout time.Duration) bool {
	if c.ctx.Err() != nil {
		return false
	}
	wait, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	select {
	case <-c.ctx.Done():
		return false
	case c.sendCh <- ev:
		return true
	case <-wait.Done():
		return c.shed(ev)
	}
}

// shed drops the incoming event when it is low priority, otherwise evicts
// one queued lower-priority event to make room.
func (c *conn) shed(ev *model.NotificationEvent) bool {
	if ev.Priority.Rank() <= model.PriorityLow.Rank() {
		c.dropped.Add(1)
		return false
	}

	select {
	case old := <-c.sendCh:
		if old.Priority.Rank() < ev.Priority.Rank() {
			select {
			case c.sendCh <- ev:
				return true
			default:
			}
			c.dropped.Add(1)
			return false
		}
		// The queued event mattered as much; put it back best-effort.
		select {
		case c.sendCh <- old:
		default:
		}
	default:
	}
	c.dropped.Add(1)
	return false
}

func (c *conn) Recv() <-chan *model.NotificationEvent { return c.sendCh }

func (c *conn) Done() <-chan struct{} { return c.ctx.Done() }

func (c *conn) Close() {
	c.closeOne.Do(c.cancel)
}
