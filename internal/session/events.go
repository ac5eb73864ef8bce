package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind classifies operator-facing events.
type EventKind string

const (
	KindLog           EventKind = "log"
	KindRobotStatus   EventKind = "robot_status"
	KindRefBoxStatus  EventKind = "refbox_status"
	KindRefBoxMessage EventKind = "refbox_message"
)

// Event is one entry of the operator log.
type Event struct {
	ID      uuid.UUID `json:"id"`
	Time    time.Time `json:"time"`
	Kind    EventKind `json:"kind"`
	RobotID string    `json:"robot_id,omitempty"`
	Message string    `json:"message"`
}

// Subscribe registers a new event consumer. Delivery is best effort: a
// subscriber whose buffer is full misses events rather than stalling the
// publisher.
func (c *Coordinator) Subscribe() (uuid.UUID, <-chan Event) {
	id := uuid.New()
	ch := make(chan Event, c.eventBuffer)
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (c *Coordinator) Unsubscribe(id uuid.UUID) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if ch, ok := c.subscribers[id]; ok {
		close(ch)
		delete(c.subscribers, id)
	}
}

func (c *Coordinator) publish(kind EventKind, robotID, format string, args ...interface{}) {
	ev := Event{
		ID:      uuid.New(),
		Time:    c.clock.Now(),
		Kind:    kind,
		RobotID: robotID,
		Message: fmt.Sprintf(format, args...),
	}
	c.logf("%s: %s", kind, ev.Message)

	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, ch := range c.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (c *Coordinator) closeSubscribers() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subscribers {
		close(ch)
		delete(c.subscribers, id)
	}
}
