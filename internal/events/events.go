package events

import (
	"sync"
	"time"

	"github.com/fundestsantamaria-ux/fedcoord/internal/model"
)

// Event represents a generic event structure
type Event struct {
	Type      string
	Timestamp time.Time
	Data      interface{}
}

// RoundStartedEvent is published when a top-level round begins
type RoundStartedEvent struct {
	Round int
	Mode  model.SchedulingMode
}

// LeaderElectedEvent is published once the round's aggregation server is known
type LeaderElectedEvent struct {
	Round  int
	Leader model.Member
	Role   model.Role
}

// SubRoundFinishedEvent carries what the aggregation server observed in one sub-round
type SubRoundFinishedEvent struct {
	Round    int
	SubRound int
	Metrics  *model.SubRoundMetrics
}

// ConvergedEvent is published when the convergence check stops a round early
type ConvergedEvent struct {
	Round    int
	SubRound int
}

// RoundFinishedEvent represents the end of a round for this node
type RoundFinishedEvent struct {
	Round       int
	Role        model.Role
	ExitMessage string
}

// EventBus represents the event bus that handles event subscription and dispatching
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan<- Event
}

// NewEventBus creates a new instance of the event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]chan<- Event),
	}
}

// Subscribe adds a new subscriber for a given event type
func (eb *EventBus) Subscribe(eventType string, subscriber chan<- Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// Publish sends an event to all subscribers of a given event type.
// Subscribers that are not ready to receive are skipped.
func (eb *EventBus) Publish(eventType string, data interface{}) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	eb.mu.RLock()
	subscribers := eb.subscribers[eventType]
	eb.mu.RUnlock()

	for _, subscriber := range subscribers {
		select {
		case subscriber <- event:
		default:
		}
	}
}
