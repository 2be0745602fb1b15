package websocket

import (
	"time"

	"github.com/forgeq/forgeq-go/internal/logger"
	"github.com/forgeq/forgeq-go/internal/queue"
)

// Service forwards queue lifecycle events to connected dashboard clients.
type Service struct {
	hub    *Hub
	logger *logger.Logger

	registrations []registration
}

type registration struct {
	event queue.EventType
	id    int
}

// queueEventMessage is the wire form of a forwarded event.
type queueEventMessage struct {
	Kind      string                 `json:"kind"`
	Queue     string                 `json:"queue"`
	Event     queue.EventType        `json:"event"`
	JobID     string                 `json:"job_id,omitempty"`
	JobName   string                 `json:"job_name,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewService creates a WebSocket service over a hub.
func NewService(hub *Hub, log *logger.Logger) *Service {
	return &Service{hub: hub, logger: log}
}

// WatchQueue subscribes to every lifecycle event of a queue service and
// streams them to connected clients.
func (s *Service) WatchQueue(svc *queue.Service) {
	events := []queue.EventType{
		queue.EventReady, queue.EventWaiting, queue.EventActive,
		queue.EventProgress, queue.EventCompleted, queue.EventFailed,
		queue.EventPaused, queue.EventResumed, queue.EventDrained,
		queue.EventCleaned,
	}
	for _, event := range events {
		id := svc.On(event, func(e queue.Event) {
			s.hub.Broadcast(queueEventMessage{
				Kind:      "queue_event",
				Queue:     svc.Name(),
				Event:     e.Type,
				JobID:     e.JobID,
				JobName:   e.JobName,
				Data:      e.Data,
				Timestamp: e.Timestamp,
			})
		})
		s.registrations = append(s.registrations, registration{event: event, id: id})
	}

	s.logger.Debugw("watching queue events", "queue", svc.Name())
}

// Unwatch removes the subscriptions added by WatchQueue.
func (s *Service) Unwatch(svc *queue.Service) {
	for _, r := range s.registrations {
		svc.Off(r.event, r.id)
	}
	s.registrations = nil
}
