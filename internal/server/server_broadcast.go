package server

import (
	"go.uber.org/zap"

	"github.com/debugrelay/host/internal/events"
)

// Broadcast queues msg for every listener it is addressed to. It never
// blocks: a listener whose buffer is full misses the message.
func (s *Server) Broadcast(msg events.PanelMessage) {
	frame := Frame{
		Type:      FrameMessage,
		Name:      msg.Name,
		Recipient: msg.Recipient,
		TabID:     msg.TabID,
		Options:   msg.Options,
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	for _, l := range s.listeners {
		if !l.accepts(msg) {
			continue
		}
		select {
		case <-l.done:
		case l.send <- frame:
		default:
			s.log.Warn("listener buffer full, dropping message",
				zap.String("listener", l.id),
				zap.String("name", msg.Name))
		}
	}
}
