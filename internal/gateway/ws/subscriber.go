package ws

import (
	"sync"

	"github.com/jkaninda/grcflow/internal/security"
)

// subscriber is one connected event stream client.
type subscriber struct {
	id        string
	principal *security.Principal
	queue     chan []byte

	mu     sync.RWMutex
	filter map[string]struct{} // empty = every request

	// Last version queued per request ID; configKey tracks the config.
	sentMu sync.Mutex
	sent   map[string]int64
}

// configKey holds the config version in subscriber.sent. Request IDs are
// never empty.
const configKey = ""

// offerResult is the outcome of offering an event to a subscriber.
type offerResult int

const (
	offerQueued offerResult = iota
	offerStale              // an equal or newer version was already queued
	offerFull
)

func newSubscriber(id string, p *security.Principal, buffer int, requestIDs []string) *subscriber {
	s := &subscriber{
		id:        id,
		principal: p,
		queue:     make(chan []byte, buffer),
		sent:      make(map[string]int64),
	}
	s.setFilter(requestIDs)
	return s
}

// setFilter replaces the request filter. An empty list clears it.
func (s *subscriber) setFilter(requestIDs []string) {
	f := make(map[string]struct{}, len(requestIDs))
	for _, id := range requestIDs {
		if id != "" {
			f[id] = struct{}{}
		}
	}
	s.mu.Lock()
	s.filter = f
	s.mu.Unlock()
}

func (s *subscriber) filterList() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.filter))
	for id := range s.filter {
		out = append(out, id)
	}
	return out
}

// wants reports whether an event about requestID should be delivered.
// Events without a request (config changes) always are.
func (s *subscriber) wants(requestID string) bool {
	if requestID == "" {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[requestID]
	return ok
}

// offer enqueues data without blocking. Events for key must arrive with
// increasing versions: one at or below the last queued version is
// discarded, so a subscriber never sees a request move backwards. A zero
// version is always queued.
func (s *subscriber) offer(key string, version int64, data []byte) offerResult {
	s.sentMu.Lock()
	defer s.sentMu.Unlock()
	if version > 0 && version <= s.sent[key] {
		return offerStale
	}
	select {
	case s.queue <- data:
		if version > 0 {
			s.sent[key] = version
		}
		return offerQueued
	default:
		return offerFull
	}
}
