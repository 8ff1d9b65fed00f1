package api

import "sync"

// EventType discriminates Event.
type EventType string

const (
	// EventSessionInactive is published when the session can no longer be
	// refreshed.
	EventSessionInactive EventType = "session/inactive"
	// EventSessionLocked is published when the backend rejects a call
	// because the session is locked.
	EventSessionLocked EventType = "session/locked"
	// EventRefresh is published after tokens were rotated.
	EventRefresh EventType = "refresh"
)

// RefreshData carries rotated tokens.
type RefreshData struct {
	UID          string `json:"UID"`
	AccessToken  string `json:"AccessToken"`
	RefreshToken string `json:"RefreshToken"`
	RefreshTime  int64  `json:"RefreshTime"`
}

// Event is published by the Client to its subscribers. Refresh is only set
// for EventRefresh.
type Event struct {
	Type    EventType
	Refresh RefreshData
}

// subscriber queues events without bound so that publishing never blocks on
// a slow consumer.
type subscriber struct {
	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
	out    chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *subscriber) push(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		e := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- e:
		case <-s.done:
			return
		}
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

type broker struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func (b *broker) subscribe() (<-chan Event, func()) {
	s := &subscriber{
		signal: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[*subscriber]struct{})
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.run()
	return s.out, func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		s.stop()
	}
}

func (b *broker) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		s.push(e)
	}
}
