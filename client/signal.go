package client

import (
	"slices"
	"sync"
)

// Signal is a typed event with any number of listeners, called in registration order.
// The zero value is ready to use.
type Signal[T any] struct {
	mu        sync.Mutex
	next      int
	listeners []signalListener[T]
}

type signalListener[T any] struct {
	id int
	fn func(T)
}

// Listen registers fn and returns a function that removes it.
func (s *Signal[T]) Listen(fn func(T)) (remove func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := s.next
	s.listeners = append(s.listeners, signalListener[T]{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listeners = slices.DeleteFunc(slices.Clone(s.listeners), func(l signalListener[T]) bool { return l.id == id })
	}
}

func (s *Signal[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// emit calls every listener with v. A panicking listener is passed to
// recovered and does not stop the others.
func (s *Signal[T]) emit(v T, recovered func(any)) {
	s.mu.Lock()
	listeners := s.listeners
	s.mu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if p := recover(); p != nil && recovered != nil {
					recovered(p)
				}
			}()
			l.fn(v)
		}()
	}
}

// Signals are the events a Client raises.
type Signals struct {
	Connect      Signal[struct{}]
	FirstConnect Signal[struct{}] // once per Client
	Disconnect   Signal[struct{}]
	Error        Signal[ErrorEvent]
	StateChange  Signal[RuntimeState]
	ClientSeen   Signal[Peer]
	ClientGone   Signal[string]
	ChannelSeen  Signal[Channel]
	MeasureSeen  Signal[Measure]
	Binary       Signal[[]byte]
}
