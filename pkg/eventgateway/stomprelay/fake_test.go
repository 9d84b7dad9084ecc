package stomprelay_test

import (
	"context"
	"errors"
	"sync"

	"github.com/randalmurphal/eventgateway/pkg/eventgateway/stomprelay"
)

// fakeBroker is an in-memory broker: every session it dials is recorded and
// frames can be pushed to the live subscriptions.
type fakeBroker struct {
	mu        sync.Mutex
	dialErrs  []error // consumed one per dial
	sessions  []*fakeSession
	dials     int
	sendErr   error
	connected chan *fakeSession
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{connected: make(chan *fakeSession, 16)}
}

func (b *fakeBroker) Dial(_ context.Context) (stomprelay.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if len(b.dialErrs) > 0 {
		err := b.dialErrs[0]
		b.dialErrs = b.dialErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	s := &fakeSession{broker: b, subs: map[string]*fakeSub{}}
	b.sessions = append(b.sessions, s)
	b.connected <- s
	return s, nil
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

type sent struct {
	destination string
	body        string
}

type fakeSession struct {
	broker *fakeBroker

	mu           sync.Mutex
	subs         map[string]*fakeSub
	sent         []sent
	disconnected bool
}

func (s *fakeSession) Subscribe(dest string) (stomprelay.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &fakeSub{ch: make(chan stomprelay.Frame, 16)}
	s.subs[dest] = sub
	return sub, nil
}

func (s *fakeSession) Send(dest, _ string, body []byte) error {
	s.broker.mu.Lock()
	err := s.broker.sendErr
	s.broker.mu.Unlock()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disconnected {
		return errors.New("not connected")
	}
	s.sent = append(s.sent, sent{destination: dest, body: string(body)})
	return nil
}

func (s *fakeSession) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = true
	return nil
}

func (s *fakeSession) isDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

func (s *fakeSession) destinations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for d := range s.subs {
		out = append(out, d)
	}
	return out
}

func (s *fakeSession) push(dest string, f stomprelay.Frame) {
	s.mu.Lock()
	sub := s.subs[dest]
	s.mu.Unlock()
	sub.ch <- f
}

func (s *fakeSession) sentFrames() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.sent...)
}

type fakeSub struct {
	ch chan stomprelay.Frame
}

func (f *fakeSub) C() <-chan stomprelay.Frame { return f.ch }

func (f *fakeSub) Unsubscribe() error { return nil }
