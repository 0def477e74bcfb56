package hub

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"deskrelay/pkg/interfaces"
)

// mockConn records every frame written to it
type mockConn struct {
	id string

	mu         sync.Mutex
	frames     []map[string]interface{}
	pings      int
	failWrites bool

	done      chan struct{}
	closeOnce sync.Once
}

func newMockConn(id string) *mockConn {
	return &mockConn{id: id, done: make(chan struct{})}
}

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) WriteJSON(v interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.done:
		return errors.New("connection closed")
	default:
	}
	if m.failWrites {
		return errors.New("broken pipe")
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var frame map[string]interface{}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return err
	}
	m.frames = append(m.frames, frame)
	return nil
}

func (m *mockConn) Ping() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return errors.New("broken pipe")
	}
	m.pings++
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func (m *mockConn) Done() <-chan struct{} { return m.done }

func (m *mockConn) setFailWrites(fail bool) {
	m.mu.Lock()
	m.failWrites = fail
	m.mu.Unlock()
}

func (m *mockConn) isClosed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// events returns the event names received so far, in order
func (m *mockConn) events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.frames))
	for _, f := range m.frames {
		name, _ := f["event"].(string)
		out = append(out, name)
	}
	return out
}

func (m *mockConn) count(event string) int {
	n := 0
	for _, e := range m.events() {
		if e == event {
			n++
		}
	}
	return n
}

func (m *mockConn) lastFrame() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.frames) == 0 {
		return nil
	}
	return m.frames[len(m.frames)-1]
}

func (m *mockConn) pingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pings
}

// memBackbone is an in-process pattern pub/sub
type memBackbone struct {
	mu           sync.Mutex
	subs         []*memSub
	published    []string
	pingErr      error
	publishErr   error
	subscribeErr error
	closed       bool
}

func (b *memBackbone) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pingErr
}

func (b *memBackbone) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, channel)
	for _, sub := range b.subs {
		if strings.HasPrefix(channel, sub.prefix) {
			sub.send(interfaces.Delivery{Channel: channel, Payload: payload})
		}
	}
	return nil
}

func (b *memBackbone) PSubscribe(ctx context.Context, pattern string) (interfaces.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return nil, b.subscribeErr
	}
	sub := &memSub{
		prefix: strings.TrimSuffix(pattern, "*"),
		ch:     make(chan interfaces.Delivery, 64),
	}
	b.subs = append(b.subs, sub)
	return sub, nil
}

func (b *memBackbone) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *memBackbone) setPublishErr(err error) {
	b.mu.Lock()
	b.publishErr = err
	b.mu.Unlock()
}

func (b *memBackbone) setPingErr(err error) {
	b.mu.Lock()
	b.pingErr = err
	b.mu.Unlock()
}

func (b *memBackbone) publishedChannels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.published...)
}

// dropSubscriptions simulates the server ending every subscription
func (b *memBackbone) dropSubscriptions() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
}

type memSub struct {
	prefix string
	mu     sync.Mutex
	ch     chan interfaces.Delivery
	closed bool
}

func (s *memSub) send(d interfaces.Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.ch <- d
	}
}

func (s *memSub) Messages() <-chan interfaces.Delivery { return s.ch }

func (s *memSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

// slowConn has a full send buffer: queued writes are refused and blocking
// writes never return until the connection closes
type slowConn struct {
	*mockConn
}

func (s *slowConn) TryWriteJSON(v interface{}) error {
	return errors.New("write buffer full")
}

func (s *slowConn) WriteJSON(v interface{}) error {
	<-s.done
	return errors.New("connection closed")
}
