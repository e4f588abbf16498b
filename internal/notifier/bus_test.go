package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"nhooyr.io/websocket"

	"arbiter/internal/paas"
)

func TestBusFansOutAndStampsEvents(t *testing.T) {
	bus := NewBus(nil, time.Second)
	a, b := &Recorder{}, &Recorder{}
	bus.Subscribe(a)
	bus.Subscribe(b)
	bus.Subscribe(SubscriberFunc{ID: "failing", Fn: func(context.Context, Event) error { return errors.New("down") }})
	bus.Subscribe(SubscriberFunc{ID: "panics", Fn: func(context.Context, Event) error { panic("boom") }})

	bus.Publish(context.Background(), Event{Type: TypeConflictLogged, Ticker: "AAPL"})
	bus.Wait()

	for _, r := range []*Recorder{a, b} {
		got := r.Events()
		if len(got) != 1 {
			t.Fatalf("expected 1 event, got %d", len(got))
		}
		if got[0].ID == "" || got[0].OccurredAt.IsZero() {
			t.Fatalf("expected id and timestamp, got %+v", got[0])
		}
	}
	if a.Events()[0].ID != b.Events()[0].ID {
		t.Fatalf("subscribers saw different event ids")
	}
}

func TestBusDeliversAfterPublisherContextCancelled(t *testing.T) {
	bus := NewBus(nil, time.Second)
	var (
		mu  sync.Mutex
		err error
	)
	bus.Subscribe(SubscriberFunc{ID: "ctx", Fn: func(ctx context.Context, _ Event) error {
		mu.Lock()
		err = ctx.Err()
		mu.Unlock()
		return nil
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.Publish(ctx, Event{Type: TypeOrderTransition})
	bus.Wait()
	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		t.Fatalf("delivery context should be detached, got %v", err)
	}
}

func TestBusPreservesPublishOrderPerSubscriber(t *testing.T) {
	bus := NewBus(nil, time.Second)
	fast := &Recorder{}
	slow := SubscriberFunc{ID: "slow", Fn: func(context.Context, Event) error {
		time.Sleep(50 * time.Microsecond)
		return nil
	}}
	bus.Subscribe(slow)
	bus.Subscribe(fast)

	for i := 1; i <= 200; i++ {
		bus.Publish(context.Background(), Event{Type: TypeOrderTransition, OrderID: uint64(i)})
	}
	bus.Wait()

	got := fast.Events()
	if len(got) != 200 {
		t.Fatalf("expected 200 events, got %d", len(got))
	}
	for i, e := range got {
		if e.OrderID != uint64(i+1) {
			t.Fatalf("position %d holds order %d", i, e.OrderID)
		}
	}
}

func TestBusCloseDrainsThenDrops(t *testing.T) {
	bus := NewBus(nil, time.Second)
	rec := &Recorder{}
	bus.Subscribe(rec)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(context.Background(), Event{Type: TypeOwnershipChanged})
			}
		}()
	}
	bus.Close()
	wg.Wait()
	seen := len(rec.Events())

	bus.Publish(context.Background(), Event{Type: TypeOwnershipChanged})
	bus.Wait()
	bus.Close()
	if len(rec.Events()) != seen {
		t.Fatalf("event delivered after close")
	}
	bus.Subscribe(&Recorder{})
}

func TestAlerting(t *testing.T) {
	cases := []struct {
		e    Event
		want bool
	}{
		{Event{Type: TypeConflictLogged, Resolution: "allowed"}, false},
		{Event{Type: TypeConflictLogged, Resolution: "blocked"}, true},
		{Event{Type: TypeConflictLogged, Resolution: "priority_override"}, true},
		{Event{Type: TypeOrderTransition, ToState: "order_sent"}, false},
		{Event{Type: TypeOrderTransition, ToState: "needs_manual_review"}, true},
		{Event{Type: TypeOwnershipChanged}, false},
	}
	for _, c := range cases {
		if got := c.e.Alerting(); got != c.want {
			t.Fatalf("%+v: want %v got %v", c.e, c.want, got)
		}
	}
}

type fakeRedis struct {
	channel string
	payload []byte
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	return redis.NewIntResult(1, nil)
}

func TestRedisSubscriberPublishesJSON(t *testing.T) {
	fr := &fakeRedis{}
	s := &RedisSubscriber{Client: fr, Channel: "arbiter:test"}
	if err := s.Handle(context.Background(), Event{ID: "e1", Type: TypeOrderTransition, OrderID: 7, ToState: "order_sent"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if fr.channel != "arbiter:test" {
		t.Fatalf("unexpected channel %q", fr.channel)
	}
	var got Event
	if err := json.Unmarshal(fr.payload, &got); err != nil {
		t.Fatalf("payload not json: %v", err)
	}
	if got.OrderID != 7 || got.ToState != "order_sent" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

type fakePaaS struct {
	reqs []paas.CreateLogRequest
}

func (f *fakePaaS) CreateLog(_ context.Context, req paas.CreateLogRequest) error {
	f.reqs = append(f.reqs, req)
	return nil
}

func TestPaaSAlerterForwardsOnlyAlerts(t *testing.T) {
	fp := &fakePaaS{}
	s := &PaaSAlerter{Client: fp}
	_ = s.Handle(context.Background(), Event{Type: TypeConflictLogged, Resolution: "allowed"})
	_ = s.Handle(context.Background(), Event{Type: TypeOrderTransition, OrderID: 3, FromState: "failed", ToState: "needs_manual_review"})
	if len(fp.reqs) != 1 {
		t.Fatalf("expected one forwarded alert, got %d", len(fp.reqs))
	}
	if fp.reqs[0].Level != "error" || fp.reqs[0].Action != "arbiter_order.transition" {
		t.Fatalf("unexpected request %+v", fp.reqs[0])
	}
}

func TestWSHubStreamsEvents(t *testing.T) {
	hub := NewWSHub(nil, 4)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := hub.Handle(ctx, Event{ID: "e1", Type: TypeOwnershipChanged, Ticker: "NVDA"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	_, msg, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var got Event
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("message not json: %v", err)
	}
	if got.Ticker != "NVDA" || got.Type != TypeOwnershipChanged {
		t.Fatalf("unexpected event %+v", got)
	}
}
