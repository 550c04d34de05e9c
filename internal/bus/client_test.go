package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	done := make(chan struct{})
	close(done)
	return &fakeToken{err: err, done: done}
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type publishRecord struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakePaho stands in for the paho client so connect, publish, and
// subscribe traffic can be scripted and inspected without a broker.
type fakePaho struct {
	mu           sync.Mutex
	opts         *mqtt.ClientOptions
	connected    bool
	failConnects int
	connects     int
	published    []publishRecord
	subscribed   map[string]byte
}

func (f *fakePaho) Connect() mqtt.Token {
	f.mu.Lock()
	f.connects++
	if f.failConnects > 0 {
		f.failConnects--
		f.mu.Unlock()
		return newFakeToken(errors.New("connection refused"))
	}
	f.connected = true
	onConnect := f.opts.OnConnect
	f.mu.Unlock()
	if onConnect != nil {
		onConnect(f)
	}
	return newFakeToken(nil)
}

func (f *fakePaho) Disconnect(quiesce uint) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakePaho) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishRecord{
		topic:    topic,
		qos:      qos,
		retained: retained,
		payload:  payload.([]byte),
	})
	return newFakeToken(nil)
}

func (f *fakePaho) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[topic] = qos
	return newFakeToken(nil)
}

func (f *fakePaho) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	for topic, qos := range filters {
		f.subscribed[topic] = qos
	}
	return newFakeToken(nil)
}

func (f *fakePaho) Unsubscribe(topics ...string) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		delete(f.subscribed, t)
	}
	return newFakeToken(nil)
}

func (f *fakePaho) AddRoute(topic string, callback mqtt.MessageHandler) {}

func (f *fakePaho) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePaho) IsConnectionOpen() bool { return f.IsConnected() }

func (f *fakePaho) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func (f *fakePaho) deliver(topic string, payload []byte) {
	f.mu.Lock()
	h := f.opts.DefaultPublishHandler
	f.mu.Unlock()
	if h != nil {
		h(f, &fakeMessage{topic: topic, payload: payload})
	}
}

func (f *fakePaho) dropConnection(err error) {
	f.mu.Lock()
	f.connected = false
	onLost := f.opts.OnConnectionLost
	f.mu.Unlock()
	if onLost != nil {
		onLost(f, err)
	}
}

func (f *fakePaho) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakePaho) publishedRecords() []publishRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishRecord, len(f.published))
	copy(out, f.published)
	return out
}

func (f *fakePaho) subscribedFilters() map[string]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]byte, len(f.subscribed))
	for k, v := range f.subscribed {
		out[k] = v
	}
	return out
}

func (f *fakePaho) clearRecords() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = nil
	f.subscribed = make(map[string]byte)
}

func newTestClient(t *testing.T, opts Options) (*Client, *fakePaho) {
	t.Helper()
	fake := &fakePaho{subscribed: make(map[string]byte)}
	orig := newPahoClient
	newPahoClient = func(o *mqtt.ClientOptions) mqtt.Client {
		fake.opts = o
		return fake
	}
	t.Cleanup(func() { newPahoClient = orig })

	if opts.BrokerURL == "" {
		opts.BrokerURL = "tcp://127.0.0.1:1883"
	}
	if opts.ClientID == "" {
		opts.ClientID = "alicia-test"
	}
	opts.ReconnectInitialDelay = time.Millisecond
	opts.ReconnectMaxDelay = 5 * time.Millisecond
	return NewClient(opts), fake
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestClientConnectRetriesUntilSuccess(t *testing.T) {
	c, fake := newTestClient(t, Options{})
	fake.failConnects = 2

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := fake.connectCount(); got != 3 {
		t.Errorf("connect attempts = %d, want 3", got)
	}
	if !c.Connected() {
		t.Error("Connected() = false after successful connect")
	}
}

func TestClientConnectGivesUpOnDeadline(t *testing.T) {
	c, fake := newTestClient(t, Options{})
	fake.failConnects = 1 << 30

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Connect(ctx)
	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("Connect error = %v, want *ConnectError", err)
	}
	if connErr.Broker != "tcp://127.0.0.1:1883" {
		t.Errorf("ConnectError.Broker = %q", connErr.Broker)
	}
}

func TestClientBuffersPublishesWhileDown(t *testing.T) {
	c, fake := newTestClient(t, Options{})

	if err := c.Publish("alicia/devices/lamp-1/command", 1, false, []byte("first")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := c.Publish("alicia/devices/lamp-1/command", 1, false, []byte("second")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := c.BufferedPublishes(); got != 2 {
		t.Fatalf("BufferedPublishes() = %d, want 2", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	recs := fake.publishedRecords()
	if len(recs) != 2 {
		t.Fatalf("published %d records after flush, want 2", len(recs))
	}
	if string(recs[0].payload) != "first" || string(recs[1].payload) != "second" {
		t.Errorf("flush order wrong: %q then %q", recs[0].payload, recs[1].payload)
	}
	if got := c.BufferedPublishes(); got != 0 {
		t.Errorf("BufferedPublishes() = %d after flush, want 0", got)
	}
}

func TestClientBufferDropsOldestOnOverflow(t *testing.T) {
	c, fake := newTestClient(t, Options{PublishBuffer: 2})

	for _, p := range []string{"one", "two", "three"} {
		if err := c.Publish("alicia/x", 0, false, []byte(p)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if got := c.DroppedPublishes(); got != 1 {
		t.Fatalf("DroppedPublishes() = %d, want 1", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	recs := fake.publishedRecords()
	if len(recs) != 2 {
		t.Fatalf("published %d records, want 2", len(recs))
	}
	if string(recs[0].payload) != "two" || string(recs[1].payload) != "three" {
		t.Errorf("kept %q and %q, want the two newest", recs[0].payload, recs[1].payload)
	}
}

func TestClientResubscribesAfterReconnect(t *testing.T) {
	var ups []bool
	var upMu sync.Mutex
	c, fake := newTestClient(t, Options{
		OnConnectionUp: func(resumed bool) {
			upMu.Lock()
			ups = append(ups, resumed)
			upMu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Subscribe(ctx, "alicia/voice/command", 1); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := c.Subscribe(ctx, "alicia/health/+", 0); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	fake.clearRecords()
	fake.dropConnection(errors.New("broker went away"))

	waitFor(t, 2*time.Second, func() bool { return fake.connectCount() >= 2 && c.Connected() })

	subs := fake.subscribedFilters()
	if qos, ok := subs["alicia/voice/command"]; !ok || qos != 1 {
		t.Errorf("voice filter not replayed, subs = %v", subs)
	}
	if qos, ok := subs["alicia/health/+"]; !ok || qos != 0 {
		t.Errorf("health filter not replayed, subs = %v", subs)
	}

	upMu.Lock()
	gotUps := append([]bool(nil), ups...)
	upMu.Unlock()
	if len(gotUps) != 2 || gotUps[0] != false || gotUps[1] != true {
		t.Errorf("OnConnectionUp calls = %v, want [false true]", gotUps)
	}

	cancel()
	<-done
}

func TestClientDeliversInbound(t *testing.T) {
	c, fake := newTestClient(t, Options{})

	type delivery struct {
		topic   string
		payload string
	}
	got := make(chan delivery, 1)
	c.SetHandler(func(topic string, payload []byte) {
		got <- delivery{topic: topic, payload: string(payload)}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	fake.deliver("alicia/voice/command", []byte(`{"hello":"there"}`))
	select {
	case d := <-got:
		if d.topic != "alicia/voice/command" || d.payload != `{"hello":"there"}` {
			t.Errorf("delivered %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestClientUnsubscribeStopsReplay(t *testing.T) {
	c, fake := newTestClient(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Subscribe(ctx, "alicia/voice/command", 1); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := c.Unsubscribe(ctx, "alicia/voice/command"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	fake.clearRecords()
	fake.dropConnection(errors.New("broker went away"))
	waitFor(t, 2*time.Second, func() bool { return fake.connectCount() >= 2 && c.Connected() })

	if subs := fake.subscribedFilters(); len(subs) != 0 {
		t.Errorf("unsubscribed filter replayed: %v", subs)
	}

	cancel()
	<-done
}
