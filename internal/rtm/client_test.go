package rtm

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandipnd/satori-video-bot/internal/metrics"
)

// fakeRTM is a minimal RTM endpoint: it accepts one WebSocket connection,
// decodes inbound PDUs and lets tests script the responses.
type fakeRTM struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu   sync.Mutex
	conn *websocket.Conn

	inbound chan map[string]any
}

func newFakeRTM(t *testing.T) *fakeRTM {
	f := &fakeRTM{t: t, inbound: make(chan map[string]any, 64)}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var doc map[string]any
			if err := json.Unmarshal(data, &doc); err != nil {
				t.Errorf("server got undecodable message: %v", err)
				continue
			}
			f.inbound <- doc
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRTM) hostPort() (string, string) {
	host, port, err := net.SplitHostPort(f.server.Listener.Addr().String())
	require.NoError(f.t, err)
	return host, port
}

// receive returns the next PDU the server read, failing the test on timeout.
func (f *fakeRTM) receive() map[string]any {
	select {
	case doc := <-f.inbound:
		return doc
	case <-time.After(2 * time.Second):
		f.t.Fatal("timed out waiting for a PDU")
		return nil
	}
}

// send writes one JSON PDU to the connected client.
func (f *fakeRTM) send(doc map[string]any) {
	data, err := json.Marshal(doc)
	require.NoError(f.t, err)
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	require.NotNil(f.t, conn, "no client connected")
	require.NoError(f.t, conn.WriteMessage(websocket.TextMessage, data))
}

func (f *fakeRTM) closeConn() {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn != nil {
		_ = conn.Close() //nolint:errcheck
	}
}

type recordingErrors struct {
	mu    sync.Mutex
	kinds []ErrorKind
}

func (r *recordingErrors) OnClientError(kind ErrorKind) {
	r.mu.Lock()
	r.kinds = append(r.kinds, kind)
	r.mu.Unlock()
}

func (r *recordingErrors) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.kinds)
}

type recordingRequest struct {
	mu   sync.Mutex
	oks  int
	errs []ErrorKind
}

func (r *recordingRequest) OnOK() {
	r.mu.Lock()
	r.oks++
	r.mu.Unlock()
}

func (r *recordingRequest) OnRequestError(kind ErrorKind) {
	r.mu.Lock()
	r.errs = append(r.errs, kind)
	r.mu.Unlock()
}

func (r *recordingRequest) okCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.oks
}

type recordingSubscription struct {
	mu       sync.Mutex
	messages []any
	errs     []ErrorKind
}

func (r *recordingSubscription) OnData(_ SubscriptionID, data ChannelData) {
	r.mu.Lock()
	r.messages = append(r.messages, data.Message)
	r.mu.Unlock()
}

func (r *recordingSubscription) OnSubscriptionError(_ SubscriptionID, kind ErrorKind) {
	r.mu.Lock()
	r.errs = append(r.errs, kind)
	r.mu.Unlock()
}

func (r *recordingSubscription) received() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.messages...)
}

type clientFixture struct {
	reactor *Reactor
	client  *wsClient
	metrics *metrics.Metrics
	errs    *recordingErrors
	server  *fakeRTM
}

func startedClient(t *testing.T, pingInterval time.Duration) *clientFixture {
	server := newFakeRTM(t)
	host, port := server.hostPort()

	m := metrics.New(prometheus.NewRegistry())
	errs := &recordingErrors{}
	reactor := NewReactor()
	client := NewClient(reactor, Config{
		Endpoint:     host,
		Port:         port,
		AppKey:       "key",
		Insecure:     true,
		PingInterval: pingInterval,
	}, m, errs).(*wsClient)

	go func() { _ = reactor.Run() }() //nolint:errcheck
	t.Cleanup(reactor.Stop)

	var startErr error
	onReactor(t, reactor, func() { startErr = client.Start() })
	require.NoError(t, startErr)

	return &clientFixture{reactor: reactor, client: client, metrics: m, errs: errs, server: server}
}

// onReactor runs fn on the reactor goroutine and waits for it.
func onReactor(t *testing.T, r *Reactor, fn func()) {
	done := make(chan struct{})
	r.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reactor task did not run")
	}
}

func histogramSampleCount(t *testing.T, h prometheus.Histogram) uint64 {
	var m dto.Metric
	require.NoError(t, h.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestClientPublishHappyPath(t *testing.T) {
	fx := startedClient(t, time.Hour)
	callbacks := &recordingRequest{}

	fx.reactor.Post(func() {
		fx.client.Publish("c", map[string]any{"x": 1}, callbacks)
	})

	pdu := fx.server.receive()
	assert.Equal(t, "rtm/publish", pdu["action"])
	body := pdu["body"].(map[string]any)
	assert.Equal(t, "c", body["channel"])
	assert.Equal(t, map[string]any{"x": float64(1)}, body["message"])
	require.Contains(t, pdu, "id")

	fx.server.send(map[string]any{"action": "rtm/publish/ok", "id": pdu["id"]})

	require.Eventually(t, func() bool { return callbacks.okCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	var trackerSize int
	onReactor(t, fx.reactor, func() { trackerSize = fx.client.requests.size() })
	assert.Equal(t, 0, trackerSize)
	assert.EqualValues(t, 1, histogramSampleCount(t, fx.metrics.PublishAckLatency))
}

func TestClientWritesAreOrdered(t *testing.T) {
	fx := startedClient(t, time.Hour)

	fx.reactor.Post(func() {
		fx.client.Publish("c", map[string]any{"n": 1}, nil)
		fx.client.Publish("c", map[string]any{"n": 2}, nil)
		fx.client.Publish("c", map[string]any{"n": 3}, nil)
	})

	var previousID float64
	for want := 1; want <= 3; want++ {
		pdu := fx.server.receive()
		body := pdu["body"].(map[string]any)
		message := body["message"].(map[string]any)
		assert.Equal(t, float64(want), message["n"])

		id := pdu["id"].(float64)
		assert.Greater(t, id, previousID)
		previousID = id
	}
}

func TestClientSubscribeAndData(t *testing.T) {
	fx := startedClient(t, time.Hour)
	sub := NewSubscriptionID()
	data := &recordingSubscription{}
	callbacks := &recordingRequest{}

	fx.reactor.Post(func() {
		fx.client.Subscribe("c", sub, data, callbacks, nil)
	})

	pdu := fx.server.receive()
	assert.Equal(t, "rtm/subscribe", pdu["action"])
	body := pdu["body"].(map[string]any)
	assert.Equal(t, "c", body["channel"])
	assert.Equal(t, "c", body["subscription_id"])

	fx.server.send(map[string]any{"action": "rtm/subscribe/ok", "id": pdu["id"]})
	require.Eventually(t, func() bool { return callbacks.okCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	fx.server.send(map[string]any{
		"action": "rtm/subscription/data",
		"body": map[string]any{
			"subscription_id": "c",
			"messages":        []any{map[string]any{"v": 1}, map[string]any{"v": 2}},
		},
	})

	require.Eventually(t, func() bool { return len(data.received()) == 2 }, 2*time.Second, 10*time.Millisecond)
	received := data.received()
	assert.Equal(t, map[string]any{"v": float64(1)}, received[0])
	assert.Equal(t, map[string]any{"v": float64(2)}, received[1])
}

func TestClientSubscribeWithHistory(t *testing.T) {
	fx := startedClient(t, time.Hour)
	count := uint64(1)

	fx.reactor.Post(func() {
		fx.client.Subscribe("c", NewSubscriptionID(), &recordingSubscription{}, nil, &SubscriptionOptions{
			History: HistoryOptions{Count: &count},
		})
	})

	pdu := fx.server.receive()
	body := pdu["body"].(map[string]any)
	history := body["history"].(map[string]any)
	assert.Equal(t, float64(1), history["count"])
}

func TestClientUnsubscribeWhileDataArrives(t *testing.T) {
	fx := startedClient(t, time.Hour)
	sub := NewSubscriptionID()
	data := &recordingSubscription{}

	fx.reactor.Post(func() { fx.client.Subscribe("c", sub, data, nil, nil) })
	subscribePDU := fx.server.receive()
	fx.server.send(map[string]any{"action": "rtm/subscribe/ok", "id": subscribePDU["id"]})

	fx.reactor.Post(func() { fx.client.Unsubscribe(sub, nil) })
	unsubscribePDU := fx.server.receive()
	assert.Equal(t, "rtm/unsubscribe", unsubscribePDU["action"])

	// Data racing the unsubscribe ack is still delivered: the subscription
	// stays registered until the ack lands.
	fx.server.send(map[string]any{
		"action": "rtm/subscription/data",
		"body": map[string]any{
			"subscription_id": "c",
			"messages":        []any{map[string]any{"v": 1}},
		},
	})
	require.Eventually(t, func() bool { return len(data.received()) == 1 }, 2*time.Second, 10*time.Millisecond)

	fx.server.send(map[string]any{"action": "rtm/unsubscribe/ok", "id": unsubscribePDU["id"]})
	require.Eventually(t, func() bool {
		var size int
		onReactor(t, fx.reactor, func() { size = fx.client.subscriptions.size() })
		return size == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientSubscribeErrorDeletesSubscription(t *testing.T) {
	fx := startedClient(t, time.Hour)
	callbacks := &recordingRequest{}

	fx.reactor.Post(func() {
		fx.client.Subscribe("c", NewSubscriptionID(), &recordingSubscription{}, callbacks, nil)
	})
	pdu := fx.server.receive()
	fx.server.send(map[string]any{"action": "rtm/subscribe/error", "id": pdu["id"]})

	require.Eventually(t, func() bool {
		callbacks.mu.Lock()
		defer callbacks.mu.Unlock()
		return len(callbacks.errs) == 1 && callbacks.errs[0] == ErrorSubscribe
	}, 2*time.Second, 10*time.Millisecond)

	var size int
	onReactor(t, fx.reactor, func() { size = fx.client.subscriptions.size() })
	assert.Equal(t, 0, size)
}

func TestClientSubscriptionErrorKeepsSubscription(t *testing.T) {
	fx := startedClient(t, time.Hour)
	data := &recordingSubscription{}

	fx.reactor.Post(func() { fx.client.Subscribe("c", NewSubscriptionID(), data, nil, nil) })
	pdu := fx.server.receive()
	fx.server.send(map[string]any{"action": "rtm/subscribe/ok", "id": pdu["id"]})

	fx.server.send(map[string]any{
		"action": "rtm/subscription/error",
		"body":   map[string]any{"subscription_id": "c"},
	})

	require.Eventually(t, func() bool {
		data.mu.Lock()
		defer data.mu.Unlock()
		return len(data.errs) == 1 && data.errs[0] == ErrorSubscription
	}, 2*time.Second, 10*time.Millisecond)

	var size int
	onReactor(t, fx.reactor, func() { size = fx.client.subscriptions.size() })
	assert.Equal(t, 1, size)
}

func TestClientParseFailureKeepsConnection(t *testing.T) {
	fx := startedClient(t, time.Hour)

	fx.mustSendRaw([]byte("this is not a pdu"))

	// The connection survives: a full publish cycle still works.
	callbacks := &recordingRequest{}
	fx.reactor.Post(func() { fx.client.Publish("c", map[string]any{"x": 1}, callbacks) })
	pdu := fx.server.receive()
	fx.server.send(map[string]any{"action": "rtm/publish/ok", "id": pdu["id"]})
	require.Eventually(t, func() bool { return callbacks.okCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, fx.errs.count())
}

func (fx *clientFixture) mustSendRaw(data []byte) {
	fx.server.mu.Lock()
	conn := fx.server.conn
	fx.server.mu.Unlock()
	require.NotNil(fx.server.t, conn)
	require.NoError(fx.server.t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestClientStopClearsSubscriptions(t *testing.T) {
	fx := startedClient(t, time.Hour)

	fx.reactor.Post(func() { fx.client.Subscribe("c", NewSubscriptionID(), &recordingSubscription{}, nil, nil) })
	fx.server.receive()

	var stopErr error
	onReactor(t, fx.reactor, func() { stopErr = fx.client.Stop() })
	require.NoError(t, stopErr)

	require.Eventually(t, func() bool {
		var state clientState
		var size int
		onReactor(t, fx.reactor, func() {
			state = fx.client.state
			size = fx.client.subscriptions.size()
		})
		return state == stateStopped && size == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, fx.errs.count())
}

func TestClientReadErrorSurfacesTransportError(t *testing.T) {
	fx := startedClient(t, time.Hour)

	fx.server.closeConn()

	require.Eventually(t, func() bool { return fx.errs.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	fx.errs.mu.Lock()
	defer fx.errs.mu.Unlock()
	assert.Equal(t, ErrorTransport, fx.errs.kinds[0])
}

func TestClientPingPong(t *testing.T) {
	fx := startedClient(t, 20*time.Millisecond)

	// The fake server's read loop answers pings with pongs (gorilla's
	// default handler), so latency observations accumulate.
	require.Eventually(t, func() bool {
		return histogramSampleCount(t, fx.metrics.PingLatency) >= 2
	}, 3*time.Second, 20*time.Millisecond)

	var outstanding int
	onReactor(t, fx.reactor, func() { outstanding = len(fx.client.pingTimes) })
	assert.LessOrEqual(t, outstanding, 1, "answered pings must be settled")
}

func TestClientFatalInputsPanic(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	client := NewClient(NewReactor(), Config{Endpoint: "h", Port: "1", AppKey: "k"}, m, &recordingErrors{}).(*wsClient)

	assert.Panics(t, func() {
		client.processInput(map[string]any{"action": "rtm/bogus"}, 0, time.Now())
	})
	assert.Panics(t, func() {
		client.processInput(map[string]any{"body": map[string]any{}}, 0, time.Now())
	})
	assert.Panics(t, func() {
		client.processInput(map[string]any{"action": "/error"}, 0, time.Now())
	})
	assert.Panics(t, func() {
		// An ack for a request that was never issued.
		client.processInput(map[string]any{"action": "rtm/publish/ok", "id": float64(999999)}, 0, time.Now())
	})
	assert.Panics(t, func() { client.onPong("not a number", time.Now()) })
	assert.Panics(t, func() { client.onPong("424242", time.Now()) })
}

func TestClientReadErrorTearsDownExactlyOnce(t *testing.T) {
	// A short ping interval keeps a ping timer armed at failure time; the
	// dead connection's timer must not report the breakage a second time.
	fx := startedClient(t, 50*time.Millisecond)

	fx.reactor.Post(func() { fx.client.Subscribe("c", NewSubscriptionID(), &recordingSubscription{}, nil, nil) })
	fx.server.receive()

	fx.server.closeConn()

	require.Eventually(t, func() bool { return fx.errs.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	var state clientState
	var size int
	onReactor(t, fx.reactor, func() {
		state = fx.client.state
		size = fx.client.subscriptions.size()
	})
	assert.Equal(t, stateStopped, state, "a failed client must not stay running")
	assert.Equal(t, 0, size, "a failed client must release its subscriptions")

	// Let any zombie ping timer fire a few times over.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, fx.errs.count(), "the dead connection reported its breakage again")
}

func TestClientWriteFailureTearsDownAndReports(t *testing.T) {
	fx := startedClient(t, time.Hour)
	callbacks := &recordingRequest{}

	// Drive the write completion path with a failure for a subscribe whose
	// registry entry is still pending.
	onReactor(t, fx.reactor, func() {
		p := pdu{Action: actionSubscribe, Body: subscribeBody{Channel: "c", SubscriptionID: "c"}, ID: nextRequestID()}
		fx.client.subscriptions.add("c", NewSubscriptionID(), &recordingSubscription{}, p.ID)
		record := fx.client.requests.issue(requestSubscribe, "c", p, len("pdu"), callbacks)
		fx.client.writeDone(record)(errors.New("broken pipe"))
	})

	callbacks.mu.Lock()
	assert.Equal(t, []ErrorKind{ErrorSubscribe}, callbacks.errs)
	callbacks.mu.Unlock()

	require.Equal(t, 1, fx.errs.count(), "a write failure must drive a reconnect")
	fx.errs.mu.Lock()
	assert.Equal(t, ErrorTransport, fx.errs.kinds[0])
	fx.errs.mu.Unlock()

	var state clientState
	var subscriptions, requests int
	onReactor(t, fx.reactor, func() {
		state = fx.client.state
		subscriptions = fx.client.subscriptions.size()
		requests = fx.client.requests.size()
	})
	assert.Equal(t, stateStopped, state)
	assert.Equal(t, 0, subscriptions, "no dangling pending-subscribe entry")
	assert.Equal(t, 0, requests)
}

func TestClientFailTransportIsIdempotent(t *testing.T) {
	fx := startedClient(t, time.Hour)

	onReactor(t, fx.reactor, func() {
		fx.client.failTransport()
		fx.client.failTransport()
	})

	assert.Equal(t, 1, fx.errs.count())
}
