// Package rtm implements the RTM pub/sub protocol over a WebSocket
// connection: request/response correlation, subscription lifecycle, ping
// liveness and automatic reconnection.
//
// All client state is owned by a single reactor goroutine. Public methods
// must run on it; callers on other goroutines hand work over with
// Reactor.Post.
package rtm

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sandipnd/satori-video-bot/internal/metrics"
)

const (
	readBufferSize      = 100000
	DefaultPingInterval = 1 * time.Second
	controlWriteTimeout = 10 * time.Second
	handshakeTimeout    = 30 * time.Second
)

// Config holds the connection parameters for one client.
type Config struct {
	Endpoint     string // host name without scheme or port
	Port         string
	AppKey       string
	UseCBOR      bool          // negotiate the cbor subprotocol, JSON otherwise
	PingInterval time.Duration // defaults to DefaultPingInterval
	Insecure     bool          // connect over ws:// instead of wss://
	TLSConfig    *tls.Config
}

// SubscriptionOptions tunes a subscribe request.
type SubscriptionOptions struct {
	History HistoryOptions
}

// HistoryOptions requests channel history replay on subscribe. Nil fields
// are left off the wire.
type HistoryOptions struct {
	Age   *uint64
	Count *uint64
}

// ErrorCallbacks receives failures that are not tied to a single request,
// such as read, write and ping failures. Invoked on the reactor goroutine.
// By the time OnClientError fires the failed client has released its socket,
// timer and subscriptions and is permanently stopped; the callee only has to
// build a replacement.
type ErrorCallbacks interface {
	OnClientError(kind ErrorKind)
}

// Client is the RTM protocol surface shared by the WebSocket client and the
// resilient wrapper around it.
type Client interface {
	Start() error
	Stop() error
	Publish(channel string, message any, callbacks RequestCallbacks)
	Subscribe(channel string, sub SubscriptionID, data SubscriptionCallbacks, callbacks RequestCallbacks, opts *SubscriptionOptions)
	Unsubscribe(sub SubscriptionID, callbacks RequestCallbacks)
}

type clientState int

const (
	stateStopped clientState = iota + 1
	stateRunning
	statePendingStopped
)

func (s clientState) String() string {
	switch s {
	case stateStopped:
		return "stopped"
	case stateRunning:
		return "running"
	case statePendingStopped:
		return "pending_stopped"
	default:
		return "unknown"
	}
}

// Outbound socket traffic is a FIFO of these two request types with at most
// one dispatched at a time; the type switch at the drain site is the only
// dispatch mechanism.
type writeRequest struct {
	data   []byte
	doneCB func(error)
}

type pingRequest struct {
	id     uint64
	doneCB func(error)
}

type ioRequest any // writeRequest or pingRequest

type wsClient struct {
	reactor *Reactor
	cfg     Config
	framing framing
	metrics *metrics.Metrics
	errs    ErrorCallbacks

	state clientState
	conn  *websocket.Conn

	subscriptions *subscriptionRegistry
	requests      *requestTracker
	pingTimes     map[uint64]time.Time
	pingTimer     *time.Timer

	pending  []ioRequest
	inFlight bool
}

// NewClient creates a stopped client bound to the reactor. All methods must
// be invoked on the reactor goroutine.
func NewClient(reactor *Reactor, cfg Config, m *metrics.Metrics, errs ErrorCallbacks) Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	var f framing = jsonFraming{}
	if cfg.UseCBOR {
		f = cborFraming{}
	}
	return &wsClient{
		reactor:       reactor,
		cfg:           cfg,
		framing:       f,
		metrics:       m,
		errs:          errs,
		state:         stateStopped,
		subscriptions: newSubscriptionRegistry(),
		requests:      newRequestTracker(),
		pingTimes:     make(map[uint64]time.Time),
	}
}

// classifyDialError labels a dial failure for the client error counter.
func classifyDialError(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "tcp_resolve_endpoint"
	}
	var recordErr tls.RecordHeaderError
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &recordErr) || errors.As(err, &certErr) {
		return "tls_handshake"
	}
	if errors.Is(err, websocket.ErrBadHandshake) {
		return "ws_upgrade"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "tcp_connect"
	}
	return "dial"
}

func (c *wsClient) endpointURL() string {
	scheme := "wss"
	if c.cfg.Insecure {
		scheme = "ws"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     net.JoinHostPort(c.cfg.Endpoint, c.cfg.Port),
		Path:     "/v2",
		RawQuery: "appkey=" + url.QueryEscape(c.cfg.AppKey),
	}
	return u.String()
}

func (c *wsClient) Start() error {
	if c.state != stateStopped {
		panic(fmt.Sprintf("rtm: start in state %v", c.state))
	}
	slog.Info("starting RTM client", "endpoint", c.cfg.Endpoint, "port", c.cfg.Port)

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig:  c.cfg.TLSConfig,
	}
	if c.cfg.UseCBOR {
		dialer.Subprotocols = []string{"cbor"}
	}

	conn, resp, err := dialer.Dial(c.endpointURL(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close() //nolint:errcheck
	}
	if err != nil {
		kind := classifyDialError(err)
		slog.Error("RTM dial failed", "stage", kind, "error", err)
		c.metrics.ClientErrors.WithLabelValues(kind).Inc()
		return fmt.Errorf("dial %s: %w", c.endpointURL(), ErrorTransport)
	}

	slog.Info("websocket open", "subprotocol", conn.Subprotocol())
	c.metrics.ClientStart.Inc()

	conn.SetReadLimit(readBufferSize)
	conn.SetPongHandler(func(payload string) error {
		now := time.Now()
		c.reactor.Post(func() { c.onPong(payload, now) })
		return nil
	})
	conn.SetPingHandler(func(payload string) error {
		c.metrics.ControlFramesReceived.WithLabelValues("ping").Inc()
		err := conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(controlWriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetCloseHandler(func(code int, text string) error {
		c.metrics.ControlFramesReceived.WithLabelValues("close").Inc()
		slog.Info("got close frame", "code", code, "text", text)
		message := websocket.FormatCloseMessage(code, "")
		_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(controlWriteTimeout)) //nolint:errcheck
		return nil
	})

	c.conn = conn
	c.armPingTimer()
	c.state = stateRunning
	go c.readLoop(conn)
	return nil
}

func (c *wsClient) Stop() error {
	if c.state != stateRunning {
		panic(fmt.Sprintf("rtm: stop in state %v", c.state))
	}
	slog.Info("stopping RTM client")

	c.state = statePendingStopped
	if c.pingTimer != nil {
		c.pingTimer.Stop()
	}

	if err := c.conn.Close(); err != nil {
		slog.Error("cannot close connection", "error", err)
		c.metrics.ClientErrors.WithLabelValues("close_connection").Inc()
		return fmt.Errorf("close connection: %w", ErrorTransport)
	}
	return nil
}

func (c *wsClient) Publish(channel string, message any, callbacks RequestCallbacks) {
	if c.state == statePendingStopped {
		slog.Debug("publish ignored, client is pending stop")
		return
	}
	if c.state != stateRunning {
		panic(fmt.Sprintf("rtm: publish in state %v, channel %s", c.state, channel))
	}

	p := pdu{
		Action: actionPublish,
		Body:   publishBody{Channel: channel, Message: message},
		ID:     nextRequestID(),
	}
	c.sendRequest(requestPublish, channel, p, callbacks)
}

func (c *wsClient) Subscribe(channel string, sub SubscriptionID, data SubscriptionCallbacks, callbacks RequestCallbacks, opts *SubscriptionOptions) {
	if c.state == statePendingStopped {
		slog.Debug("subscribe ignored, client is pending stop")
		return
	}
	if c.state != stateRunning {
		panic(fmt.Sprintf("rtm: subscribe in state %v, channel %s", c.state, channel))
	}

	body := subscribeBody{Channel: channel, SubscriptionID: channel}
	if opts != nil && (opts.History.Age != nil || opts.History.Count != nil) {
		body.History = &historyOptions{Age: opts.History.Age, Count: opts.History.Count}
	}
	p := pdu{Action: actionSubscribe, Body: body, ID: nextRequestID()}

	c.subscriptions.add(channel, sub, data, p.ID)
	c.sendRequest(requestSubscribe, channel, p, callbacks)
}

func (c *wsClient) Unsubscribe(sub SubscriptionID, callbacks RequestCallbacks) {
	if c.state == statePendingStopped {
		slog.Debug("unsubscribe ignored, client is pending stop")
		return
	}
	if c.state != stateRunning {
		panic(fmt.Sprintf("rtm: unsubscribe in state %v", c.state))
	}

	entry, ok := c.subscriptions.findBySub(sub)
	if !ok {
		panic(fmt.Sprintf("rtm: unsubscribe for unknown handle %d", sub))
	}

	p := pdu{
		Action: actionUnsubscribe,
		Body:   unsubscribeBody{SubscriptionID: entry.channel},
		ID:     nextRequestID(),
	}
	entry.status = statusPendingUnsubscribe
	entry.requestID = p.ID
	c.sendRequest(requestUnsubscribe, entry.channel, p, callbacks)
}

// sendRequest serializes the PDU, opens a request record and queues the
// write.
func (c *wsClient) sendRequest(kind requestKind, channel string, p pdu, callbacks RequestCallbacks) {
	buf, err := c.framing.marshal(p)
	if err != nil {
		// Outbound PDUs are built from plain data; a marshal failure is a
		// programming error.
		panic(fmt.Sprintf("rtm: cannot marshal %s pdu: %v", kind, err))
	}

	record := c.requests.issue(kind, channel, p, len(buf), callbacks)
	c.enqueueWrite(buf, c.writeDone(record))
}

// writeDone builds the completion callback for one request's socket write.
func (c *wsClient) writeDone(record *requestRecord) func(error) {
	return func(err error) {
		c.metrics.WriteDelay.Observe(float64(time.Since(record.issuedAt).Microseconds()))

		if err != nil {
			slog.Error("write request failure", "error", err, "kind", record.kind.String(), "channel", record.channel)
			c.metrics.ClientErrors.WithLabelValues("write").Inc()
			if record.callbacks != nil {
				record.callbacks.OnRequestError(record.kind.errorKind())
			}
			c.requests.take(record.id)
			// A broken write is transport breakage like a broken read: tear
			// the connection down and drive a reconnect.
			c.failTransport()
			return
		}

		if record.kind == requestPublish {
			c.metrics.MessagesSent.WithLabelValues(record.channel).Inc()
			c.metrics.MessagesBytesSent.WithLabelValues(record.channel).Add(float64(record.size))
		}
		c.metrics.BytesWritten.Add(float64(record.size))
	}
}

// readLoop runs on its own goroutine; everything it learns is posted back to
// the reactor.
func (c *wsClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		arrival := time.Now()
		if err != nil {
			c.reactor.Post(func() { c.onReadError(err) })
			return
		}
		c.reactor.Post(func() { c.onMessage(data, arrival) })
	}
}

func (c *wsClient) onReadError(err error) {
	switch c.state {
	case statePendingStopped:
		slog.Info("read cancelled, client stopped")
		c.state = stateStopped
		c.subscriptions.clear()
	case stateRunning:
		slog.Error("read error", "error", err)
		c.metrics.ClientErrors.WithLabelValues("read").Inc()
		c.failTransport()
	default:
		slog.Info("ignoring read error", "state", c.state.String(), "error", err)
	}
}

// failTransport tears the connection down after a transport failure and
// surfaces the error exactly once. The ping timer is cancelled, the socket
// closed and the state moved to stopped, so the dead connection's read loop,
// queued writes and an already-armed ping timer all go quiet instead of
// reporting the same breakage again. No-op unless the client is running.
func (c *wsClient) failTransport() {
	if c.state != stateRunning {
		return
	}
	c.state = stateStopped

	if c.pingTimer != nil {
		c.pingTimer.Stop()
	}
	if err := c.conn.Close(); err != nil {
		slog.Debug("closing failed connection", "error", err)
	}
	c.subscriptions.clear()

	c.errs.OnClientError(ErrorTransport)
}

func (c *wsClient) onMessage(data []byte, arrival time.Time) {
	c.metrics.BytesRead.Add(float64(len(data)))

	doc, err := c.framing.unmarshal(data)
	if err != nil {
		slog.Error("message could not be decoded", "error", err)
		c.metrics.ClientErrors.WithLabelValues("parse").Inc()
		return
	}
	c.processInput(doc, len(data), arrival)
}

// processInput demultiplexes one inbound PDU by action. Unknown actions and
// acks without an open request record are protocol violations we cannot
// recover from.
func (c *wsClient) processInput(doc map[string]any, byteSize int, arrival time.Time) {
	action, ok := doc["action"].(string)
	if !ok {
		panic(fmt.Sprintf("rtm: no action in pdu: %v", doc))
	}
	c.metrics.ActionsReceived.WithLabelValues(action).Inc()

	switch action {
	case actionSubscriptionData:
		entry, body := c.subscriptionPDU(doc)
		messages, ok := body["messages"].([]any)
		if !ok {
			panic(fmt.Sprintf("rtm: messages is not an array: %v", doc))
		}

		c.metrics.MessagesReceived.WithLabelValues(entry.channel).Inc()
		c.metrics.MessagesBytesReceived.WithLabelValues(entry.channel).Add(float64(byteSize))
		c.metrics.MessagesInPDU.Observe(float64(len(messages)))

		for _, m := range messages {
			entry.callbacks.OnData(entry.sub, ChannelData{Message: m, Arrival: arrival})
		}

	case actionSubscriptionErr:
		slog.Error("subscription error", "pdu", doc)
		c.metrics.SubscriptionErrors.Inc()
		entry, _ := c.subscriptionPDU(doc)
		entry.callbacks.OnSubscriptionError(entry.sub, ErrorSubscription)

	case actionPublishOK:
		record := c.confirmation(doc, arrival)
		if record.callbacks != nil {
			record.callbacks.OnOK()
		}

	case actionPublishErr:
		slog.Error("got publish error", "pdu", doc)
		c.metrics.PublishErrors.Inc()
		record := c.confirmation(doc, arrival)
		if record.callbacks != nil {
			record.callbacks.OnRequestError(ErrorPublish)
		}

	case actionSubscribeOK:
		record := c.confirmation(doc, arrival)
		if record.callbacks != nil {
			record.callbacks.OnOK()
		}
		if entry, ok := c.subscriptions.findByChannel(record.channel); ok && entry.requestID == record.id {
			entry.status = statusCurrent
		}

	case actionSubscribeErr:
		slog.Error("got subscribe error", "pdu", doc)
		c.metrics.SubscribeErrors.Inc()
		record := c.confirmation(doc, arrival)
		if record.callbacks != nil {
			record.callbacks.OnRequestError(ErrorSubscribe)
		}
		if !c.subscriptions.deleteByChannel(record.channel) {
			panic(fmt.Sprintf("rtm: failed to delete subscription: %v", doc))
		}

	case actionUnsubscribeOK:
		record := c.confirmation(doc, arrival)
		if record.callbacks != nil {
			record.callbacks.OnOK()
		}
		if !c.subscriptions.deleteByChannel(record.channel) {
			panic(fmt.Sprintf("rtm: failed to delete subscription: %v", doc))
		}

	case actionUnsubscribeErr:
		slog.Error("got unsubscribe error", "pdu", doc)
		c.metrics.UnsubscribeErrors.Inc()
		record := c.confirmation(doc, arrival)
		if record.callbacks != nil {
			record.callbacks.OnRequestError(ErrorUnsubscribe)
		}
		if !c.subscriptions.deleteByChannel(record.channel) {
			panic(fmt.Sprintf("rtm: failed to delete subscription: %v", doc))
		}

	case actionGeneralError:
		panic(fmt.Sprintf("rtm: got unexpected error: %v", doc))

	default:
		panic(fmt.Sprintf("rtm: unsupported action: %v", doc))
	}
}

// subscriptionPDU resolves the subscription a data or error PDU refers to.
func (c *wsClient) subscriptionPDU(doc map[string]any) (*subscriptionEntry, map[string]any) {
	body, ok := pduBody(doc)
	if !ok {
		panic(fmt.Sprintf("rtm: no body in pdu: %v", doc))
	}
	channel, ok := body["subscription_id"].(string)
	if !ok {
		panic(fmt.Sprintf("rtm: no subscription_id in body: %v", doc))
	}
	entry, ok := c.subscriptions.findByChannel(channel)
	if !ok {
		panic(fmt.Sprintf("rtm: no subscription for pdu: %v", doc))
	}
	return entry, body
}

// confirmation takes the open request record an ack or error PDU settles.
func (c *wsClient) confirmation(doc map[string]any, arrival time.Time) *requestRecord {
	id, ok := pduID(doc)
	if !ok {
		panic(fmt.Sprintf("rtm: no id in pdu: %v", doc))
	}
	record := c.requests.take(id)
	if record == nil {
		panic(fmt.Sprintf("rtm: unexpected confirmation: %v", doc))
	}
	if record.kind == requestPublish {
		c.metrics.PublishAckLatency.Observe(float64(arrival.Sub(record.issuedAt).Milliseconds()))
		c.metrics.PublishInflight.Set(float64(c.requests.size()))
	}
	return record
}

func (c *wsClient) enqueueWrite(data []byte, done func(error)) {
	c.pending = append(c.pending, writeRequest{data: data, doneCB: done})
	c.drainRequests()
}

func (c *wsClient) enqueuePing(id uint64, done func(error)) {
	c.pending = append(c.pending, pingRequest{id: id, doneCB: done})
	c.drainRequests()
}

// drainRequests dispatches the next queued request unless one is already in
// flight. The single in-flight write is what keeps socket bytes ordered.
func (c *wsClient) drainRequests() {
	c.metrics.PendingWrites.Set(float64(len(c.pending)))
	if len(c.pending) == 0 || c.inFlight {
		return
	}

	c.inFlight = true
	conn := c.conn
	switch request := c.pending[0].(type) {
	case writeRequest:
		messageType := websocket.TextMessage
		if c.framing.binary() {
			messageType = websocket.BinaryMessage
		}
		go func() {
			err := conn.WriteMessage(messageType, request.data)
			c.reactor.Post(func() { c.onRequestDone(err) })
		}()
	case pingRequest:
		payload := []byte(strconv.FormatUint(request.id, 10))
		go func() {
			err := conn.WriteControl(websocket.PingMessage, payload, time.Now().Add(controlWriteTimeout))
			c.reactor.Post(func() { c.onRequestDone(err) })
		}()
	default:
		panic("rtm: unknown io request type")
	}
}

func (c *wsClient) onRequestDone(err error) {
	request := c.pending[0]
	c.pending = c.pending[1:]
	c.inFlight = false

	switch request := request.(type) {
	case writeRequest:
		request.doneCB(err)
	case pingRequest:
		request.doneCB(err)
	}
	c.drainRequests()
}

func (c *wsClient) armPingTimer() {
	c.pingTimer = time.AfterFunc(c.cfg.PingInterval, func() {
		c.reactor.Post(c.onPingTimer)
	})
}

func (c *wsClient) onPingTimer() {
	if c.state != stateRunning {
		slog.Info("ignoring ping timer", "state", c.state.String())
		return
	}

	id := nextRequestID()
	c.pingTimes[id] = time.Now()
	c.enqueuePing(id, func(err error) {
		if err != nil {
			delete(c.pingTimes, id)
			if c.state == stateRunning {
				slog.Error("ping failed", "error", err)
				c.metrics.ClientErrors.WithLabelValues("ping").Inc()
				c.failTransport()
			} else {
				slog.Info("ignoring ping error", "state", c.state.String(), "error", err)
			}
			return
		}

		c.metrics.PingsSent.Inc()
		c.metrics.LastPingTime.Set(float64(time.Now().Unix()))
		c.armPingTimer()
	})
}

// onPong settles one outstanding ping. A pong that does not carry a known
// ping id means the transport or server broke protocol.
func (c *wsClient) onPong(payload string, now time.Time) {
	c.metrics.ControlFramesReceived.WithLabelValues("pong").Inc()
	c.metrics.LastPongTime.Set(float64(now.Unix()))

	id, err := strconv.ParseUint(payload, 10, 64)
	if err != nil {
		panic(fmt.Sprintf("rtm: invalid pong payload %q: %v", payload, err))
	}
	sentAt, ok := c.pingTimes[id]
	if !ok {
		panic(fmt.Sprintf("rtm: unexpected pong id %d", id))
	}
	delete(c.pingTimes, id)

	c.metrics.PingLatency.Observe(float64(now.Sub(sentAt).Milliseconds()))
}
