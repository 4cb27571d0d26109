package rtm

import (
	"fmt"
	"sync/atomic"
	"time"
)

var requestIDs atomic.Uint64

// nextRequestID allocates a process-monotonic request id. Ids are shared
// between PDU requests and pings so any id is globally unique.
func nextRequestID() uint64 {
	return requestIDs.Add(1)
}

type requestKind int

const (
	requestPublish requestKind = iota
	requestSubscribe
	requestUnsubscribe
)

func (k requestKind) String() string {
	switch k {
	case requestPublish:
		return "publish"
	case requestSubscribe:
		return "subscribe"
	case requestUnsubscribe:
		return "unsubscribe"
	default:
		return "unknown"
	}
}

// errorKind maps a failed request to the error its callback receives.
func (k requestKind) errorKind() ErrorKind {
	switch k {
	case requestPublish:
		return ErrorPublish
	case requestSubscribe:
		return ErrorSubscribe
	case requestUnsubscribe:
		return ErrorUnsubscribe
	default:
		return ErrorUnknown
	}
}

// RequestCallbacks is notified when a tracked request is acked or fails.
// Invoked on the reactor goroutine. May be nil for fire-and-forget requests.
type RequestCallbacks interface {
	OnOK()
	OnRequestError(kind ErrorKind)
}

type requestRecord struct {
	id        uint64
	kind      requestKind
	channel   string
	pdu       pdu
	issuedAt  time.Time
	size      int
	callbacks RequestCallbacks
}

// requestTracker holds one record per outstanding acked request.
// Reactor-owned.
type requestTracker struct {
	records map[uint64]*requestRecord
}

func newRequestTracker() *requestTracker {
	return &requestTracker{records: make(map[uint64]*requestRecord)}
}

// issue records an outstanding request under a fresh id taken from the PDU.
func (t *requestTracker) issue(kind requestKind, channel string, p pdu, size int, callbacks RequestCallbacks) *requestRecord {
	if _, ok := t.records[p.ID]; ok {
		panic(fmt.Sprintf("rtm: duplicate request id %d", p.ID))
	}
	record := &requestRecord{
		id:        p.ID,
		kind:      kind,
		channel:   channel,
		pdu:       p,
		issuedAt:  time.Now(),
		size:      size,
		callbacks: callbacks,
	}
	t.records[p.ID] = record
	return record
}

// take removes and returns the record for id, or nil if none is open.
func (t *requestTracker) take(id uint64) *requestRecord {
	record, ok := t.records[id]
	if !ok {
		return nil
	}
	delete(t.records, id)
	return record
}

func (t *requestTracker) size() int {
	return len(t.records)
}
