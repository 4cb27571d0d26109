package rtm

import (
	"fmt"
	"sync/atomic"
	"time"
)

// SubscriptionID is a stable opaque handle for one channel subscription.
// Callers allocate one with NewSubscriptionID, pass it to Subscribe and keep
// it to route inbound data and to unsubscribe later.
type SubscriptionID uint64

var subscriptionIDs atomic.Uint64

// NewSubscriptionID allocates a process-unique subscription handle.
func NewSubscriptionID() SubscriptionID {
	return SubscriptionID(subscriptionIDs.Add(1))
}

// ChannelData is one message delivered on a subscribed channel.
type ChannelData struct {
	Message any
	Arrival time.Time
}

// SubscriptionCallbacks receives channel data and subscription-level errors.
// Both methods are invoked on the reactor goroutine.
type SubscriptionCallbacks interface {
	OnData(sub SubscriptionID, data ChannelData)
	OnSubscriptionError(sub SubscriptionID, kind ErrorKind)
}

// subscriptionStatus tracks where a subscription is in its ack lifecycle.
type subscriptionStatus int

const (
	statusPendingSubscribe subscriptionStatus = iota
	statusCurrent
	statusPendingUnsubscribe
)

type subscriptionEntry struct {
	channel   string
	sub       SubscriptionID
	callbacks SubscriptionCallbacks
	status    subscriptionStatus
	requestID uint64 // id of the pending subscribe or unsubscribe
}

// subscriptionRegistry maps channels and handles to subscription entries.
// Reactor-owned; a double add is a programming error and panics.
type subscriptionRegistry struct {
	byChannel map[string]*subscriptionEntry
	bySub     map[SubscriptionID]*subscriptionEntry
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{
		byChannel: make(map[string]*subscriptionEntry),
		bySub:     make(map[SubscriptionID]*subscriptionEntry),
	}
}

func (r *subscriptionRegistry) add(channel string, sub SubscriptionID, callbacks SubscriptionCallbacks, requestID uint64) *subscriptionEntry {
	if _, ok := r.byChannel[channel]; ok {
		panic(fmt.Sprintf("rtm: subscription already exists for channel %q", channel))
	}
	if _, ok := r.bySub[sub]; ok {
		panic(fmt.Sprintf("rtm: subscription handle %d already bound", sub))
	}

	entry := &subscriptionEntry{
		channel:   channel,
		sub:       sub,
		callbacks: callbacks,
		status:    statusPendingSubscribe,
		requestID: requestID,
	}
	r.byChannel[channel] = entry
	r.bySub[sub] = entry
	return entry
}

func (r *subscriptionRegistry) findByChannel(channel string) (*subscriptionEntry, bool) {
	entry, ok := r.byChannel[channel]
	return entry, ok
}

func (r *subscriptionRegistry) findBySub(sub SubscriptionID) (*subscriptionEntry, bool) {
	entry, ok := r.bySub[sub]
	return entry, ok
}

func (r *subscriptionRegistry) deleteByChannel(channel string) bool {
	entry, ok := r.byChannel[channel]
	if !ok {
		return false
	}
	delete(r.byChannel, channel)
	delete(r.bySub, entry.sub)
	return true
}

func (r *subscriptionRegistry) clear() {
	clear(r.byChannel)
	clear(r.bySub)
}

func (r *subscriptionRegistry) size() int {
	return len(r.byChannel)
}
