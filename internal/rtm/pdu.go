package rtm

import (
	"encoding/json"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/sandipnd/satori-video-bot/internal/util"
)

// Wire actions.
const (
	actionPublish          = "rtm/publish"
	actionSubscribe        = "rtm/subscribe"
	actionUnsubscribe      = "rtm/unsubscribe"
	actionSubscriptionData = "rtm/subscription/data"
	actionSubscriptionErr  = "rtm/subscription/error"
	actionPublishOK        = "rtm/publish/ok"
	actionPublishErr       = "rtm/publish/error"
	actionSubscribeOK      = "rtm/subscribe/ok"
	actionSubscribeErr     = "rtm/subscribe/error"
	actionUnsubscribeOK    = "rtm/unsubscribe/ok"
	actionUnsubscribeErr   = "rtm/unsubscribe/error"
	actionGeneralError     = "/error"
)

// pdu is the outbound protocol data unit. Every request carries a
// process-monotonic id the server echoes in its ack.
type pdu struct {
	Action string `json:"action" cbor:"action"`
	Body   any    `json:"body" cbor:"body"`
	ID     uint64 `json:"id,omitempty" cbor:"id,omitempty"`
}

type publishBody struct {
	Channel string `json:"channel" cbor:"channel"`
	Message any    `json:"message" cbor:"message"`
}

// historyOptions selects how much channel history is replayed on subscribe.
// Absent fields are omitted from the wire, matching the server contract.
type historyOptions struct {
	Age   *uint64 `json:"age,omitempty" cbor:"age,omitempty"`
	Count *uint64 `json:"count,omitempty" cbor:"count,omitempty"`
}

// subscribeBody names the subscription after its channel: one subscription
// per channel is an invariant of the registry.
type subscribeBody struct {
	Channel        string          `json:"channel" cbor:"channel"`
	SubscriptionID string          `json:"subscription_id" cbor:"subscription_id"`
	History        *historyOptions `json:"history,omitempty" cbor:"history,omitempty"`
}

type unsubscribeBody struct {
	SubscriptionID string `json:"subscription_id" cbor:"subscription_id"`
}

// framing encodes outbound PDUs and decodes inbound ones for a negotiated
// subprotocol. JSON and CBOR share one semantic model: inbound PDUs decode
// to map[string]any either way.
type framing interface {
	// name is the websocket subprotocol token, empty for the JSON default.
	name() string
	// binary reports whether frames are sent as binary websocket messages.
	binary() bool
	marshal(v any) ([]byte, error)
	unmarshal(data []byte) (map[string]any, error)
}

type jsonFraming struct{}

func (jsonFraming) name() string { return "" }
func (jsonFraming) binary() bool { return false }

func (jsonFraming) marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonFraming) unmarshal(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

type cborFraming struct{}

// cborDecMode decodes CBOR maps into map[string]any so both framings produce
// the same document shape.
var cborDecMode cbor.DecMode

func init() {
	mode, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	cborDecMode = mode
}

func (cborFraming) name() string { return "cbor" }
func (cborFraming) binary() bool { return true }

func (cborFraming) marshal(v any) ([]byte, error) { return cbor.Marshal(v) }

func (cborFraming) unmarshal(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := cborDecMode.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// pduID extracts the request id an ack PDU refers to.
func pduID(doc map[string]any) (uint64, bool) {
	v, ok := doc["id"]
	if !ok {
		return 0, false
	}
	return util.AsUint64(v)
}

// pduBody extracts the body object of an inbound PDU.
func pduBody(doc map[string]any) (map[string]any, bool) {
	body, ok := doc["body"].(map[string]any)
	return body, ok
}
