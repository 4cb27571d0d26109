// Package bot wires the frame pipeline to RTM subscriptions and owns the
// outbound message flow of one bot.
package bot

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/sandipnd/satori-video-bot/internal/codec"
	"github.com/sandipnd/satori-video-bot/internal/metrics"
	"github.com/sandipnd/satori-video-bot/internal/pipeline"
	"github.com/sandipnd/satori-video-bot/internal/rtm"
)

// MessageKind selects the outbound channel for a bot message.
type MessageKind int

const (
	// Analysis messages carry the bot's findings.
	Analysis MessageKind = iota
	// Debug messages carry diagnostics and control-command responses.
	Debug
)

// ImageCallback processes one decoded frame. It runs on the process worker
// goroutine. linesize is the number of bytes per pixel row.
type ImageCallback func(ctx *Context, pixels []byte, width, height, linesize int)

// ControlCallback handles one control command and optionally returns a
// response, which is published as a Debug message. It runs on the reactor
// goroutine (and once at startup for the configure command).
type ControlCallback func(ctx *Context, command map[string]any) map[string]any

// Descriptor is what a bot author provides to the runtime.
type Descriptor struct {
	ImageWidth  int
	ImageHeight int
	PixelFormat codec.PixelFormat
	KeepAspect  bool

	CodecFactory codec.Factory
	OnImage      ImageCallback
	OnControl    ControlCallback
}

// Context is handed to bot callbacks for emitting outbound messages. Message
// must only be called from within a callback.
type Context struct {
	instance *Instance
}

// Message enqueues an outbound message. body must be a mutable object: the
// runtime stamps the processed frame id into it before publishing.
func (c *Context) Message(kind MessageKind, body map[string]any) {
	c.instance.queueMessage(kind, body)
}

type queuedMessage struct {
	kind MessageKind
	body map[string]any
}

// Instance owns one bot: its pipeline, its three channel subscriptions and
// the buffer of messages queued by callbacks. Messages buffered during an
// image callback are flushed together, stamped with that frame's id.
type Instance struct {
	id       string
	desc     Descriptor
	channels ChannelNames
	reactor  *rtm.Reactor

	pipeline *pipeline.Pipeline
	ctx      *Context

	framesSub   rtm.SubscriptionID
	controlSub  rtm.SubscriptionID
	metadataSub rtm.SubscriptionID

	publisher rtm.Client

	messagesMu sync.Mutex
	messages   []queuedMessage
}

// New creates an instance for the given base channel and starts its
// pipeline workers.
func New(id string, desc Descriptor, channel string, m *metrics.Metrics) *Instance {
	instance := &Instance{
		id:          id,
		desc:        desc,
		channels:    NewChannelNames(channel),
		framesSub:   rtm.NewSubscriptionID(),
		controlSub:  rtm.NewSubscriptionID(),
		metadataSub: rtm.NewSubscriptionID(),
	}
	instance.ctx = &Context{instance: instance}

	instance.pipeline = pipeline.New(pipeline.Config{
		Factory:      desc.CodecFactory,
		TargetWidth:  desc.ImageWidth,
		TargetHeight: desc.ImageHeight,
		PixelFormat:  desc.PixelFormat,
		KeepAspect:   desc.KeepAspect,
		OnImage:      instance.onImage,
	}, m)

	return instance
}

// Attach points the instance at the reactor and client of the current
// connection cycle. Called before Subscribe on every cycle.
func (b *Instance) Attach(publisher rtm.Client, reactor *rtm.Reactor) {
	b.publisher = publisher
	b.reactor = reactor
}

// Subscribe registers the frames, control and metadata subscriptions. The
// metadata channel requests one history message so the current stream
// metadata arrives immediately. Must run on the reactor goroutine.
func (b *Instance) Subscribe(client rtm.Client) {
	client.Subscribe(b.channels.Frames, b.framesSub, b, nil, nil)
	client.Subscribe(b.channels.Control, b.controlSub, b, nil, nil)

	count := uint64(1)
	client.Subscribe(b.channels.Metadata, b.metadataSub, b, nil, &rtm.SubscriptionOptions{
		History: rtm.HistoryOptions{Count: &count},
	})
}

// OnData routes channel data to the pipeline or the control handler.
func (b *Instance) OnData(sub rtm.SubscriptionID, data rtm.ChannelData) {
	switch sub {
	case b.metadataSub:
		b.pipeline.OnMetadataMessage(data.Message)
	case b.framesSub:
		b.pipeline.OnFrameMessage(data.Message)
	case b.controlSub:
		b.onControlMessage(data.Message)
	default:
		panic(fmt.Sprintf("bot: data for unknown subscription %d", sub))
	}
}

// OnSubscriptionError surfaces a subscription failure to the outer run loop,
// which decides whether to rebuild the connection cycle.
func (b *Instance) OnSubscriptionError(sub rtm.SubscriptionID, kind rtm.ErrorKind) {
	slog.Error("bot subscription error", "bot", b.id, "subscription", sub, "error", kind)
	b.reactor.Fail(kind)
}

// Configure delivers the configure command once at startup. config is the
// parsed --config payload; the command reaches the control callback as
// {"action": "configure", "body": config}. Any response is queued as Debug
// and flushed with the next frame or control dispatch.
func (b *Instance) Configure(config map[string]any) {
	if b.desc.OnControl == nil {
		if len(config) > 0 {
			slog.Warn("config specified but bot has no control callback")
		}
		return
	}
	if config == nil {
		config = map[string]any{}
	}

	command := map[string]any{"action": "configure", "body": config}
	if response := b.desc.OnControl(b.ctx, command); response != nil {
		b.queueMessage(Debug, response)
	}
}

// onControlMessage demultiplexes a control-channel message: either one
// command object or an array of them.
func (b *Instance) onControlMessage(message any) {
	if b.desc.OnControl == nil {
		return
	}

	switch command := message.(type) {
	case []any:
		for _, m := range command {
			b.onControlMessage(m)
		}
	case map[string]any:
		if response := b.desc.OnControl(b.ctx, command); response != nil {
			b.queueMessage(Debug, response)
		}
		b.sendMessages(nil)
	default:
		slog.Error("unsupported kind of control message")
	}
}

// onImage runs on the process worker: it invokes the bot callback, then
// flushes everything the callback queued, stamped with this frame's id.
func (b *Instance) onImage(image codec.Image, id pipeline.FrameID) {
	b.desc.OnImage(b.ctx, image.Pixels, image.Width, image.Height, image.Linesize)
	b.sendMessages(&id)
}

func (b *Instance) queueMessage(kind MessageKind, body map[string]any) {
	b.messagesMu.Lock()
	b.messages = append(b.messages, queuedMessage{kind: kind, body: body})
	b.messagesMu.Unlock()
}

// sendMessages flushes the outbound buffer. When id is set, every message
// gets the processed frame id injected under "i" before publishing. The
// publish calls are posted to the reactor as one task so messages of one
// flush stay contiguous and ordered.
func (b *Instance) sendMessages(id *pipeline.FrameID) {
	b.messagesMu.Lock()
	flushed := b.messages
	b.messages = nil
	b.messagesMu.Unlock()

	if len(flushed) == 0 || b.publisher == nil {
		return
	}

	for _, message := range flushed {
		if id != nil {
			message.body["i"] = []uint64{id.Hi, id.Lo}
		}
	}

	b.reactor.Post(func() {
		for _, message := range flushed {
			channel := b.channels.Analysis
			if message.kind == Debug {
				channel = b.channels.Debug
			}
			b.publisher.Publish(channel, message.body, nil)
		}
	})
}

// Close stops the pipeline workers.
func (b *Instance) Close() {
	b.pipeline.Close()
}
