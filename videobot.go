// Package videobot is a runtime for video analysis bots on RTM channels. A
// bot implements an image callback (and optionally a control callback); the
// runtime subscribes to the encoded video stream, reassembles and decodes
// frames, invokes the callbacks and publishes their output to the sibling
// analysis and debug channels. Network concurrency, backpressure, decoder
// lifecycle, reconnection and metrics are handled here.
package videobot

import (
	"context"
	"errors"
	"log/slog"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/sandipnd/satori-video-bot/internal/bot"
	"github.com/sandipnd/satori-video-bot/internal/codec"
	"github.com/sandipnd/satori-video-bot/internal/config"
	"github.com/sandipnd/satori-video-bot/internal/metrics"
	"github.com/sandipnd/satori-video-bot/internal/notify"
	"github.com/sandipnd/satori-video-bot/internal/rtm"
	"github.com/sandipnd/satori-video-bot/internal/util"
)

// Public surface of the runtime. The implementation lives in the internal
// packages; these aliases are what bot authors program against.
type (
	// Descriptor declares a bot: its callbacks and decoder parameters.
	Descriptor = bot.Descriptor
	// Context is handed to callbacks for emitting outbound messages.
	Context = bot.Context
	// MessageKind selects the outbound channel for a bot message.
	MessageKind = bot.MessageKind
	// Options are the runtime connection and decoder options.
	Options = config.Options

	// Codec is the external decoding engine a bot supplies.
	Codec = codec.Codec
	// CodecFactory constructs a Codec scaled to the requested output size.
	CodecFactory = codec.Factory
	// Image is one decoded picture.
	Image = codec.Image
	// PixelFormat names the pixel layout of decoded images.
	PixelFormat = codec.PixelFormat
)

// Outbound message kinds.
const (
	Analysis = bot.Analysis
	Debug    = bot.Debug
)

// Pixel formats.
const (
	PixelFormatRGB0 = codec.PixelFormatRGB0
	PixelFormatBGR0 = codec.PixelFormatBGR0
)

const (
	runRetryInitialDelay = 1 * time.Second
	runRetryMaxDelay     = 60 * time.Second
)

// RegisterFlags binds all runtime options to fs.
func RegisterFlags(fs *pflag.FlagSet, opts *Options) {
	config.RegisterFlags(fs, opts)
}

// Environment owns one bot and its connection lifecycle. Construct it in
// main and call Run; there is no process-global registration.
type Environment struct {
	desc      Descriptor
	opts      Options
	metrics   *metrics.Metrics
	instance  *bot.Instance
	notifier  *notify.ConnectionNotifier
	botConfig map[string]any
}

// NewEnvironment validates the descriptor and options and builds the bot
// instance. Metrics are registered with the default Prometheus registerer.
func NewEnvironment(desc Descriptor, opts Options) (*Environment, error) {
	if desc.OnImage == nil {
		return nil, errors.New("videobot: descriptor needs an image callback")
	}
	if desc.CodecFactory == nil {
		return nil, errors.New("videobot: descriptor needs a codec factory")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Load(); err != nil {
		return nil, err
	}
	botConfig, err := opts.BotConfig()
	if err != nil {
		return nil, err
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	return &Environment{
		desc:      desc,
		opts:      opts,
		metrics:   m,
		instance:  bot.New(opts.ID, desc, opts.Channel, m),
		notifier:  notify.NewConnectionNotifier(opts.Notifications),
		botConfig: botConfig,
	}, nil
}

// Run delivers the configure command, connects and serves until ctx is
// cancelled or a non-retryable error occurs. Client-level failures restart
// the connection cycle with backoff; transport breakage below the protocol
// (broken pipe) is retried the same way.
func (e *Environment) Run(ctx context.Context) error {
	e.instance.Configure(e.botConfig)
	defer e.instance.Close()

	retry := util.NewBackoff(runRetryInitialDelay, runRetryMaxDelay)

	for {
		reactor := rtm.NewReactor()
		factory := func(errs rtm.ErrorCallbacks) rtm.Client {
			return rtm.NewClient(reactor, rtm.Config{
				Endpoint: e.opts.Endpoint,
				Port:     e.opts.Port,
				AppKey:   e.opts.AppKey,
				UseCBOR:  e.opts.UseCBOR,
			}, e.metrics, errs)
		}
		client := rtm.NewResilient(reactor, factory, e.notifier)
		e.instance.Attach(client, reactor)

		stopWatcher := context.AfterFunc(ctx, func() {
			reactor.Post(func() {
				client.Shutdown()
				reactor.Stop()
			})
		})

		reactor.Post(func() {
			if err := client.Start(); err != nil {
				reactor.Fail(err)
				return
			}
			e.instance.Subscribe(client)
		})

		err := reactor.Run()
		stopWatcher()

		if ctx.Err() != nil || err == nil {
			return nil
		}
		if !retryableRunError(err) {
			return err
		}

		delay := retry.Next()
		slog.Error("bot io loop failed, retrying", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// retryableRunError reports whether the run loop should reconnect. Protocol
// and subscription level failures restart the cycle, as does a broken pipe
// underneath it; anything else ends the bot.
func retryableRunError(err error) bool {
	if errors.Is(err, syscall.EPIPE) {
		return true
	}
	var kind rtm.ErrorKind
	return errors.As(err, &kind)
}
