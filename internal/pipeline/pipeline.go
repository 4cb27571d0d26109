package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sandipnd/satori-video-bot/internal/codec"
	"github.com/sandipnd/satori-video-bot/internal/metrics"
	"github.com/sandipnd/satori-video-bot/internal/worker"
)

// Queue capacities. The decoder queue absorbs network bursts; the process
// queue stays tiny so slow bot callbacks shed the newest frames instead of
// accumulating latency.
const (
	networkFrameBufferSize = 1024
	imageFrameBufferSize   = 2
)

// Config wires a pipeline to its decoder factory and downstream consumer.
type Config struct {
	Factory      codec.Factory
	TargetWidth  int
	TargetHeight int
	PixelFormat  codec.PixelFormat
	KeepAspect   bool

	// OnImage is invoked on the process worker goroutine for every decoded
	// frame that survived both queues.
	OnImage func(image codec.Image, id FrameID)
}

type imageFrame struct {
	image codec.Image
	id    FrameID
}

// Pipeline is the two-stage frame path: channel messages are queued to a
// decoder worker, decoded images are queued to a process worker running the
// bot callback. Both stages are bounded and shed load instead of blocking.
//
// OnFrameMessage and OnMetadataMessage must be called from the reactor
// goroutine; the decoder mutex is what lets the reactor swap the decoder
// underneath the decoder worker.
type Pipeline struct {
	cfg     Config
	metrics *metrics.Metrics

	decoderMu sync.Mutex
	decoder   *codec.Decoder
	failures  uint64 // decoder failure count already exported to metrics

	metadata Metadata
	haveMeta bool

	decoderWorker *worker.Queue[NetworkFrame]
	processWorker *worker.Queue[imageFrame]
}

// New creates the pipeline and starts both worker goroutines.
func New(cfg Config, m *metrics.Metrics) *Pipeline {
	p := &Pipeline{cfg: cfg, metrics: m}
	p.decoderWorker = worker.NewQueue(networkFrameBufferSize, p.decodeFrame)
	p.processWorker = worker.NewQueue(imageFrameBufferSize, p.processFrame)
	return p
}

// OnFrameMessage handles one frames-channel message. Messages arriving
// before any metadata are dropped silently: there is no decoder to feed.
// When the decoder queue is full the whole queue is cleared and the frame
// dropped, shedding the burst entirely rather than serving stale frames.
func (p *Pipeline) OnFrameMessage(message any) {
	p.metrics.FrameMessages.Inc()

	if !p.haveMeta {
		return
	}

	frame, err := ParseNetworkFrame(message)
	if err != nil {
		slog.Error("bad frame message", "error", err)
		p.metrics.InvalidMessages.Inc()
		return
	}
	p.metrics.FrameBytes.Add(float64(len(frame.Data)))

	p.metrics.NetworkBufferSize.Set(float64(p.decoderWorker.Size()))
	p.metrics.ImageBufferSize.Set(float64(p.processWorker.Size()))

	if !p.decoderWorker.TrySend(frame) {
		p.metrics.NetworkBufferDropped.Inc()
		slog.Warn("dropped network frame, clearing network buffer")
		p.decoderWorker.Clear()
	}
}

// OnMetadataMessage handles one metadata-channel message. Repeated identical
// metadata is a no-op; changed metadata tears down the decoder and builds a
// fresh one atomically with respect to chunk ingestion.
func (p *Pipeline) OnMetadataMessage(message any) {
	metadata, err := ParseMetadata(message)
	if err != nil {
		slog.Error("bad metadata message", "error", err)
		p.metrics.InvalidMessages.Inc()
		return
	}
	p.metrics.MetadataReceived.Inc()

	if p.haveMeta && metadata.Equal(p.metadata) {
		return
	}
	p.metadata = metadata
	p.haveMeta = true

	p.decoderMu.Lock()
	defer p.decoderMu.Unlock()

	if p.decoder != nil {
		slog.Debug("deleting decoder")
		p.decoder.Close()
		p.decoder = nil
	}

	decoder, err := codec.NewDecoder(p.cfg.Factory, p.cfg.TargetWidth, p.cfg.TargetHeight, p.cfg.PixelFormat, p.cfg.KeepAspect)
	if err != nil {
		slog.Error("cannot create decoder", "codec", metadata.CodecName, "error", err)
		p.haveMeta = false
		return
	}
	if err := decoder.SetMetadata(metadata.CodecName, metadata.CodecData); err != nil {
		slog.Error("cannot set decoder metadata", "codec", metadata.CodecName, "error", err)
		decoder.Close()
		p.haveMeta = false
		return
	}

	p.decoder = decoder
	p.failures = 0
	slog.Info("video decoder initialized", "codec", metadata.CodecName)
}

// decodeFrame runs on the decoder worker goroutine.
func (p *Pipeline) decodeFrame(frame NetworkFrame) {
	p.decoderMu.Lock()
	defer p.decoderMu.Unlock()

	if p.decoder == nil {
		return
	}

	start := time.Now()
	p.decoder.ProcessChunk(frame.ID.Hi, frame.ID.Lo, frame.Data, frame.Chunk, frame.Chunks)
	p.metrics.DecodingTime.Observe(float64(time.Since(start).Milliseconds()))

	if failures := p.decoder.Failures(); failures > p.failures {
		p.metrics.DecodeFailures.Add(float64(failures - p.failures))
		p.failures = failures
	}

	if p.decoder.FrameReady() {
		p.metrics.FramesReceived.Inc()
		image := p.decoder.Image()
		if !p.processWorker.TrySend(imageFrame{image: *image, id: frame.ID}) {
			p.metrics.ImageFramesDropped.Inc()
		}
	}
}

// processFrame runs on the process worker goroutine.
func (p *Pipeline) processFrame(frame imageFrame) {
	start := time.Now()
	p.cfg.OnImage(frame.image, frame.id)
	p.metrics.ProcessingTime.Observe(float64(time.Since(start).Milliseconds()))
}

// Close drains and stops both workers and releases the decoder.
func (p *Pipeline) Close() {
	p.decoderWorker.Close()
	p.processWorker.Close()

	p.decoderMu.Lock()
	defer p.decoderMu.Unlock()
	if p.decoder != nil {
		p.decoder.Close()
		p.decoder = nil
	}
	p.haveMeta = false
}
