// Package metrics defines the Prometheus collectors for the RTM client and
// the frame pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// latencyBuckets covers sub-millisecond acks up to badly congested links.
var latencyBuckets = []float64{
	0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 15,
	20, 25, 30, 40, 50, 60, 70, 80, 90, 100, 150, 200,
	250, 300, 400, 500, 600, 700, 800, 900, 1000, 2000, 3000, 4000,
	5000, 6000, 7000, 8000, 9000, 10000, 25000, 50000, 100000,
}

var writeDelayBuckets = []float64{
	0, 1, 5, 10, 25, 50, 100,
	250, 500, 750, 1000, 2000, 3000, 4000,
	5000, 7500, 10000, 25000, 50000, 100000,
}

var pduMessageBuckets = []float64{
	1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100,
}

// Metrics holds all Prometheus collectors.
type Metrics struct {
	// RTM client
	ClientStart           prometheus.Counter
	ClientErrors          *prometheus.CounterVec
	ActionsReceived       *prometheus.CounterVec
	MessagesReceived      *prometheus.CounterVec
	MessagesBytesReceived *prometheus.CounterVec
	MessagesSent          *prometheus.CounterVec
	MessagesBytesSent     *prometheus.CounterVec
	MessagesInPDU         prometheus.Histogram
	BytesWritten          prometheus.Counter
	BytesRead             prometheus.Counter
	ControlFramesReceived *prometheus.CounterVec
	PingsSent             prometheus.Counter
	LastPingTime          prometheus.Gauge
	LastPongTime          prometheus.Gauge
	PingLatency           prometheus.Histogram
	PendingWrites         prometheus.Gauge
	WriteDelay            prometheus.Histogram
	PublishAckLatency     prometheus.Histogram
	PublishInflight       prometheus.Gauge
	SubscriptionErrors    prometheus.Counter
	PublishErrors         prometheus.Counter
	SubscribeErrors       prometheus.Counter
	UnsubscribeErrors     prometheus.Counter

	// Frame pipeline
	FramesReceived       prometheus.Counter
	FrameMessages        prometheus.Counter
	FrameBytes           prometheus.Counter
	MetadataReceived     prometheus.Counter
	InvalidMessages      prometheus.Counter
	NetworkBufferSize    prometheus.Gauge
	ImageBufferSize      prometheus.Gauge
	DecodingTime         prometheus.Histogram
	ProcessingTime       prometheus.Histogram
	DecodeFailures       prometheus.Counter
	ImageFramesDropped   prometheus.Counter
	NetworkBufferDropped prometheus.Counter
}

// New creates all collectors and registers them with reg. Tests pass a
// private registry so parallel tests do not collide.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ClientStart: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtm_client_start",
			Help: "Number of successful RTM client starts",
		}),
		ClientErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtm_client_error",
			Help: "RTM client errors by type",
		}, []string{"type"}),
		ActionsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtm_actions_received_total",
			Help: "Inbound PDUs by action",
		}, []string{"action"}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtm_messages_received_total",
			Help: "Subscription data PDUs received by channel",
		}, []string{"channel"}),
		MessagesBytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtm_messages_received_bytes_total",
			Help: "Bytes of subscription data received by channel",
		}, []string{"channel"}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtm_messages_sent_total",
			Help: "Published messages by channel",
		}, []string{"channel"}),
		MessagesBytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtm_messages_sent_bytes_total",
			Help: "Bytes of published messages by channel",
		}, []string{"channel"}),
		MessagesInPDU: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rtm_messages_in_pdu",
			Help:    "Messages batched into one subscription data PDU",
			Buckets: pduMessageBuckets,
		}),
		BytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtm_bytes_written_total",
			Help: "Bytes written to the socket",
		}),
		BytesRead: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtm_bytes_read_total",
			Help: "Bytes read from the socket",
		}),
		ControlFramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtm_frames_received_total",
			Help: "WebSocket control frames received by type",
		}, []string{"type"}),
		PingsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtm_pings_sent_total",
			Help: "WebSocket pings sent",
		}),
		LastPingTime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rtm_last_ping_time_seconds",
			Help: "Unix time of the last ping sent",
		}),
		LastPongTime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rtm_last_pong_time_seconds",
			Help: "Unix time of the last pong received",
		}),
		PingLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rtm_ping_latency_millis",
			Help:    "Ping round-trip latency in milliseconds",
			Buckets: latencyBuckets,
		}),
		PendingWrites: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rtm_pending_requests",
			Help: "Write and ping requests queued, including the one in flight",
		}),
		WriteDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rtm_write_delay_microseconds",
			Help:    "Delay between enqueueing a PDU and its write completing",
			Buckets: writeDelayBuckets,
		}),
		PublishAckLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rtm_publish_ack_latency_millis",
			Help:    "Latency between publish write and its ack",
			Buckets: latencyBuckets,
		}),
		PublishInflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rtm_publish_inflight_total",
			Help: "Requests of any kind awaiting an ack, sampled at each publish ack",
		}),
		SubscriptionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtm_subscription_error_total",
			Help: "Subscription error PDUs received",
		}),
		PublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtm_publish_error_total",
			Help: "Publish error PDUs received",
		}),
		SubscribeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtm_subscribe_error_total",
			Help: "Subscribe error PDUs received",
		}),
		UnsubscribeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtm_unsubscribe_error_total",
			Help: "Unsubscribe error PDUs received",
		}),

		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "vbot_frames_received",
			Help: "Complete encoded frames decoded",
		}),
		FrameMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "vbot_messages_received",
			Help: "Messages received on the frames channel",
		}),
		FrameBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "vbot_bytes_received",
			Help: "Encoded frame bytes received",
		}),
		MetadataReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "vbot_metadata_received",
			Help: "Metadata messages received",
		}),
		InvalidMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "vbot_invalid_messages",
			Help: "Messages dropped because they could not be parsed",
		}),
		NetworkBufferSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vbot_network_frame_buffer_size",
			Help: "Depth of the decoder worker queue",
		}),
		ImageBufferSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vbot_image_frame_buffer_size",
			Help: "Depth of the process worker queue",
		}),
		DecodingTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "vbot_decoding_times_millis",
			Help:    "Time spent decoding one frame message in milliseconds",
			Buckets: latencyBuckets,
		}),
		ProcessingTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "vbot_processing_times_millis",
			Help:    "Time spent in the bot image callback in milliseconds",
			Buckets: latencyBuckets,
		}),
		DecodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "vbot_decode_failures",
			Help: "Frames the codec failed to decode",
		}),
		ImageFramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "vbot_image_frames_dropped",
			Help: "Decoded images dropped because the process queue was full",
		}),
		NetworkBufferDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "vbot_network_buffer_dropped",
			Help: "Times the decoder queue overflowed and was cleared",
		}),
	}
}
