// Command empty-bot is a minimal video bot: it counts frames, echoes control
// commands and reports a running tally on the analysis channel. It doubles
// as the wiring example for the SDK.
//
// Usage:
//
//	empty-bot --endpoint <host> --appkey <key> --port 443 --channel <name>
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	videobot "github.com/sandipnd/satori-video-bot"
)

// rawCodec stands in for a real decoder binding: it treats the stream as
// pre-decoded pixel data of the configured size. Real bots plug in a codec
// library implementation here.
type rawCodec struct {
	width, height int
}

func (c *rawCodec) SetMetadata(codecName string, codecData []byte) error {
	if codecName != "raw" {
		return fmt.Errorf("rawCodec cannot decode %q", codecName)
	}
	return nil
}

func (c *rawCodec) DecodeFrame(data []byte) (*videobot.Image, error) {
	linesize := c.width * 4
	if len(data) < linesize*c.height {
		return nil, fmt.Errorf("short frame: %d bytes", len(data))
	}
	return &videobot.Image{
		Pixels:   data,
		Width:    c.width,
		Height:   c.height,
		Linesize: linesize,
	}, nil
}

func (c *rawCodec) Close() {}

func main() {
	var opts videobot.Options
	videobot.RegisterFlags(pflag.CommandLine, &opts)
	pflag.Parse()

	var frames atomic.Uint64

	desc := videobot.Descriptor{
		ImageWidth:   opts.ImageWidth,
		ImageHeight:  opts.ImageHeight,
		PixelFormat:  videobot.PixelFormatRGB0,
		KeepAspect:   opts.KeepAspect,
		CodecFactory: func(w, h int, _ videobot.PixelFormat, _ bool) (videobot.Codec, error) {
			return &rawCodec{width: w, height: h}, nil
		},
		OnImage: func(ctx *videobot.Context, pixels []byte, width, height, linesize int) {
			n := frames.Add(1)
			if n%100 == 0 {
				ctx.Message(videobot.Analysis, map[string]any{
					"frames": n,
					"width":  width,
					"height": height,
				})
			}
		},
		OnControl: func(ctx *videobot.Context, command map[string]any) map[string]any {
			return map[string]any{"echo": command}
		},
	}

	env, err := videobot.NewEnvironment(desc, opts)
	if err != nil {
		slog.Error("invalid bot setup", "error", err)
		pflag.Usage()
		os.Exit(1)
	}

	if opts.MetricsPort > 0 {
		go func() {
			addr := fmt.Sprintf(":%d", opts.MetricsPort)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("serving metrics", "addr", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	videobot.NewVersionChecker()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := env.Run(ctx); err != nil {
		slog.Error("bot stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("bot shut down")
}
