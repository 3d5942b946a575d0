package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"

	"hdr-transcoder/internal/client"
	"hdr-transcoder/internal/config"
	"hdr-transcoder/internal/heartbeat"
	"hdr-transcoder/internal/logging"
	"hdr-transcoder/internal/monitor"
	"hdr-transcoder/internal/platform"
	"hdr-transcoder/internal/platform/mp4"
	"hdr-transcoder/internal/platform/soft"
	"hdr-transcoder/internal/scheduler"
	"hdr-transcoder/internal/server"
	"hdr-transcoder/internal/transcoder"
	"hdr-transcoder/pkg/models"
)

const usage = `usage: worker <command> [flags]

commands:
  run     transcode one file and exit
  serve   start the job API and the orchestrator heartbeat
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(os.Args[2:])
	case "serve":
		err = serveCmd(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger and engine shared by
// both commands.
func setup(fs *pflag.FlagSet) (*config.Config, hclog.Logger, io.Closer, *transcoder.Engine, error) {
	path, _ := fs.GetString("config")
	cfg, err := config.Load(path, fs)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, closer, err := logging.New(logging.Options{
		Name:  "worker",
		Level: cfg.Log.Level,
		JSON:  cfg.Log.JSON,
		File:  cfg.Log.File,
	})
	if err != nil {
		return nil, nil, nil, nil, err
	}

	engine, err := transcoder.NewEngine(newPlatform(cfg.Platform), logger)
	if err != nil {
		closer.Close()
		return nil, nil, nil, nil, fmt.Errorf("failed to initialize transcoder engine: %w", err)
	}
	engine.RelayTimeout = cfg.Pipeline.RelayTimeout
	engine.FrameTimeout = cfg.Pipeline.FrameTimeout
	return cfg, logger, closer, engine, nil
}

// newPlatform pairs MP4 files with the loopback codecs and GPU.
func newPlatform(pc config.PlatformConfig) platform.Platform {
	return platform.Platform{
		Codecs:     soft.NewRegistry(soft.Options{No10BitSurface: !pc.TenBitSurface}),
		GPU:        soft.NewGPU(soft.GPUOptions{TenBit: pc.TenBitSurface, Extensions: pc.GPUExtensions}),
		OpenSource: mp4.Open,
		NewMuxer:   mp4.Create,
		Features:   pc.Features(),
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCmd(args []string) error {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	config.Flags(fs)
	src := fs.String("src", "", "source MP4 file")
	dst := fs.String("dst", "", "destination MP4 file")
	hevc := fs.Bool("hevc", true, "encode with the HEVC family")
	width := fs.Int("width", 0, "output width; 0 keeps the source size")
	height := fs.Int("height", 0, "output height; 0 keeps the source size")
	bitrate := fs.Int("bitrate", 0, "output bitrate in bits per second")
	fps := fs.Int("fps", 0, "output frame rate")
	force8 := fs.Bool("force-8bit", false, "always produce SDR 8-bit output")
	keepHDR := fs.Bool("keep-hdr", true, "keep HDR signaling when possible")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *src == "" || *dst == "" {
		return errors.New("--src and --dst are required")
	}

	cfg, logger, closer, engine, err := setup(fs)
	if err != nil {
		return err
	}
	defer closer.Close()

	job := models.JobSpec{
		JobID:  "cli",
		Source: *src,
		Config: cfg.ApplyDefaults(models.TranscodeConfig{
			DstPath:   *dst,
			HEVC:      *hevc,
			OutWidth:  *width,
			OutHeight: *height,
			Bitrate:   *bitrate,
			FPS:       *fps,
			Force8Bit: *force8,
			KeepHDR:   *keepHDR,
		}),
	}

	ctx, stop := signalContext()
	defer stop()

	start := time.Now()
	res, err := engine.Execute(ctx, job, transcoder.ListenerFuncs{
		PrepareDone: func(t models.TrackFormat) {
			logger.Info("source prepared", "track", t.Resolution(), "mime", t.Mime)
		},
		Progress: func(pct int) {
			logger.Info("progress", "percent", pct)
		},
	})
	for _, a := range res.Attempts {
		logger.Debug("attempt", "level", a.Level, "encoder", a.Encoder, "error", a.Err)
	}
	if err != nil {
		return err
	}
	logger.Info("transcode finished", "output", res.Output, "profile", res.Profile, "elapsed", time.Since(start))
	return nil
}

func serveCmd(args []string) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	config.Flags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, closer, engine, err := setup(fs)
	if err != nil {
		return err
	}
	defer closer.Close()
	logger.Info("starting transcode worker", "worker", cfg.WorkerID, "encoders", engine.Encoders())

	ctx, stop := signalContext()
	defer stop()

	mon := monitor.NewSystemMonitor(engine, logger)
	orch := client.NewOrchestratorClient(client.Options{
		BaseURL:  cfg.OrchestratorURL,
		WorkerID: cfg.WorkerID,
		Logger:   logger,
	})
	sched := scheduler.New(engine, orch, scheduler.Options{
		WorkerID:  cfg.WorkerID,
		QueueSize: cfg.QueueSize,
		Defaults:  cfg.ApplyDefaults,
		Logger:    logger,
	})
	hb := heartbeat.New(orch, mon, sched, time.Duration(cfg.HeartbeatSec)*time.Second, logger)
	srv := server.NewJobServer(cfg.ListenAddr, sched, mon, logger)

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx)
	}()
	hbDone := hb.Start(ctx)

	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down worker")
	case err = <-srvErr:
		logger.Error("job server stopped", "error", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("job server shutdown", "error", serr)
	}
	<-hbDone
	<-schedDone
	logger.Info("worker stopped")
	return err
}
