package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"arucam/broadcast"
	"arucam/calibration"
	"arucam/capture"
	"arucam/config"
	"arucam/detection"
	"arucam/overlay"
	"arucam/pipeline"
	"arucam/pkg/log"

	"github.com/spf13/pflag"
)

func main() {
	flags := config.Flags("arucam")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "arucam: %v\n", err)
		os.Exit(2)
	}

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "arucam: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load("", flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "arucam: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(log.Config{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		fmt.Fprintf(os.Stderr, "arucam: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		logger.WithError(err).Fatal("[main] arucam stopped")
	}
}

// components is everything built from the configuration before capture starts
type components struct {
	camera    *calibration.Camera
	detector  *detection.ArucoDetector
	processor *pipeline.Processor
}

func (c *components) Close() {
	if c.detector != nil {
		c.detector.Close()
	}
}

// build loads the calibration and wires the per-frame stages. Any error
// here is fatal and happens before a frame is read.
func build(cfg *config.Config) (*components, error) {
	cam, err := calibration.Load(cfg.Calibration.Path)
	if err != nil {
		return nil, fmt.Errorf("loading calibration: %w", err)
	}
	log.Info(log.Fields{"path": cfg.Calibration.Path, "camera": cam.String()}, "[main.build] calibration loaded")

	dict, err := detection.ParseDictionary(cfg.Marker.Dictionary)
	if err != nil {
		return nil, err
	}
	refinement, err := detection.ParseCornerRefinement(cfg.Detector.CornerRefinement)
	if err != nil {
		return nil, err
	}
	det, err := detection.NewArucoDetector(dict, detection.DetectorParams{
		AdaptiveThreshWinSizeMin:  cfg.Detector.AdaptiveThreshWinSizeMin,
		AdaptiveThreshWinSizeMax:  cfg.Detector.AdaptiveThreshWinSizeMax,
		AdaptiveThreshWinSizeStep: cfg.Detector.AdaptiveThreshWinSizeStep,
		CornerRefinementMethod:    refinement,
	})
	if err != nil {
		return nil, err
	}
	c := &components{camera: cam, detector: det}

	board, err := detection.NewBoard(
		cfg.Board.MarkersX, cfg.Board.MarkersY,
		cfg.Board.MarkerLength, cfg.Board.MarkerSeparation,
		cfg.Board.FirstID, dict,
	)
	if err != nil {
		c.Close()
		return nil, err
	}
	refiner, err := detection.NewRefiner(board, dict, cam, detection.RefineParams{
		MinRepDistance:      cfg.Refine.MinRepDistance,
		ErrorCorrectionRate: cfg.Refine.ErrorCorrectionRate,
		CheckAllOrders:      cfg.Refine.CheckAllOrders,
		DropForeign:         cfg.Board.DropForeign,
	})
	if err != nil {
		c.Close()
		return nil, err
	}

	mode, err := overlay.ParseMode(cfg.Overlay.Mode)
	if err != nil {
		c.Close()
		return nil, err
	}
	palette, err := overlay.NewPalette(overlay.PaletteColors{
		AxisX:   cfg.Overlay.Colors.X,
		AxisY:   cfg.Overlay.Colors.Y,
		AxisZ:   cfg.Overlay.Colors.Z,
		Pillar:  cfg.Overlay.Colors.Pillar,
		Ceiling: cfg.Overlay.Colors.Ceiling,
		Outline: cfg.Overlay.Colors.Outline,
	})
	if err != nil {
		c.Close()
		return nil, err
	}
	renderer, err := overlay.NewRenderer(overlay.Options{
		Mode:           mode,
		Length:         cfg.Overlay.Length,
		Thickness:      cfg.Overlay.Thickness,
		Palette:        palette,
		OutlineMarkers: cfg.Overlay.OutlineMarkers,
		DrawIDs:        cfg.Overlay.DrawIDs,
		HUD:            cfg.Overlay.HUD,
	})
	if err != nil {
		c.Close()
		return nil, err
	}

	c.processor, err = pipeline.NewProcessor(pipeline.ProcessorConfig{
		Detector:     det,
		Refiner:      refiner,
		Renderer:     renderer,
		Camera:       cam,
		MarkerLength: cfg.Marker.Length,
	})
	if err != nil {
		c.Close()
		return nil, err
	}

	log.Info(log.Fields{
		"dictionary": dict.Name,
		"mode":       mode.String(),
		"board":      fmt.Sprintf("%dx%d", cfg.Board.MarkersX, cfg.Board.MarkersY),
	}, "[main.build] pipeline ready")
	return c, nil
}

func run(cfg *config.Config) error {
	c, err := build(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	publisher := broadcast.NewPublisher()
	defer publisher.Close()

	server, err := broadcast.NewServer(publisher,
		broadcast.WithLogger(log.Logger()),
		broadcast.WithMode(cfg.Overlay.Mode),
		broadcast.WithJPEGQuality(cfg.Stream.JPEGQuality),
		broadcast.WithPollInterval(cfg.Stream.PollInterval),
	)
	if err != nil {
		return err
	}

	source, err := capture.Open(capture.Config{
		Source:     cfg.Capture.Source,
		Width:      cfg.Capture.Width,
		Height:     cfg.Capture.Height,
		BufferSize: 1,
		Warmup:     cfg.Capture.Warmup,
	})
	if err != nil {
		return err
	}
	defer source.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stats := pipeline.NewStats()
	go stats.Report(ctx, cfg.Stats.Interval)

	errChan := make(chan error, 2)
	worker := pipeline.NewWorker(source, c.processor, publisher, stats)
	go func() {
		errChan <- worker.Run(ctx)
	}()
	go func() {
		if err := server.Listen(cfg.Server.Addr()); err != nil {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case sig := <-sigChan:
		log.Info(log.Fields{"signal": sig.String()}, "[main.run] shutting down")
	case runErr = <-errChan:
		if runErr == nil {
			log.Info(nil, "[main.run] capture finished")
		}
	}

	cancel()
	if err := server.Shutdown(); err != nil {
		log.Warn(log.Fields{"error": err.Error()}, "[main.run] http shutdown")
	}
	return runErr
}
