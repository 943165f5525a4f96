package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/Tutortoise/face-recognition-service/detections"
	"github.com/Tutortoise/face-recognition-service/engine"
	"github.com/Tutortoise/face-recognition-service/persist"
	"github.com/Tutortoise/face-recognition-service/server"
	"github.com/Tutortoise/face-recognition-service/service"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownGrace = 15 * time.Second

var serveFlags struct {
	addr    string
	dataDir string
	onnxLib string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP inference service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("addr") {
			cfg.Server.Addr = serveFlags.addr
		}
		if cmd.Flags().Changed("data-dir") {
			cfg.Storage.DataDir = serveFlags.dataDir
		}
		if cmd.Flags().Changed("onnx-lib") {
			cfg.ONNX.LibraryPath = serveFlags.onnxLib
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	env, err := engine.NewEnvironment(cfg.ONNX.LibraryPath, cfg.ONNX.LibraryDir)
	if err != nil {
		return err
	}
	defer env.Close()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	loader := engine.NewLoader(engine.Options{
		IntraOpThreads: cfg.ONNX.IntraOpThreads,
		InterOpThreads: cfg.ONNX.InterOpThreads,
	})
	svc := service.New(loader, service.Options{
		Decode: detections.DecodeOptions{
			Threshold:    cfg.Detection.Threshold,
			IoUThreshold: cfg.Detection.IoUThreshold,
		},
		MaxImagePixels: cfg.Detection.MaxImagePixels,
	})
	if err := service.NewLifecycle(svc, store).Resume(ctx); err != nil {
		return err
	}

	disp := server.NewDispatcher(svc, cfg.Server.AcquireTimeout)
	srv := server.New(disp, server.Options{
		MaxChunkBytes: cfg.Server.MaxChunkBytes,
		MaxImageBytes: cfg.Server.MaxImageBytes,
	})
	serveErr := srv.ListenAndServe(ctx, cfg.Server.Addr, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, shutdownGrace)

	// The signal context is done by now; suspend on a fresh one.
	suspendCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	held, err := disp.Shutdown(suspendCtx)
	if err != nil {
		log.Errorf("Failed to stop dispatcher: %v", err)
		return serveErr
	}
	defer held.Close()
	if err := service.NewLifecycle(held, store).Suspend(suspendCtx); err != nil {
		log.Errorf("Failed to save stats: %v", err)
	}
	return serveErr
}

func openStore() (persist.Stable, error) {
	if cfg.Storage.DataDir == "" {
		log.Warn("No data directory configured, stats will not survive a restart")
		return persist.NewMemory(), nil
	}
	store, err := persist.NewBadger(persist.BadgerOptions{Dir: cfg.Storage.DataDir})
	if err != nil {
		return nil, fmt.Errorf("open stats store: %w", err)
	}
	return store, nil
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.addr, "addr", "", "listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveFlags.dataDir, "data-dir", "", "directory for the stats store")
	serveCmd.Flags().StringVar(&serveFlags.onnxLib, "onnx-lib", "", "path to the onnxruntime shared library")
	rootCmd.AddCommand(serveCmd)
}
