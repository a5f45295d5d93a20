package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wlkit/reseat/internal/config"
	"github.com/wlkit/reseat/internal/ipc"
	"github.com/wlkit/reseat/internal/logger"
	"github.com/wlkit/reseat/internal/loop"
	"github.com/wlkit/reseat/internal/pipeline"
	"github.com/wlkit/reseat/internal/session"
)

var logOnly bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the remote input receiver",
	Long: `Runs the receiver standalone: listens on the control socket for
channel descriptors and injects accepted input through uinput virtual
devices. With --log-only, events are logged instead of injected.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Get()
		if cfg.Logging.LogLevel != "" {
			logger.SetLevel(cfg.Logging.LogLevel)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sink, cleanup := buildSink()
		defer cleanup()

		lp := loop.New()
		registry := session.NewRegistry(lp, sink, pipeline.LogSeatManager{}, cfg.RegistryOptions())

		server, err := ipc.NewSocketServer(cfg.Socket.Path, registry)
		if err != nil {
			return err
		}
		if err := server.Start(); err != nil {
			return err
		}
		defer server.Stop()

		// Tear sessions down (forced key release included) before the
		// loop stops; the loop drains queued tasks on cancellation.
		loopCtx, cancelLoop := context.WithCancel(context.Background())
		go func() {
			<-ctx.Done()
			registry.Shutdown()
			cancelLoop()
		}()

		logger.Info("Remote input receiver running")
		lp.Run(loopCtx)
		return nil
	},
}

// buildSink picks the injection sink: uinput when available, logging
// otherwise.
func buildSink() (pipeline.Sink, func()) {
	if logOnly {
		logger.Info("Running in log-only mode, no events will be injected")
		return pipeline.LogSink{}, func() {}
	}

	sink, err := pipeline.NewUinputSink()
	if err != nil {
		logger.Warnf("uinput unavailable (%v), falling back to log-only injection", err)
		return pipeline.LogSink{}, func() {}
	}
	return sink, func() {
		if err := sink.Close(); err != nil {
			logger.Errorf("Failed to close uinput devices: %v", err)
		}
	}
}

func init() {
	daemonCmd.Flags().BoolVar(&logOnly, "log-only", false, "log events instead of injecting them")
}
