package cmd

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"alvr-server/internal/config"
	"alvr-server/internal/host"
)

// serveCmd starts the network core as a standalone process.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the UDP session/transport core",
	Long: `Start binds the UDP datagram socket and the local control channel,
then runs the session event loop until interrupted.

Run standalone, there is no encoder or pose producer attached: unknown
control commands and tracking updates are logged, not acted on. This mode
exists for manually exercising discovery, connect, time-sync and
stream-control against the control channel and datagram socket.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}

	runID := uuid.New().String()
	log := logger.With(slog.String("run_id", runID))

	log.Info("alvrserver starting",
		slog.String("udp_addr", cfg.UDPHost),
		slog.Int("udp_port", cfg.UDPPort),
		slog.String("control_addr", cfg.ControlHost),
		slog.Int("control_port", cfg.ControlPort),
	)

	h, err := host.New(cfg, standaloneCommandHost{logger: log}, standalonePoseObserver{logger: log}, log)
	if err != nil {
		return err
	}

	h.Start()
	log.Info("alvrserver running, awaiting traffic")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received shutdown signal", slog.String("signal", sig.String()))

	h.Stop()
	log.Info("alvrserver stopped")
	return nil
}

// standaloneCommandHost logs unrecognized control commands instead of acting
// on them: standalone mode has no supervisor process to forward them to.
type standaloneCommandHost struct {
	logger *slog.Logger
}

func (h standaloneCommandHost) OnUnknownCommand(name, args string) string {
	h.logger.Debug("unhandled control command", slog.String("name", name), slog.String("args", args))
	return "Unknown command\n"
}

// standalonePoseObserver logs tracking updates instead of forwarding them to
// a pose consumer, for the same reason.
type standalonePoseObserver struct {
	logger *slog.Logger
}

func (p standalonePoseObserver) OnPoseUpdated() {
	p.logger.Debug("tracking updated")
}
