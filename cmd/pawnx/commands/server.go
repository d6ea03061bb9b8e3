package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pawnx/am"
	"github.com/teranos/pawnx/logger"
	"github.com/teranos/pawnx/server"
	"github.com/teranos/pawnx/sym"
)

// ServerCmd starts workers plus the progress and job status server
var ServerCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"serve"},
	Short:   "Start workers and the progress/job status server",
	Long: `Start the pulse workers together with the HTTP server.

The server streams job progress over WebSocket (/ws/progress?subscriber=<id>)
and exposes job status, cancellation and enqueue endpoints under /api.`,
	RunE: runServer,
}

var (
	serverPortFlag     int
	serverNoWorkers    bool
	serverDrainTimeout time.Duration
)

func init() {
	ServerCmd.Flags().IntVar(&serverPortFlag, "port", 0, "Port to listen on (overrides config)")
	ServerCmd.Flags().BoolVar(&serverNoWorkers, "no-workers", false, "Serve the API only, workers run elsewhere")
	ServerCmd.Flags().DurationVar(&serverDrainTimeout, "drain-timeout", 10*time.Second, "Time allowed for WebSocket clients to close")
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, closeDB, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	port := rt.Config.Server.Port
	if serverPortFlag > 0 {
		port = serverPortFlag
	}
	if port == 0 {
		port = am.DefaultServerPort
	}

	if serverNoWorkers {
		// progress from remote workers still arrives through the relay
		rt.StartRelay(ctx)
	} else if err := rt.Start(ctx); err != nil {
		return err
	}

	srv := server.New(rt.Config.Server, rt.Service, rt.Queue, rt.Bus, logger.Logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(port)
	}()

	fmt.Printf("%s pawnx server listening on http://localhost:%d\n", sym.Pulse, port)
	fmt.Printf("  WebSocket: ws://localhost:%d/ws/progress?subscriber=<id>\n", port)
	if serverNoWorkers {
		pterm.Warning.Println("Workers disabled, jobs will queue until `pawnx pulse start` runs")
	}

	sigDone := make(chan struct{})
	go func() {
		waitForSignal()
		close(sigDone)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			pterm.Error.Printfln("Server failed: %v", err)
		}
		_ = shutdownRuntime(rt)
		return err
	case <-sigDone:
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), serverDrainTimeout)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		pterm.Warning.Printfln("Server stop: %v", err)
	}
	return shutdownRuntime(rt)
}
