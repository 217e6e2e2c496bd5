package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/TFMV/driftlake/auth"
	"github.com/TFMV/driftlake/config"
	"github.com/TFMV/driftlake/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP SQL frontend",
	Long: `Start the Driftlake server. Queries are accepted as JSON on POST /q
and authorized according to the configured read and write access settings.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.ReadConfig(configPath)
	if err != nil {
		return err
	}

	st, err := openStack(cfg)
	if err != nil {
		return err
	}
	defer st.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st.collector.Start(ctx, time.Duration(cfg.Misc.GCInterval))

	policy := auth.PolicyFromConfig(cfg.Frontend.HTTP)
	srv := server.NewServer(st.resolver, st.mutation, policy)

	addr := fmt.Sprintf("%s:%d", cfg.Frontend.HTTP.BindHost, cfg.Frontend.HTTP.BindPort)
	pterm.Info.Printf("Driftlake listening on http://%s\n", addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		pterm.Info.Println("Shutting down")
		return srv.Shutdown()
	}
}
