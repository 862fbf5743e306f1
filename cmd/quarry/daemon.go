package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quarryproject/quarry/pkg/config"
	"github.com/quarryproject/quarry/pkg/controller"
	"github.com/quarryproject/quarry/pkg/log"
	"github.com/quarryproject/quarry/pkg/telemetry"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the cluster controller",
	Long: `Start the controller daemon: restore persisted state, bind the control
address, and serve RPCs until shutdown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		snap, err := config.Load(flagConfig)
		if err != nil {
			return err
		}

		log.Init(log.Config{Level: log.InfoLevel, JSONOutput: jsonLogs})
		log.SetNumericLevel(snap.DebugLevel)

		cfgMgr := config.NewManager(flagConfig, snap)
		controller.Version = Version

		ctl, err := controller.New(cfgMgr, controller.Options{})
		if err != nil {
			return fmt.Errorf("failed to create controller: %v", err)
		}

		if metricsAddr != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", telemetry.Handler())
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					log.Errorf("metrics listener failed", err)
				}
			}()
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			logger := log.WithComponent("daemon")
			logger.Info().Str("signal", sig.String()).
				Msg("shutting down")
			ctl.Shutdown()
		}()

		go func() {
			if err := ctl.ListenAndServe(); err != nil {
				log.Errorf("listener failed", err)
				ctl.Shutdown()
			}
		}()

		return ctl.Run(ctx)
	},
}

func init() {
	daemonCmd.Flags().Bool("json-logs", false, "emit JSON logs")
	daemonCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")
}
