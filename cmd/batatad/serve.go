package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/easynet-cn/batata-sub004/config"
	"github.com/easynet-cn/batata-sub004/pkg/server"
)

func serveCmd() *cobra.Command {
	var (
		host         string
		port         int
		localAddress string
		datacenter   string
		crossDC      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the naming control plane node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}

			// Command line flags override the config file.
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("local-address") {
				cfg.Cluster.LocalAddress = localAddress
			}
			if cmd.Flags().Changed("datacenter") {
				cfg.Datacenter.Local = datacenter
			}
			if cmd.Flags().Changed("cross-dc") {
				cfg.Datacenter.CrossDatacenterReplication = crossDC
			}

			logger := server.NewLogger(cfg.Logging)
			srv, err := server.NewServer(cfg, logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigChan
				logger.Info("received shutdown signal")
				cancel()
			}()

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "Listen host for the peer server")
	cmd.Flags().IntVar(&port, "port", 9849, "Listen port for the peer server")
	cmd.Flags().StringVar(&localAddress, "local-address", "", "Advertised host:port of this node")
	cmd.Flags().StringVar(&datacenter, "datacenter", "", "Local datacenter name")
	cmd.Flags().BoolVar(&crossDC, "cross-dc", false, "Enable cross-datacenter replication")

	return cmd
}
