package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/easynet-cn/batata-sub004/pkg/breaker"
	"github.com/easynet-cn/batata-sub004/pkg/cluster"
	"github.com/easynet-cn/batata-sub004/pkg/healthcheck"
	"github.com/easynet-cn/batata-sub004/pkg/server"
)

// dialManager builds a one-shot client manager for CLI commands.
func dialManager() *cluster.Manager {
	cfg := cluster.DefaultConfig()
	cfg.RequestTimeout = time.Duration(timeout) * time.Second
	group := breaker.NewGroup(breaker.DefaultConfig(), nil)
	return cluster.NewManager(cfg, "cli", cluster.NewGRPCTransport(), group, nil)
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Ping a cluster node",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := dialManager()
			defer mgr.Stop()

			req, err := cluster.NewRequest(cluster.RequestPing, "cli", nil)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(timeout)*time.Second)
			defer cancel()

			start := time.Now()
			resp, err := mgr.SendRequest(ctx, serverAddr, req)
			if err != nil {
				return err
			}
			fmt.Printf("%s from %s in %s\n", resp.Message, serverAddr, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show a node's cluster status",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := dialManager()
			defer mgr.Stop()

			req, err := cluster.NewRequest(cluster.RequestStatus, "cli", nil)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(timeout)*time.Second)
			defer cancel()

			resp, err := mgr.SendRequest(ctx, serverAddr, req)
			if err != nil {
				return err
			}
			if !resp.Success {
				fmt.Printf("Error: %s\n", resp.Message)
				return nil
			}

			var body server.StatusBody
			if err := json.Unmarshal(resp.Payload, &body); err != nil {
				return err
			}
			fmt.Printf("Datacenters: %d (%d remote)\n", body.Topology.TotalDatacenters, body.Topology.RemoteDatacenters)
			fmt.Printf("Regions: %d\n", body.Topology.TotalRegions)
			fmt.Printf("Members: %d total, %d local (%d healthy)\n",
				body.Topology.TotalMembers, body.Topology.LocalMembers, body.Topology.LocalHealthyMembers)
			fmt.Printf("Pooled Connections: %d\n", body.Connections)
			fmt.Printf("Services: %d\n", body.Services)
			fmt.Printf("Instances: %d\n", body.Instances)
			return nil
		},
	}
}

func checkCmd() *cobra.Command {
	var (
		ip        string
		port      int
		checkType string
		path      string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Probe one instance immediately and print the raw result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := healthcheck.DefaultConfig()
			cfg.CheckTimeout = time.Duration(timeout) * time.Second
			checker := healthcheck.NewChecker(cfg, nil, nil)

			inst := healthcheck.Instance{IP: ip, Port: port, Enabled: true}
			cc := healthcheck.ClusterConfig{
				CheckType:       healthcheck.CheckType(checkType),
				UseInstancePort: true,
				CheckPath:       path,
			}

			res := checker.ForceCheck(inst, cc)
			if res.Healthy {
				fmt.Printf("HEALTHY %s in %s\n", inst.Addr(), res.Elapsed.Round(time.Millisecond))
			} else {
				fmt.Printf("UNHEALTHY %s in %s: %s\n", inst.Addr(), res.Elapsed.Round(time.Millisecond), res.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&ip, "ip", "127.0.0.1", "Instance IP")
	cmd.Flags().IntVar(&port, "port", 8080, "Instance port")
	cmd.Flags().StringVar(&checkType, "type", "TCP", "Probe type (TCP or HTTP)")
	cmd.Flags().StringVar(&path, "path", "/health", "HTTP probe path")

	return cmd
}
