package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/easynet-cn/batata-sub004/config"
	"github.com/easynet-cn/batata-sub004/pkg/breaker"
	"github.com/easynet-cn/batata-sub004/pkg/cluster"
	"github.com/easynet-cn/batata-sub004/pkg/healthcheck"
	"github.com/easynet-cn/batata-sub004/pkg/naming"
	"github.com/easynet-cn/batata-sub004/pkg/topology"
)

// Server is the application context. It owns every shared component —
// registry, breaker group, cluster client, topology, health checker — and
// hands them to each other explicitly; nothing here is a package-level
// singleton.
type Server struct {
	cfg    *config.Config
	logger hclog.Logger
	grpc   *grpc.Server

	registry   *naming.Registry
	breakers   *breaker.Group
	clusterMgr *cluster.Manager
	topo       *topology.Manager
	checker    *healthcheck.Checker
	peer       *PeerService
}

// NewLogger builds the root logger from config.
func NewLogger(cfg config.LoggingConfig) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "batata",
		Level:      hclog.LevelFromString(cfg.Level),
		JSONFormat: cfg.JSON,
	})
}

// NewServer wires the resilience core together from config.
func NewServer(cfg *config.Config, logger hclog.Logger) (*Server, error) {
	if logger == nil {
		logger = NewLogger(cfg.Logging)
	}

	registry := naming.NewRegistry(logger.Named("naming"))

	breakers := breaker.NewGroup(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		FailureWindow:    cfg.Breaker.FailureWindow,
	}, logger.Named("breaker"))

	clusterMgr := cluster.NewManager(cluster.Config{
		ConnectTimeout: cfg.Cluster.ConnectTimeout,
		RequestTimeout: cfg.Cluster.RequestTimeout,
		MaxRetries:     cfg.Cluster.MaxRetries,
		RetryDelay:     cfg.Cluster.RetryDelay,
		IdleTimeout:    cfg.Cluster.IdleTimeout,
		GrpcPortOffset: cfg.Cluster.GrpcPortOffset,
	}, cfg.Cluster.LocalAddress, cluster.NewGRPCTransport(), breakers, logger.Named("cluster"))

	topo := topology.NewManager(topology.Config{
		LocalDatacenter:            cfg.Datacenter.Local,
		CrossDatacenterReplication: cfg.Datacenter.CrossDatacenterReplication,
	}, logger.Named("topology"))

	checker := healthcheck.NewChecker(healthcheck.Config{
		CheckInterval:      cfg.HealthCheck.CheckInterval,
		CheckTimeout:       cfg.HealthCheck.CheckTimeout,
		UnhealthyThreshold: cfg.HealthCheck.UnhealthyThreshold,
		HealthyThreshold:   cfg.HealthCheck.HealthyThreshold,
	}, registry, logger.Named("healthcheck"))

	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 15 * time.Second,
			Time:              5 * time.Second,
			Timeout:           1 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		grpc:       grpcServer,
		registry:   registry,
		breakers:   breakers,
		clusterMgr: clusterMgr,
		topo:       topo,
		checker:    checker,
	}
	s.peer = NewPeerService(registry, topo, clusterMgr, logger.Named("peer"))
	cluster.RegisterPeerServer(grpcServer, s.peer)

	return s, nil
}

// Registry exposes the instance registry for admin surfaces.
func (s *Server) Registry() *naming.Registry { return s.registry }

// Topology exposes the datacenter manager for admin surfaces and the
// membership source.
func (s *Server) Topology() *topology.Manager { return s.topo }

// Checker exposes the health checker for diagnostics (force checks).
func (s *Server) Checker() *healthcheck.Checker { return s.checker }

// UpdateMembers pushes a refreshed member list from the membership source.
func (s *Server) UpdateMembers(members []cluster.Member) {
	s.topo.UpdateMembers(members)
}

// ReplicateInstance registers inst locally, then delivers it to up to
// maxTargets locality-ranked healthy peers and, when enabled, to one
// representative of every remote datacenter. Per-peer failures are logged
// and counted, never fatal.
func (s *Server) ReplicateInstance(ctx context.Context, inst healthcheck.Instance, maxTargets int) (delivered int) {
	s.registry.RegisterInstance(inst)

	targets := s.topo.SelectReplicationTargets(s.clusterMgr.LocalAddress(), maxTargets)
	crossDC := s.topo.SelectCrossDatacenterTargets(s.clusterMgr.LocalAddress())

	seen := make(map[string]struct{}, len(targets)+len(crossDC))
	merged := make([]cluster.Member, 0, len(targets)+len(crossDC))
	for _, m := range append(targets, crossDC...) {
		if _, ok := seen[m.Address]; ok {
			continue
		}
		seen[m.Address] = struct{}{}
		merged = append(merged, m)
	}
	if len(merged) == 0 {
		return 0
	}

	req, err := cluster.NewRequest(cluster.RequestInstanceSync, s.clusterMgr.LocalAddress(), inst)
	if err != nil {
		s.logger.Error("building instance sync request failed", "error", err)
		return 0
	}
	for _, res := range s.clusterMgr.Broadcast(ctx, merged, req) {
		if res.Err != nil {
			s.logger.Warn("instance replication to peer failed",
				"peer", res.Address,
				"instance", inst.Addr(),
				"error", res.Err)
			continue
		}
		delivered++
	}
	return delivered
}

// Start serves the peer endpoint and runs the background loops until ctx is
// canceled.
func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s.logger.Info("starting peer server",
		"address", address,
		"local", s.cfg.Cluster.LocalAddress,
		"datacenter", s.cfg.Datacenter.Local)

	s.clusterMgr.Start()
	s.checker.Start(ctx)

	go func() {
		if err := s.grpc.Serve(listener); err != nil {
			s.logger.Error("grpc server error", "error", err)
		}
	}()

	<-ctx.Done()
	return s.Stop()
}

// Stop stops the background loops and the server gracefully.
func (s *Server) Stop() error {
	s.logger.Info("stopping peer server")

	s.checker.Stop()
	s.clusterMgr.Stop()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("server stopped gracefully")
	case <-time.After(30 * time.Second):
		s.logger.Warn("graceful stop timed out, forcing")
		s.grpc.Stop()
	}
	return nil
}
