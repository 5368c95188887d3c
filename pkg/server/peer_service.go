package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/easynet-cn/batata-sub004/pkg/cluster"
	"github.com/easynet-cn/batata-sub004/pkg/healthcheck"
	"github.com/easynet-cn/batata-sub004/pkg/naming"
	"github.com/easynet-cn/batata-sub004/pkg/topology"
)

// HealthReportBody is the payload of a HEALTH_REPORT request: a peer's
// checker verdict about one instance.
type HealthReportBody struct {
	Namespace string `json:"namespace"`
	Group     string `json:"group"`
	Service   string `json:"service"`
	Cluster   string `json:"cluster"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	Healthy   bool   `json:"healthy"`
}

// StatusBody is the payload of a STATUS response.
type StatusBody struct {
	Topology    topology.Statistics `json:"topology"`
	Connections int                 `json:"connections"`
	Services    int                 `json:"services"`
	Instances   int                 `json:"instances"`
}

// PeerService answers cluster requests from other nodes. It is the server
// side of the closed message set carried by cluster.Request.
type PeerService struct {
	registry   *naming.Registry
	topo       *topology.Manager
	clusterMgr *cluster.Manager
	logger     hclog.Logger
}

// NewPeerService creates the peer request handler.
func NewPeerService(registry *naming.Registry, topo *topology.Manager, clusterMgr *cluster.Manager, logger hclog.Logger) *PeerService {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &PeerService{
		registry:   registry,
		topo:       topo,
		clusterMgr: clusterMgr,
		logger:     logger,
	}
}

// Call dispatches one peer request by its type tag.
func (s *PeerService) Call(ctx context.Context, req *cluster.Request) (*cluster.Response, error) {
	switch req.Type {
	case cluster.RequestPing:
		return &cluster.Response{ID: req.ID, Success: true, Message: "pong"}, nil
	case cluster.RequestStatus:
		return s.handleStatus(req)
	case cluster.RequestInstanceSync:
		return s.handleInstanceSync(req)
	case cluster.RequestHealthReport:
		return s.handleHealthReport(req)
	default:
		s.logger.Warn("unsupported cluster request", "type", string(req.Type), "sender", req.Sender)
		return &cluster.Response{
			ID:      req.ID,
			Success: false,
			Message: fmt.Sprintf("unsupported request type %q", req.Type),
		}, nil
	}
}

func (s *PeerService) handleStatus(req *cluster.Request) (*cluster.Response, error) {
	services, instances := s.registry.Counts()
	body := StatusBody{
		Topology:    s.topo.Statistics(),
		Connections: s.clusterMgr.ConnectionCount(),
		Services:    services,
		Instances:   instances,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &cluster.Response{ID: req.ID, Success: true, Payload: raw}, nil
}

func (s *PeerService) handleInstanceSync(req *cluster.Request) (*cluster.Response, error) {
	var inst healthcheck.Instance
	if err := json.Unmarshal(req.Payload, &inst); err != nil {
		return &cluster.Response{
			ID:      req.ID,
			Success: false,
			Message: fmt.Sprintf("bad instance payload: %v", err),
		}, nil
	}
	s.registry.RegisterInstance(inst)
	s.logger.Debug("instance replicated from peer",
		"sender", req.Sender,
		"instance", inst.Addr(),
		"service", inst.Service)
	return &cluster.Response{ID: req.ID, Success: true}, nil
}

func (s *PeerService) handleHealthReport(req *cluster.Request) (*cluster.Response, error) {
	var body HealthReportBody
	if err := json.Unmarshal(req.Payload, &body); err != nil {
		return &cluster.Response{
			ID:      req.ID,
			Success: false,
			Message: fmt.Sprintf("bad health report payload: %v", err),
		}, nil
	}
	err := s.registry.UpdateInstanceHealth(body.Namespace, body.Group, body.Service, body.IP, body.Port, body.Cluster, body.Healthy)
	if err != nil {
		return &cluster.Response{ID: req.ID, Success: false, Message: err.Error()}, nil
	}
	return &cluster.Response{ID: req.ID, Success: true}, nil
}
