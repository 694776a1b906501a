package server

import (
	"time"

	"ioc-rpc/counter"
	"ioc-rpc/service"
)

// StatusService is registered on every server as message.StatusServiceName.
type StatusService struct {
	server *Server
}

// Empty is the argument of parameterless status calls.
type Empty struct{}

// ServerInfo describes a running server.
type ServerInfo struct {
	Endpoint    string                `json:"endpoint"`
	StartedAt   time.Time             `json:"started_at"`
	Uptime      string                `json:"uptime"`
	Connections int                   `json:"connections"`
	MaxCalls    int                   `json:"max_calls_per_window"`
	Services    []service.ServiceInfo `json:"services"`
}

// Ping answers "pong".
func (s *StatusService) Ping(_ *Empty, reply *string) error {
	*reply = "pong"
	return nil
}

// GetCounters lists the call counters of the current window.
func (s *StatusService) GetCounters(_ *Empty, reply *[]counter.Snapshot) error {
	*reply = s.server.counters.Snapshot()
	return nil
}

// GetServerInfo describes the server and its services.
func (s *StatusService) GetServerInfo(_ *Empty, reply *ServerInfo) error {
	srv := s.server
	*reply = ServerInfo{
		Endpoint:    srv.Addr(),
		StartedAt:   srv.started,
		Uptime:      srv.clock.Since(srv.started).Truncate(time.Second).String(),
		Connections: srv.Connections(),
		MaxCalls:    srv.counters.MaxCount(),
		Services:    srv.container.Services(),
	}
	return nil
}
