package transport

import (
	"fmt"
	"time"

	"github.com/lokutor-ai/lokutor-narrator/pkg/stream"
	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer is an in-process NATS server for local deployments where the
// realtime service shares the host.
type EmbeddedServer struct {
	ns  *server.Server
	log stream.Logger
}

// StartEmbedded starts a NATS server on host:port. Port -1 picks a free port.
func StartEmbedded(host string, port int, log stream.Logger) (*EmbeddedServer, error) {
	if log == nil {
		log = &stream.NoOpLogger{}
	}
	if host == "" {
		host = "127.0.0.1"
	}

	ns, err := server.NewServer(&server.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start within 5 seconds")
	}

	log.Info("embedded NATS server started", "url", ns.ClientURL())
	return &EmbeddedServer{ns: ns, log: log}, nil
}

// URL is the client URL of the running server.
func (e *EmbeddedServer) URL() string {
	return e.ns.ClientURL()
}

func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
