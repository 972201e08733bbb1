package kv

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// PubSub is the publish/subscribe half of the external collaborator
// (§6): a thin wrapper over a NATS connection, grounded on
// daemon/nats.go's embedded-server-or-external-client duality.
type PubSub struct {
	embedded *server.Server
	conn     *nats.Conn
}

// StartEmbedded boots an in-process NATS server with JetStream enabled
// and connects to it, the way daemon.StartNATSServer does for the
// sidecar-free single-binary deployment mode.
func StartEmbedded(storeDir string, port int) (*PubSub, error) {
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      port,
		JetStream: true,
		StoreDir:  storeDir,
		NoLog:     true,
		NoSigs:    true,
	}

	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("kv: starting embedded nats: %w", err)
	}
	go srv.Start()

	if !srv.ReadyForConnections(10 * time.Second) {
		return nil, fmt.Errorf("kv: embedded nats not ready within timeout")
	}

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("kv: connecting to embedded nats: %w", err)
	}

	return &PubSub{embedded: srv, conn: conn}, nil
}

// ConnectPubSub attaches to an external NATS deployment, the way
// daemon.ConnectExternalNATS does for multi-instance deployments, with
// infinite reconnect so a restart of the broker does not kill callers.
func ConnectPubSub(url, token string) (*PubSub, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("kv: connecting to nats %s: %w", url, err)
	}
	return &PubSub{conn: conn}, nil
}

// Publish sends data on subject. Publish failures are non-critical per
// §7 (recovered locally) — callers should log, not propagate, unless
// publishing is the operation's entire purpose.
func (p *PubSub) Publish(subject string, data []byte) error {
	return p.conn.Publish(subject, data)
}

// Subscribe returns a channel of message payloads on subject, an
// unsubscribe func, and the error from the NATS subscribe call: the
// Subscribe(topic) (<-chan Event, func()) shape SPEC_FULL.md §9
// standardizes on, plus that error result.
func (p *PubSub) Subscribe(subject string) (<-chan []byte, func(), error) {
	out := make(chan []byte, 64)
	sub, err := p.conn.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case out <- msg.Data:
		default:
			// slow consumer: drop rather than block the dispatch goroutine
		}
	})
	if err != nil {
		close(out)
		return nil, nil, fmt.Errorf("kv: subscribing to %s: %w", subject, err)
	}
	cancel := func() {
		_ = sub.Unsubscribe()
		close(out)
	}
	return out, cancel, nil
}

// Health mirrors daemon.NATSServer.Health's introspection, reporting
// only whether the embedded server (if any) is running and the client
// connection is up.
type Health struct {
	EmbeddedRunning bool
	Connected       bool
	URL             string
}

func (p *PubSub) Health() Health {
	h := Health{Connected: p.conn != nil && p.conn.IsConnected()}
	if p.embedded != nil {
		h.EmbeddedRunning = p.embedded.Running()
		h.URL = p.embedded.ClientURL()
	} else if p.conn != nil {
		h.URL = p.conn.ConnectedUrl()
	}
	return h
}

// Shutdown drains the connection and stops the embedded server if any,
// matching daemon.NATSServer.Shutdown's drain-then-stop ordering.
func (p *PubSub) Shutdown() error {
	if p.conn != nil {
		if err := p.conn.Drain(); err != nil {
			p.conn.Close()
		}
	}
	if p.embedded != nil {
		p.embedded.Shutdown()
		p.embedded.WaitForShutdown()
	}
	return nil
}
