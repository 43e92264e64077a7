package server

import (
	"net"
	"time"

	hraft "github.com/hashicorp/raft"
)

// StreamLayer carries raft traffic over the non-HTTP side of the shared
// listener. Outgoing connections dial the peer's shared port directly;
// the peer's connection mux routes anything that is not HTTP to its own
// raft side.
type StreamLayer struct {
	ln        net.Listener
	advertise net.Addr
}

// NewStreamLayer wraps a listener for use as a raft transport. When
// advertise is non-nil it is reported as the transport address instead
// of the bind address, so peers behind NAT or 0.0.0.0 binds still
// record a reachable endpoint.
func NewStreamLayer(ln net.Listener, advertise net.Addr) *StreamLayer {
	return &StreamLayer{ln: ln, advertise: advertise}
}

func (s *StreamLayer) Accept() (net.Conn, error) { return s.ln.Accept() }

func (s *StreamLayer) Close() error { return s.ln.Close() }

func (s *StreamLayer) Addr() net.Addr {
	if s.advertise != nil {
		return s.advertise
	}
	return s.ln.Addr()
}

// Dial opens an outgoing raft connection to a peer.
func (s *StreamLayer) Dial(address hraft.ServerAddress, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", string(address), timeout)
}
