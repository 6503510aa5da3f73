// Package netkit provides the node's UDP transport: datagram
// send/receive with peer-address resolution by name. In the default
// deployment every peer name resolves to 127.0.0.1 at its configured
// port, matching §6's "peer addresses resolve by name to
// (127.0.0.1, configured_port)".
//
// Adapted from the teacher's enhanced dialer
// (internal/netkit/netkit.go in the source repo), which wraps net.Dialer
// with a ConnectionConfig and a *zap.Logger; this version wraps
// net.ListenUDP instead of net.Dialer.DialContext, since the
// wire protocol here is datagram-based rather than connection-based.
package netkit

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

// PeerTable resolves peer names to UDP addresses.
type PeerTable struct {
	mu    sync.RWMutex
	ports map[string]int
	host  string
}

// NewPeerTable builds a peer table from a name->port map. host
// defaults to 127.0.0.1 when empty, matching the default deployment.
func NewPeerTable(ports map[string]int, host string) *PeerTable {
	if host == "" {
		host = "127.0.0.1"
	}
	table := make(map[string]int, len(ports))
	for name, port := range ports {
		table[name] = port
	}
	return &PeerTable{ports: table, host: host}
}

// Resolve returns the UDP address for a peer name, or an error if the
// peer is not in the port map.
func (t *PeerTable) Resolve(name string) (*net.UDPAddr, error) {
	t.mu.RLock()
	port, ok := t.ports[name]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("netkit: unknown peer %q", name)
	}
	addr := fmt.Sprintf("%s:%d", t.host, port)
	return net.ResolveUDPAddr("udp", addr)
}

// Peers returns the current set of known peer names.
func (t *PeerTable) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.ports))
	for name := range t.ports {
		names = append(names, name)
	}
	return names
}

// Set updates or adds a peer's port.
func (t *PeerTable) Set(name string, port int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ports[name] = port
}

// Socket wraps a UDP listening socket used both for receiving inbound
// datagrams and sending outbound ones.
type Socket struct {
	conn   *net.UDPConn
	logger *zap.Logger
}

// Listen opens a UDP socket on the given port.
func Listen(port int, logger *zap.Logger) (*Socket, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("netkit: resolve listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("netkit: listen udp: %w", err)
	}
	return &Socket{conn: conn, logger: logger}, nil
}

// SendTo sends a datagram to the resolved address of a peer.
func (s *Socket) SendTo(addr *net.UDPAddr, datagram []byte) error {
	_, err := s.conn.WriteToUDP(datagram, addr)
	return err
}

// ReadFrom blocks for the next inbound datagram, returning its bytes
// and the sender's address.
func (s *Socket) ReadFrom(buf []byte) (int, *net.UDPAddr, error) {
	n, addr, err := s.conn.ReadFromUDP(buf)
	return n, addr, err
}

// Close closes the underlying socket.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// LocalPort returns the bound local port.
func (s *Socket) LocalPort() int {
	if addr, ok := s.conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}
