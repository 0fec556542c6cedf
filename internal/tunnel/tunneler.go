// Package tunnel provides the network path from the enclave to the outside
// world.  Enclaves with a network stack dial directly; enclaves without one
// reach a host-side forwarder over VSOCK.
package tunnel

import (
	"context"
	"net"
)

var (
	_ Mechanism = (*NoopTunneler)(nil)
	_ Mechanism = (*VsockTunneler)(nil)
)

// Mechanism establishes connections to remote addresses.
type Mechanism interface {
	// DialContext connects to the given address.
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}
