package tunnel

import (
	"context"
	"net"
)

// NoopTunneler dials the remote address directly.
type NoopTunneler struct {
	dialer net.Dialer
}

func NewNoop() *NoopTunneler {
	return &NoopTunneler{}
}

func (t *NoopTunneler) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return t.dialer.DialContext(ctx, network, addr)
}
