package tunnel

import (
	"context"
	"fmt"
	"net"

	"github.com/Amnesic-Systems/tessera/internal/errs"
	"github.com/mdlayher/vsock"
)

const (
	// DefaultProxyCID is the context ID of the host, analogous to an IP
	// address.
	DefaultProxyCID = vsock.Host
	// DefaultVSOCKPort is the port that authority-proxy listens on.
	DefaultVSOCKPort = 1024
)

// VsockTunneler connects to a forwarder on the host, which relays the
// connection to a fixed remote address.  The address passed to DialContext is
// therefore only used for error messages; TLS remains end-to-end.
type VsockTunneler struct {
	cid  uint32
	port uint32
	// Accessing vsock.Dial via a field facilitates testing.
	dial func(cid, port uint32, cfg *vsock.Config) (*vsock.Conn, error)
}

func NewVSOCK(cid, port uint32) *VsockTunneler {
	return &VsockTunneler{
		cid:  cid,
		port: port,
		dial: vsock.Dial,
	}
}

func (v *VsockTunneler) DialContext(ctx context.Context, _, addr string) (_ net.Conn, err error) {
	defer errs.Wrap(&err, "failed to reach %s via VSOCK %d:%d", addr, v.cid, v.port)

	type result struct {
		conn net.Conn
		err  error
	}
	// vsock.Dial does not take a context, so we race it against ours.
	ch := make(chan result, 1)
	go func() {
		conn, err := v.dial(v.cid, v.port, nil)
		if err != nil {
			ch <- result{err: err}
			return
		}
		ch <- result{conn: conn}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("dial aborted: %w", ctx.Err())
	}
}
