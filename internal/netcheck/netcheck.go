package netcheck

import (
	"context"
	"errors"
	"net"
	"time"
)

// ErrOffline means the reachability check failed before any provider call.
var ErrOffline = errors.New("no internet connection")

type Checker interface {
	Reachable(ctx context.Context) bool
}

// Dialer checks reachability with a TCP connect to a known endpoint.
type Dialer struct {
	Addr    string
	Timeout time.Duration

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewDialer(addr string, timeout time.Duration) *Dialer {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := &net.Dialer{}
	return &Dialer{Addr: addr, Timeout: timeout, dial: d.DialContext}
}

func (d *Dialer) Reachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	conn, err := d.dial(ctx, "tcp", d.Addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Static is a fixed answer, used when probing is disabled and in tests.
type Static bool

func (s Static) Reachable(context.Context) bool { return bool(s) }
