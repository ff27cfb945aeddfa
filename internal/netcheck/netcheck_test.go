package netcheck

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestDialerReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	if !NewDialer(ln.Addr().String(), time.Second).Reachable(context.Background()) {
		t.Fatalf("expected listener to be reachable")
	}
}

func TestDialerUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	if NewDialer(addr, 200*time.Millisecond).Reachable(context.Background()) {
		t.Fatalf("expected closed port to be unreachable")
	}
}

func TestStatic(t *testing.T) {
	if !Static(true).Reachable(context.Background()) || Static(false).Reachable(context.Background()) {
		t.Fatalf("static checker returned wrong answer")
	}
}
