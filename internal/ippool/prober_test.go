package ippool_test

import (
	"net"
	"testing"
	"time"

	"github.com/adaptive-git/transport-core/internal/ippool"
)

func TestProbeSucceedsAgainstOpenPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	latency, err := ippool.Probe(addr.IP, addr.Port, time.Second, nil)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if latency < 0 {
		t.Fatalf("negative latency: %v", latency)
	}
}

func TestProbeFailsAgainstClosedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close() // now closed; nothing is listening

	_, err = ippool.Probe(net.ParseIP("127.0.0.1"), port, 200*time.Millisecond, nil)
	if err == nil {
		t.Fatalf("expected error probing a closed port")
	}
}

type alwaysCanceled struct{}

func (alwaysCanceled) Canceled() bool { return true }

func TestProbeRespectsInterruptBeforeDial(t *testing.T) {
	_, err := ippool.Probe(net.ParseIP("127.0.0.1"), 1, time.Second, alwaysCanceled{})
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
}
