package ippool

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/adaptive-git/transport-core/internal/coreerr"
)

// Interrupt is the cooperative cancellation flag spec.md §4.9 calls for: a
// probe checks it rather than relying solely on the dial timeout, the same
// "check at each boundary" shape the teacher's watchers use for their
// context.Done() checks between accept/read calls.
type Interrupt interface {
	Canceled() bool
}

// Probe opens a TCP connection to ip:port with the given timeout and
// reports the wall-clock duration from call start to connect completion,
// per spec.md §4.9. interrupt may be nil.
func Probe(ip net.IP, port int, timeout time.Duration, interrupt Interrupt) (latency time.Duration, err error) {
	if interrupt != nil && interrupt.Canceled() {
		return 0, coreerr.New(coreerr.Cancel, "ippool: probe canceled before dial")
	}

	start := time.Now()
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
	conn, dialErr := net.DialTimeout("tcp", addr, timeout)
	latency = time.Since(start)
	if dialErr != nil {
		return latency, coreerr.Wrap(coreerr.Network, fmt.Sprintf("ippool: probe %s failed", addr), dialErr)
	}
	defer conn.Close()

	if interrupt != nil && interrupt.Canceled() {
		return latency, coreerr.New(coreerr.Cancel, "ippool: probe canceled after connect")
	}
	return latency, nil
}
