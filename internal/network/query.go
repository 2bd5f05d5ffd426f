package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/protocol"
)

// Query sends one probe to addr from a private socket and waits for the
// reply. It is meant for one-off diagnostics; polling goes through Prober.
func Query(ctx context.Context, addr protocol.Address, timeout time.Duration) (*protocol.Snapshot, error) {
	target := addr.UDPAddr()
	if target.IP == nil {
		return nil, fmt.Errorf("invalid query address %s", addr)
	}

	conn, err := net.DialUDP("udp4", nil, target)
	if err != nil {
		return nil, fmt.Errorf("failed to open query socket: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if _, err := conn.Write(protocol.EncodeProbe()); err != nil {
		return nil, fmt.Errorf("failed to send probe to %s: %w", addr, err)
	}

	buf := make([]byte, 8192)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("no reply from %s: %w", addr, err)
	}
	return protocol.Decode(target, buf[:n])
}
