package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/config"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/protocol"
)

const reply = `\hostname\Test\hostport\7777\player_0\Bob\`

func startProber(t *testing.T, publicIP string) (*Prober, chan *protocol.Snapshot) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Tracker.PublicIP = publicIP
	cfg.Tracker.ReplyWindow = 5

	snaps := make(chan *protocol.Snapshot, 16)
	p := NewProber(cfg, func(ctx context.Context, s *protocol.Snapshot) { snaps <- s })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, p.Listen(ctx, "127.0.0.1:0"))
	go func() { _ = p.Start(ctx) }()
	return p, snaps
}

// fakeServer answers every probe with reply.
func fakeServer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		buf := make([]byte, 64)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if string(buf[:n]) == protocol.ProbePayload {
				_, _ = conn.WriteToUDP([]byte(reply), from)
			}
		}
	}()
	return conn
}

func sendFrom(t *testing.T, conn *net.UDPConn, to net.Addr, payload string) {
	t.Helper()
	_, err := conn.WriteToUDP([]byte(payload), to.(*net.UDPAddr))
	require.NoError(t, err)
}

func addrOf(conn *net.UDPConn) protocol.Address {
	a := conn.LocalAddr().(*net.UDPAddr)
	return protocol.Address{IP: "127.0.0.1", Port: a.Port}
}

func receive(t *testing.T, snaps chan *protocol.Snapshot) *protocol.Snapshot {
	t.Helper()
	select {
	case s := <-snaps:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no reply delivered")
		return nil
	}
}

func TestProbeMatchedReplyKeepsAddress(t *testing.T) {
	p, snaps := startProber(t, "203.0.113.9")
	server := fakeServer(t)

	assert.Equal(t, 1, p.ProbeAll([]protocol.Address{addrOf(server)}))

	snap := receive(t, snaps)
	assert.Equal(t, "127.0.0.1", snap.IP)
	assert.Equal(t, addrOf(server).Port, snap.QueryPort)
	assert.Equal(t, "Test", snap.Hostname())
	assert.Equal(t, 0, p.Pending())
}

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestProbeUnmatchedReplyUsesPublicIP(t *testing.T) {
	p, snaps := startProber(t, "203.0.113.9")
	server := fakeServer(t)
	nat := listenLoopback(t)
	second := listenLoopback(t)

	p.ProbeAll([]protocol.Address{addrOf(server)})
	receive(t, snaps)

	// A reply from an address that was never probed, inside the round.
	sendFrom(t, nat, p.LocalAddr(), reply)
	snap := receive(t, snaps)
	assert.Equal(t, "203.0.113.9", snap.IP)
	assert.Equal(t, addrOf(nat).Port, snap.QueryPort)

	// The same source answering twice in one round is dropped. Replies are
	// handled in read order, so the next delivery must be the second source.
	sendFrom(t, nat, p.LocalAddr(), reply)
	sendFrom(t, second, p.LocalAddr(), reply)
	snap = receive(t, snaps)
	assert.Equal(t, addrOf(second).Port, snap.QueryPort)
}

func TestProbeDuplicateReplyIgnored(t *testing.T) {
	p, snaps := startProber(t, "")
	server := fakeServer(t)
	stranger := listenLoopback(t)

	p.ProbeAll([]protocol.Address{addrOf(server)})
	receive(t, snaps)

	sendFrom(t, server, p.LocalAddr(), reply)
	sendFrom(t, stranger, p.LocalAddr(), reply)

	snap := receive(t, snaps)
	assert.Equal(t, addrOf(stranger).Port, snap.QueryPort)
	assert.Equal(t, "127.0.0.1", snap.IP, "no public IP known")

	select {
	case s := <-snaps:
		t.Fatalf("unexpected extra reply from %d", s.QueryPort)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsolicitedReplyWithoutRoundIgnored(t *testing.T) {
	p, snaps := startProber(t, "")

	stranger := listenLoopback(t)

	sendFrom(t, stranger, p.LocalAddr(), reply)

	select {
	case s := <-snaps:
		t.Fatalf("unsolicited reply accepted from %s", s.IP)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestProbeAllBeforeListen(t *testing.T) {
	p := NewProber(config.DefaultConfig(), func(context.Context, *protocol.Snapshot) {})
	assert.Equal(t, 0, p.ProbeAll([]protocol.Address{{IP: "127.0.0.1", Port: 7778}}))
	assert.Nil(t, p.LocalAddr())
	assert.NoError(t, p.Stop())
}

func TestMalformedReplyDropped(t *testing.T) {
	p, snaps := startProber(t, "")

	bad := listenLoopback(t)

	p.ProbeAll([]protocol.Address{addrOf(bad)})
	sendFrom(t, bad, p.LocalAddr(), "garbage")

	select {
	case <-snaps:
		t.Fatal("garbage reply delivered")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestQueryOneShot(t *testing.T) {
	server := fakeServer(t)

	snap, err := Query(context.Background(), addrOf(server), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Test", snap.Hostname())
	assert.Equal(t, addrOf(server).Port, snap.QueryPort)
}

func TestQueryTimesOut(t *testing.T) {
	silent := listenLoopback(t)

	_, err := Query(context.Background(), addrOf(silent), 100*time.Millisecond)
	assert.Error(t, err)
}
