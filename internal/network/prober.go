// Package network owns the tracker's UDP query socket.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/config"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/protocol"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/util"
)

// ReplyHandler receives every accepted, decoded reply. It is called from
// the read loop, one reply at a time.
type ReplyHandler func(ctx context.Context, snap *protocol.Snapshot)

// Prober sends status probes from one shared UDP socket and correlates
// the replies by source address. Probing never waits for replies.
type Prober struct {
	mu       sync.Mutex
	conn     *net.UDPConn
	pending  map[string]time.Time
	answered map[string]struct{}
	round    time.Time

	cfg     *config.Config
	handler ReplyHandler
	logger  zerolog.Logger
	now     func() time.Time
}

// NewProber creates a prober that passes accepted replies to handler.
func NewProber(cfg *config.Config, handler ReplyHandler) *Prober {
	return &Prober{
		pending:  make(map[string]time.Time),
		answered: make(map[string]struct{}),
		cfg:      cfg,
		handler:  handler,
		logger:   util.ComponentLogger("prober"),
		now:      time.Now,
	}
}

// Listen binds the query socket. Start binds an ephemeral port itself when
// Listen was not called.
func (p *Prober) Listen(ctx context.Context, address string) error {
	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp4", address)
	if err != nil {
		return fmt.Errorf("failed to bind query socket on %s: %w", address, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return fmt.Errorf("unexpected packet conn type %T", pc)
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	p.logger.Info().Str("addr", conn.LocalAddr().String()).Msg("query socket bound")
	return nil
}

// LocalAddr returns the bound socket address, nil before binding.
func (p *Prober) LocalAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	return p.conn.LocalAddr()
}

// Start runs the reply read loop until ctx is cancelled.
func (p *Prober) Start(ctx context.Context) error {
	if p.LocalAddr() == nil {
		if err := p.Listen(ctx, ":0"); err != nil {
			return err
		}
	}

	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	buf := make([]byte, p.cfg.GetTracker().UDPReadBuffer)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				p.logger.Info().Msg("query socket closed")
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			p.logger.Warn().Err(err).Msg("UDP read error")
			continue
		}

		p.handleReply(ctx, remote, buf[:n])
	}
}

// ProbeAll sends one probe to every address and opens a new reply round.
// It returns the number of probes written.
func (p *Prober) ProbeAll(addrs []protocol.Address) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		p.logger.Warn().Msg("probe requested before the query socket was bound")
		return 0
	}

	now := p.now()
	window := p.replyWindow()
	for key, sentAt := range p.pending {
		if now.Sub(sentAt) > 2*window {
			delete(p.pending, key)
		}
	}
	p.round = now
	p.answered = make(map[string]struct{})

	payload := protocol.EncodeProbe()
	sent := 0
	for _, addr := range addrs {
		target := addr.UDPAddr()
		if target.IP == nil {
			continue
		}
		if _, err := p.conn.WriteToUDP(payload, target); err != nil {
			p.logger.Debug().Err(err).Str("target", addr.String()).Msg("failed to send probe")
			continue
		}
		p.pending[addrKey(target.IP, target.Port)] = now
		sent++
	}

	p.logger.Debug().Int("sent", sent).Int("requested", len(addrs)).Msg("probe round started")
	return sent
}

// Pending returns the number of probes still waiting for a reply.
func (p *Prober) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Stop closes the query socket.
func (p *Prober) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

func (p *Prober) handleReply(ctx context.Context, remote *net.UDPAddr, raw []byte) {
	matched, ok := p.accept(remote)
	if !ok {
		p.logger.Trace().Str("remote", remote.String()).Msg("ignoring unsolicited reply")
		return
	}

	snap, err := protocol.Decode(remote, raw)
	if err != nil {
		p.logger.Debug().Err(err).Str("remote", remote.String()).Msg("undecodable reply")
		return
	}

	if !matched && util.IsPrivateIP(remote.IP) {
		tracker := p.cfg.GetTracker()
		if tracker.PublicIPFallback && tracker.PublicIP != "" {
			snap.IP = tracker.PublicIP
		}
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Str("remote", remote.String()).Msg("reply handler panicked")
		}
	}()
	p.handler(ctx, snap)
}

// accept correlates a reply source with the open round. matched is true
// when the source was probed directly.
func (p *Prober) accept(remote *net.UDPAddr) (matched, ok bool) {
	key := addrKey(remote.IP, remote.Port)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, seen := p.answered[key]; seen {
		return false, false
	}
	if _, pending := p.pending[key]; pending {
		delete(p.pending, key)
		p.answered[key] = struct{}{}
		return true, true
	}
	if p.round.IsZero() || p.now().Sub(p.round) > p.replyWindow() {
		return false, false
	}
	p.answered[key] = struct{}{}
	return false, true
}

func (p *Prober) replyWindow() time.Duration {
	return config.Seconds(p.cfg.GetTracker().ReplyWindow)
}

func addrKey(ip net.IP, port int) string {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(port))
}
