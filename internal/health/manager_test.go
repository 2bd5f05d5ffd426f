package health

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/config"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/db"
)

type fakeChat struct {
	servers []db.ServerRecord
	err     error
}

func (f *fakeChat) ListChatServers(context.Context) ([]db.ServerRecord, error) {
	return f.servers, f.err
}

type fakeBroker bool

func (b fakeBroker) Healthy() bool { return bool(b) }

type fakeBus struct{ dropped uint64 }

func (b *fakeBus) Dropped() uint64 { return b.dropped }

func chatServer(id string, ok bool) db.ServerRecord {
	return db.ServerRecord{ID: id, Chat: db.ChatConfig{Enabled: true, URL: "http://" + id, OK: ok}}
}

func TestPublicIPDetectedAndApplied(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Tracker.PublicIPFallback = true
	m := NewManager(cfg, &fakeChat{}, nil, nil)
	m.detect = func(context.Context) net.IP { return net.ParseIP("198.51.100.7") }

	res := m.checkPublicIP(context.Background())
	assert.True(t, res.OK)
	assert.Equal(t, "198.51.100.7", cfg.GetTracker().PublicIP)

	m.detect = func(context.Context) net.IP { return nil }
	res = m.checkPublicIP(context.Background())
	assert.False(t, res.OK)
	assert.Equal(t, "198.51.100.7", cfg.GetTracker().PublicIP, "last known address is kept")
}

func TestPinnedPublicIPNotReplaced(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Tracker.PublicIPFallback = true
	cfg.Tracker.PublicIP = "203.0.113.1"
	m := NewManager(cfg, &fakeChat{}, nil, nil)
	m.detect = func(context.Context) net.IP {
		t.Fatal("detection must not run for a pinned address")
		return nil
	}

	assert.True(t, m.checkPublicIP(context.Background()).OK)
	assert.Equal(t, "203.0.113.1", cfg.GetTracker().PublicIP)
}

func TestBrokerCheck(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.False(t, NewManager(cfg, &fakeChat{}, nil, nil).checkBroker(context.Background()).OK)
	assert.False(t, NewManager(cfg, &fakeChat{}, fakeBroker(false), nil).checkBroker(context.Background()).OK)
	assert.True(t, NewManager(cfg, &fakeChat{}, fakeBroker(true), nil).checkBroker(context.Background()).OK)
}

func TestEventBusCheckReportsNewDrops(t *testing.T) {
	bus := &fakeBus{}
	m := NewManager(config.DefaultConfig(), &fakeChat{}, nil, bus)

	assert.True(t, m.checkEventBus(context.Background()).OK)

	bus.dropped = 3
	res := m.checkEventBus(context.Background())
	assert.False(t, res.OK)
	assert.Equal(t, "3 events dropped", res.Detail)

	assert.True(t, m.checkEventBus(context.Background()).OK, "old drops are not reported twice")
}

func TestChatConsolesCheck(t *testing.T) {
	chat := &fakeChat{servers: []db.ServerRecord{chatServer("a", true), chatServer("b", false)}}
	m := NewManager(config.DefaultConfig(), chat, nil, nil)

	res := m.checkChatConsoles(context.Background())
	assert.False(t, res.OK)
	assert.Equal(t, "1 of 2 consoles unreachable", res.Detail)

	chat.servers[1].Chat.OK = true
	assert.True(t, m.checkChatConsoles(context.Background()).OK)

	chat.err = errors.New("db closed")
	assert.False(t, m.checkChatConsoles(context.Background()).OK)
}

func TestRunAllFillsStatus(t *testing.T) {
	m := NewManager(config.DefaultConfig(), &fakeChat{}, fakeBroker(true), &fakeBus{})
	m.detect = func(context.Context) net.IP { return net.ParseIP("198.51.100.7") }
	m.RunAll(context.Background())

	status := m.Status()
	require.Len(t, status, 4)
	for _, name := range []string{"public_ip", "broker", "event_bus", "chat_consoles"} {
		res, ok := m.Result(name)
		require.True(t, ok, name)
		assert.True(t, res.OK, name)
		assert.False(t, res.CheckedAt.IsZero(), name)
	}
}
