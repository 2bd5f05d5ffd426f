package protocol

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleReply = `\hostname\Tribes Arena\hostport\7777\maxplayers\16\mapname\Katabatic\gametype\CTF` +
	`\player_0\Bob\score_0\12\ping_0\40\player_1\Alice\score_1\3\final\`

func TestEncodeProbe(t *testing.T) {
	assert.Equal(t, []byte(`\basic\`), EncodeProbe())
}

func TestDecodeReply(t *testing.T) {
	remote := &net.UDPAddr{IP: net.ParseIP("1.2.3.4"), Port: 7778}
	snap, err := Decode(remote, []byte(sampleReply))
	require.NoError(t, err)

	assert.Equal(t, "1.2.3.4", snap.IP)
	assert.Equal(t, 7778, snap.QueryPort)
	assert.Equal(t, "Tribes Arena", snap.Hostname())
	assert.Equal(t, "Katabatic", snap.MapName())
	assert.Equal(t, "CTF", snap.GameType())
	assert.Equal(t, 16, snap.MaxPlayers())

	port, ok := snap.HostPort()
	require.True(t, ok)
	assert.Equal(t, 7777, port)

	id, ok := snap.ID()
	require.True(t, ok)
	assert.Equal(t, "1.2.3.4:7777", id)

	require.Len(t, snap.Players, 2)
	assert.Equal(t, "Bob", snap.Players[0].Name())
	assert.Equal(t, "Alice", snap.Players[1].Name())
	score, ok := snap.Players[0].Int("score")
	require.True(t, ok)
	assert.Equal(t, 12, score)
	assert.Contains(t, snap.Fields, "final")
}

func TestDecodeCompactsPlayerGaps(t *testing.T) {
	snap, err := Parse("1.2.3.4", 7778, []byte(`\hostport\7777\player_4\Late\player_1\Early\`))
	require.NoError(t, err)
	require.Len(t, snap.Players, 2)
	assert.Equal(t, "Early", snap.Players[0].Name())
	assert.Equal(t, "Late", snap.Players[1].Name())
}

func TestDecodeSkipsMalformedPlayerIndex(t *testing.T) {
	snap, err := Parse("1.2.3.4", 7778, []byte(`\hostport\7777\player_99999\Ghost\player_0\Real\game_mode\ctf\_3\x\score_\1\`))
	require.NoError(t, err)
	require.Len(t, snap.Players, 1)
	assert.Equal(t, PlayerSnapshot{"player": "Real"}, snap.Players[0])
	assert.Equal(t, map[string]string{"hostport": "7777"}, snap.Fields)
}

func TestDecodeMissingHostPort(t *testing.T) {
	snap, err := Parse("1.2.3.4", 7778, []byte(`\hostname\NoPort\hostport\abc\`))
	require.NoError(t, err)
	_, ok := snap.HostPort()
	assert.False(t, ok)
	_, ok = snap.ID()
	assert.False(t, ok)
}

func TestDecodeEmptyAndGarbage(t *testing.T) {
	for _, raw := range []string{"", "garbage", `\`, `\\`} {
		_, err := Parse("1.2.3.4", 7778, []byte(raw))
		assert.ErrorIs(t, err, ErrEmptyReply, "input %q", raw)
	}
}

func TestDecodeOddTokenCountDropsTrailingKey(t *testing.T) {
	snap, err := Parse("1.2.3.4", 7778, []byte(`\hostport\7777\dangling`))
	require.NoError(t, err)
	assert.NotContains(t, snap.Fields, "dangling")
}

func TestDecodeLatin1Names(t *testing.T) {
	snap, err := Parse("1.2.3.4", 7778, []byte("\\hostport\\7777\\player_0\\J\xf6rg\\"))
	require.NoError(t, err)
	require.Len(t, snap.Players, 1)
	assert.Equal(t, "Jörg", snap.Players[0].Name())
}

func TestEncodeRoundTrip(t *testing.T) {
	fields := map[string]string{"hostname": "Round Trip", "hostport": "7777", "numplayers": "2"}
	players := []PlayerSnapshot{
		{"player": "Bob", "score": "5"},
		{"player": "Alice", "score": "9", "team": "1"},
	}

	snap, err := Parse("5.6.7.8", 7778, Encode(fields, players))
	require.NoError(t, err)
	assert.Equal(t, fields, snap.Fields)
	assert.Equal(t, players, snap.Players)
}

func TestPortConvention(t *testing.T) {
	assert.Equal(t, 7777, HostPortFromQueryPort(7778))
	assert.Equal(t, 7778, QueryPortFromHostPort(7777))
}

func TestSnapshotData(t *testing.T) {
	snap, err := Parse("1.2.3.4", 7778, []byte(sampleReply))
	require.NoError(t, err)

	data := snap.Data()
	assert.Equal(t, "Tribes Arena", data["hostname"])
	assert.Equal(t, "1.2.3.4", data["ip"])
	assert.Len(t, data["players"], 2)
}
