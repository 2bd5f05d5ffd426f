package util

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanPlayerName(t *testing.T) {
	cases := map[string]string{
		"Alice":            "alice",
		"[c=f00]Rédneck42": "redneck",
		"  Big   Bob  ":    "big bob",
		"x|Sn1per|x":       "x sn1per x",
		"Player1234":       "player1",
		"[b]Ünder_score[i]": "under_score",
	}
	for in, want := range cases {
		assert.Equal(t, want, CleanPlayerName(in), in)
	}
}

func TestIsPrivateIP(t *testing.T) {
	assert.True(t, IsPrivateIP(net.ParseIP("10.0.0.5")))
	assert.True(t, IsPrivateIP(net.ParseIP("192.168.1.20")))
	assert.True(t, IsPrivateIP(net.ParseIP("127.0.0.1")))
	assert.False(t, IsPrivateIP(net.ParseIP("45.32.157.166")))
	assert.False(t, IsPrivateIP(nil))
}

func TestClientIP(t *testing.T) {
	assert.Equal(t, "1.2.3.4", ClientIP("::ffff:1.2.3.4"))
	assert.Equal(t, "1.2.3.4", ClientIP("1.2.3.4"))
	assert.Equal(t, "not-an-ip", ClientIP("not-an-ip"))
}
