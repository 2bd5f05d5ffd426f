package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMasterList(t *testing.T) {
	body := "1.2.3.4:7778\r\n5.6.7.8:7778\r\nbogus\r\n9.9.9.9:notaport\r\nexample.com:7778\r\n10.0.0.5:70000\r\n\r\n4.3.2.1:8001\n"

	addrs := ParseMasterList(body)
	assert.Equal(t, []Address{
		{IP: "1.2.3.4", Port: 7778},
		{IP: "5.6.7.8", Port: 7778},
		{IP: "4.3.2.1", Port: 8001},
	}, addrs)
}

func TestParseMasterListEmpty(t *testing.T) {
	assert.Empty(t, ParseMasterList(""))
	assert.Empty(t, ParseMasterList("\r\n\r\n"))
}

func TestParseAddress(t *testing.T) {
	addr, ok := ParseAddress(" 1.2.3.4:7778 ")
	require.True(t, ok)
	assert.Equal(t, "1.2.3.4:7778", addr.String())
	assert.Equal(t, 7778, addr.UDPAddr().Port)

	_, ok = ParseAddress("1.2.3.4")
	assert.False(t, ok)
	_, ok = ParseAddress("1.2.3.4:0")
	assert.False(t, ok)
}

func TestDedupe(t *testing.T) {
	a := Address{IP: "1.2.3.4", Port: 7778}
	b := Address{IP: "1.2.3.4", Port: 7779}
	assert.Equal(t, []Address{a, b}, Dedupe([]Address{a, b, a, b, a}))
}
