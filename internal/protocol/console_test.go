package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const consolePage = `<html><body>
<table>
<tr><td>Header</td><td>Console</td></tr>
<tr><td>&nbsp;</td><td>
> Alice: hi there<br>
> Bob: gg &gt; all<br>
>server restarting<br>
not a chat line<br>
<b>> Hidden: inside a tag</b><br>
</td></tr>
<tr><td>x</td><td>> Third: row is ignored</td></tr>
</table>
</body></html>`

func TestParseConsoleLog(t *testing.T) {
	lines, err := ParseConsoleLog(strings.NewReader(consolePage))
	require.NoError(t, err)

	assert.Equal(t, []ConsoleLine{
		{User: "Alice", Message: "hi there"},
		{User: "Bob", Message: "gg > all"},
		{User: ConsoleAuthor, Message: "server restarting"},
	}, lines)
}

func TestParseConsoleLogWithoutTable(t *testing.T) {
	lines, err := ParseConsoleLog(strings.NewReader("<html><body><p>login required</p></body></html>"))
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestParseConsoleLine(t *testing.T) {
	line, ok := ParseConsoleLine("  > Someone With Spaces:  (QuickChat) Hello?  ")
	require.True(t, ok)
	assert.Equal(t, "Someone With Spaces", line.User)
	assert.Equal(t, "(QuickChat) Hello?", line.Message)

	// No space after the marker means the whole line is the message.
	line, ok = ParseConsoleLine(">Alice: hi")
	require.True(t, ok)
	assert.Equal(t, ConsoleAuthor, line.User)
	assert.Equal(t, "Alice: hi", line.Message)

	_, ok = ParseConsoleLine("plain text")
	assert.False(t, ok)
}

func TestParseConsoleLogLatin1(t *testing.T) {
	page := []byte("<table><tr><td></td></tr><tr><td></td><td>> J\xf6rg: h\xe9llo</td></tr></table>")
	lines, err := ParseConsoleLog(Latin1Reader(bytes.NewReader(page)))
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "Jörg", lines[0].User)
	assert.Equal(t, "héllo", lines[0].Message)
}
