package protocol

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/encoding/charmap"
)

// ConsoleAuthor is the author given to console lines without a speaker.
const ConsoleAuthor = "WebAdmin"

var consoleLineRe = regexp.MustCompile(`^>( ([^:]{1,29}):)?(.*)$`)

// ConsoleLine is one chat line from the admin console log.
type ConsoleLine struct {
	User    string `json:"user"`
	Message string `json:"message"`
}

// Latin1Reader wraps r so ISO-8859-1 bytes are read as UTF-8.
func Latin1Reader(r io.Reader) io.Reader {
	return charmap.ISO8859_1.NewDecoder().Reader(r)
}

// ParseConsoleLog extracts chat lines from the console log page. The log
// lives in the second cell of the second row of the console table, one
// text node per line.
func ParseConsoleLog(r io.Reader) ([]ConsoleLine, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse console html: %w", err)
	}

	var lines []ConsoleLine
	var walk func(n *html.Node, inTable bool)
	walk = func(n *html.Node, inTable bool) {
		if n.Type == html.ElementNode {
			switch {
			case n.DataAtom == atom.Table:
				inTable = true
			case n.DataAtom == atom.Td && inTable && isSecondElement(n) &&
				n.Parent != nil && n.Parent.DataAtom == atom.Tr && isSecondElement(n.Parent):
				lines = append(lines, cellLines(n)...)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inTable)
		}
	}
	walk(doc, false)

	return lines, nil
}

// ParseConsoleLine matches one trimmed text line.
func ParseConsoleLine(text string) (ConsoleLine, bool) {
	groups := consoleLineRe.FindStringSubmatch(strings.TrimSpace(text))
	if groups == nil {
		return ConsoleLine{}, false
	}
	user := strings.TrimSpace(groups[2])
	if user == "" {
		user = ConsoleAuthor
	}
	return ConsoleLine{User: user, Message: strings.TrimSpace(groups[3])}, true
}

func cellLines(td *html.Node) []ConsoleLine {
	var out []ConsoleLine
	for c := td.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.TextNode || strings.TrimSpace(c.Data) == "" {
			continue
		}
		if line, ok := ParseConsoleLine(c.Data); ok {
			out = append(out, line)
		}
	}
	return out
}

// isSecondElement reports whether n is the second element child of its
// parent.
func isSecondElement(n *html.Node) bool {
	if n.Parent == nil {
		return false
	}
	pos := 0
	for c := n.Parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		pos++
		if c == n {
			return pos == 2
		}
	}
	return false
}
