// Package cli renders the one-shot inspection commands: the persisted
// server list, a single decoded status reply and the relayed chat history.
package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/db"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/events"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/network"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/protocol"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/relay"
)

// ServerLister lists persisted servers.
type ServerLister interface {
	ListServers(ctx context.Context) ([]db.ServerRecord, error)
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

// Servers prints a table of every server in the store.
func Servers(ctx context.Context, w io.Writer, store ServerLister) error {
	servers, err := store.ListServers(ctx)
	if err != nil {
		return err
	}
	PrintServers(w, servers, time.Now())
	return nil
}

// PrintServers writes servers as a table.
func PrintServers(w io.Writer, servers []db.ServerRecord, now time.Time) {
	tw := newTable(w, []string{"ID", "Name", "Country", "Players", "Hours Online", "Last Seen", "Chat"})

	for _, s := range servers {
		players := "-"
		if n, ok := s.LastData[protocol.FieldNumPlayers]; ok {
			players = fmt.Sprintf("%v/%d", n, s.MaxPlayers)
		}

		chat := "off"
		if s.Chat.Enabled && s.Chat.URL != "" {
			chat = "failing"
			if s.Chat.OK {
				chat = "ok"
			}
		}

		tw.Append([]string{
			s.ID,
			s.Name,
			s.Country,
			players,
			fmt.Sprintf("%.1f", s.MinutesOnline/60),
			since(now, s.LastSeen),
			chat,
		})
	}

	tw.Render()
	fmt.Fprintf(w, "%d servers\n", len(servers))
}

// Probe queries addr once and prints the decoded reply. With raw set the
// re-encoded datagram is printed as well.
func Probe(ctx context.Context, w io.Writer, target string, timeout time.Duration, raw bool) error {
	addr, ok := protocol.ParseAddress(target)
	if !ok {
		return fmt.Errorf("invalid address %q, expected ip:queryport", target)
	}

	snap, err := network.Query(ctx, addr, timeout)
	if err != nil {
		return err
	}
	PrintSnapshot(w, snap)

	if raw {
		fmt.Fprintf(w, "\n%s\n", protocol.Encode(snap.Fields, snap.Players))
	}
	return nil
}

// PrintSnapshot writes the server fields and the player slots of snap.
func PrintSnapshot(w io.Writer, snap *protocol.Snapshot) {
	fmt.Fprintf(w, "\n  Address:  %s:%d\n", snap.IP, snap.QueryPort)
	fmt.Fprintf(w, "  Name:     %s\n", snap.Hostname())
	fmt.Fprintf(w, "  Map:      %s\n", snap.MapName())
	fmt.Fprintf(w, "  Players:  %d/%d\n\n", len(snap.Players), snap.MaxPlayers())

	keys := make([]string, 0, len(snap.Fields))
	for k := range snap.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := newTable(w, []string{"Field", "Value"})
	for _, k := range keys {
		fields.Append([]string{k, snap.Fields[k]})
	}
	fields.Render()

	if len(snap.Players) == 0 {
		return
	}

	columns := playerColumns(snap.Players)
	players := newTable(w, append([]string{"#"}, columns...))
	for i, p := range snap.Players {
		row := []string{strconv.Itoa(i)}
		for _, c := range columns {
			row = append(row, p[c])
		}
		players.Append(row)
	}
	fmt.Fprintln(w)
	players.Render()
}

// playerColumns returns the player name first, then every other field any
// player reported, sorted.
func playerColumns(players []protocol.PlayerSnapshot) []string {
	seen := map[string]bool{protocol.PlayerName: true}
	var rest []string
	for _, p := range players {
		for k := range p {
			if !seen[k] {
				seen[k] = true
				rest = append(rest, k)
			}
		}
	}
	sort.Strings(rest)
	return append([]string{protocol.PlayerName}, rest...)
}

// Chat prints the last hour of chat for server from the relay log.
func Chat(ctx context.Context, w io.Writer, log relay.Log, server string, limit int) error {
	now := time.Now()
	msgs, err := relay.History(ctx, log, server, now.Add(-time.Hour), now, limit)
	if err != nil {
		return err
	}
	PrintChat(w, msgs)
	return nil
}

// PrintChat writes messages as a table, oldest first.
func PrintChat(w io.Writer, msgs []*events.ChatMessage) {
	tw := newTable(w, []string{"When", "Server", "User", "Message"})
	for _, m := range msgs {
		tw.Append([]string{m.When.Local().Format("15:04:05"), m.Server, m.User, m.MessageFriendly})
	}
	tw.Render()
	fmt.Fprintf(w, "%d messages\n", len(msgs))
}

func since(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
