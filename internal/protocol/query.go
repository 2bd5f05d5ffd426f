// Package protocol implements the wire formats the tracker speaks: the
// GameSpy-style UDP status query, the master directory listing, the admin
// console HTML log and the end-of-match upload body.
//
// A status reply is a backslash-delimited sequence of alternating keys and
// values:
//
//	\hostname\My Server\hostport\7777\player_0\Bob\score_0\12\final\
//
// Keys of the form field_N belong to player N; everything else is a
// server-level field.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"
)

// ProbePayload is the fixed basic status request.
const ProbePayload = `\basic\`

// MaxPlayerIndex bounds the player slots accepted from a reply.
const MaxPlayerIndex = 255

// ErrEmptyReply is returned for a datagram that carries no key/value pairs.
var ErrEmptyReply = errors.New("empty query reply")

// Well-known reply fields.
const (
	FieldHostname   = "hostname"
	FieldHostPort   = "hostport"
	FieldNumPlayers = "numplayers"
	FieldMaxPlayers = "maxplayers"
	FieldMapName    = "mapname"
	FieldGameType   = "gametype"
	FieldAdminName  = "adminname"
	FieldAdminEmail = "adminemail"
	FieldPassword   = "password"

	PlayerName = "player"
)

// PlayerSnapshot is the set of fields reported for one player slot.
type PlayerSnapshot map[string]string

// Name returns the player's display name.
func (p PlayerSnapshot) Name() string {
	return p[PlayerName]
}

// Int returns a numeric player field.
func (p PlayerSnapshot) Int(key string) (int, bool) {
	return atoi(p[key])
}

// Snapshot is one decoded status reply.
type Snapshot struct {
	IP         string            `json:"ip"`
	QueryPort  int               `json:"queryPort"`
	Fields     map[string]string `json:"fields"`
	Players    []PlayerSnapshot  `json:"players"`
	ReceivedAt time.Time         `json:"receivedAt"`
}

// EncodeProbe returns the datagram sent to a server's query port.
func EncodeProbe() []byte {
	return []byte(ProbePayload)
}

// HostPortFromQueryPort maps a query port to the game port it serves.
func HostPortFromQueryPort(queryPort int) int {
	return queryPort - 1
}

// QueryPortFromHostPort maps a game port to its query port.
func QueryPortFromHostPort(hostPort int) int {
	return hostPort + 1
}

// Decode parses a reply received from remote.
func Decode(remote *net.UDPAddr, raw []byte) (*Snapshot, error) {
	if remote == nil {
		return nil, fmt.Errorf("decode reply: no remote address")
	}
	return Parse(remote.IP.String(), remote.Port, raw)
}

// Parse parses a reply that arrived from ip:queryPort. Reply text is
// Latin-1; it is converted to UTF-8 so player names survive intact.
func Parse(ip string, queryPort int, raw []byte) (*Snapshot, error) {
	text, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return nil, fmt.Errorf("decode reply charset: %w", err)
	}

	tokens := strings.Split(string(text), `\`)
	if len(tokens) < 3 {
		return nil, ErrEmptyReply
	}
	// Everything before the first separator is noise.
	tokens = tokens[1:]

	snap := &Snapshot{
		IP:         ip,
		QueryPort:  queryPort,
		Fields:     make(map[string]string),
		ReceivedAt: time.Now(),
	}
	slots := make(map[int]PlayerSnapshot)

	for i := 0; i+1 < len(tokens); i += 2 {
		key, value := tokens[i], tokens[i+1]
		if key == "" {
			continue
		}

		if field, index, ok := splitPlayerKey(key); ok {
			if index < 0 {
				// Player key with a garbage index.
				continue
			}
			slot, exists := slots[index]
			if !exists {
				slot = make(PlayerSnapshot)
				slots[index] = slot
			}
			slot[field] = value
			continue
		}

		snap.Fields[key] = value
	}

	if len(snap.Fields) == 0 && len(slots) == 0 {
		return nil, ErrEmptyReply
	}

	indices := make([]int, 0, len(slots))
	for idx := range slots {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	snap.Players = make([]PlayerSnapshot, 0, len(indices))
	for _, idx := range indices {
		snap.Players = append(snap.Players, slots[idx])
	}

	return snap, nil
}

// splitPlayerKey reports whether key is a player key, which is any key
// holding an underscore. A player key without a field name or a usable
// index after its last underscore yields index -1.
func splitPlayerKey(key string) (field string, index int, ok bool) {
	sep := strings.LastIndexByte(key, '_')
	if sep < 0 {
		return "", 0, false
	}
	field, suffix := key[:sep], key[sep+1:]
	if field == "" || !isDigits(suffix) {
		return field, -1, true
	}

	n, err := strconv.Atoi(suffix)
	if err != nil || n > MaxPlayerIndex {
		return field, -1, true
	}
	return field, n, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Encode serializes fields and players back into reply form. Keys are
// written in sorted order so the output is deterministic.
func Encode(fields map[string]string, players []PlayerSnapshot) []byte {
	var buf bytes.Buffer

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writePair(&buf, k, fields[k])
	}

	for i, p := range players {
		pk := make([]string, 0, len(p))
		for k := range p {
			pk = append(pk, k)
		}
		sort.Strings(pk)
		for _, k := range pk {
			writePair(&buf, k+"_"+strconv.Itoa(i), p[k])
		}
	}

	buf.WriteByte('\\')
	return buf.Bytes()
}

func writePair(buf *bytes.Buffer, key, value string) {
	buf.WriteByte('\\')
	buf.WriteString(key)
	buf.WriteByte('\\')
	buf.WriteString(value)
}

// HostPort returns the advertised game port.
func (s *Snapshot) HostPort() (int, bool) {
	port, ok := atoi(s.Fields[FieldHostPort])
	if !ok || port < 1 || port > 65535 {
		return 0, false
	}
	return port, true
}

// ID returns the server identity ip:hostport.
func (s *Snapshot) ID() (string, bool) {
	port, ok := s.HostPort()
	if !ok {
		return "", false
	}
	return net.JoinHostPort(s.IP, strconv.Itoa(port)), true
}

// Field returns a raw scalar field.
func (s *Snapshot) Field(key string) string {
	return s.Fields[key]
}

// Int returns a numeric scalar field.
func (s *Snapshot) Int(key string) (int, bool) {
	return atoi(s.Fields[key])
}

func (s *Snapshot) Hostname() string   { return s.Fields[FieldHostname] }
func (s *Snapshot) MapName() string    { return s.Fields[FieldMapName] }
func (s *Snapshot) GameType() string   { return s.Fields[FieldGameType] }
func (s *Snapshot) AdminName() string  { return s.Fields[FieldAdminName] }
func (s *Snapshot) AdminEmail() string { return s.Fields[FieldAdminEmail] }

// MaxPlayers returns the advertised slot count, 0 when absent.
func (s *Snapshot) MaxPlayers() int {
	n, _ := atoi(s.Fields[FieldMaxPlayers])
	return n
}

// NumPlayers returns the number of decoded player slots.
func (s *Snapshot) NumPlayers() int {
	return len(s.Players)
}

// Data flattens the snapshot into the shape persisted as a server's last
// report.
func (s *Snapshot) Data() map[string]interface{} {
	data := make(map[string]interface{}, len(s.Fields)+2)
	for k, v := range s.Fields {
		data[k] = v
	}
	players := make([]map[string]string, 0, len(s.Players))
	for _, p := range s.Players {
		players = append(players, map[string]string(p))
	}
	data["players"] = players
	data["ip"] = s.IP
	return data
}

func atoi(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return n, true
}
