package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Stat keys with special handling in match uploads.
const (
	StatHighestSpeed = "StatClasses.StatHighestSpeed"
)

// Summed per-player counters in a match upload.
var UploadCounters = []string{"score", "kills", "deaths", "offense", "defense", "style"}

// ErrEmptyUpload is returned for an upload body without content.
var ErrEmptyUpload = errors.New("empty upload")

// MatchUpload is the end-of-match report a server mod posts.
type MatchUpload struct {
	Port    int              `json:"port"`
	Players []UploadedPlayer `json:"players"`
}

// UploadedPlayer is one player entry of a match upload. Values keeps every
// field as sent; numeric fields are also available through Number.
type UploadedPlayer struct {
	Values map[string]interface{}
}

// Name returns the player name, empty when missing.
func (p UploadedPlayer) Name() string {
	s, _ := p.Values["name"].(string)
	return s
}

// IP returns the player address, empty when missing.
func (p UploadedPlayer) IP() string {
	s, _ := p.Values["ip"].(string)
	return s
}

// Number returns a numeric field.
func (p UploadedPlayer) Number(key string) (float64, bool) {
	switch v := p.Values[key].(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

// Stats returns the numeric fields whose key has a class prefix, keyed by
// the name after the first dot.
func (p UploadedPlayer) Stats() map[string]float64 {
	out := make(map[string]float64)
	for key := range p.Values {
		dot := strings.IndexByte(key, '.')
		if dot < 0 || dot == len(key)-1 {
			continue
		}
		if f, ok := p.Number(key); ok {
			out[statName(key)] = f
		}
	}
	return out
}

// Flatten returns the player's fields with class-prefixed stat names
// shortened, the form stored with a match.
func (p UploadedPlayer) Flatten() map[string]interface{} {
	out := make(map[string]interface{}, len(p.Values))
	for key, v := range p.Values {
		if n, ok := v.(json.Number); ok {
			if f, err := n.Float64(); err == nil {
				v = f
			}
		}
		out[statName(key)] = v
	}
	return out
}

func statName(key string) string {
	parts := strings.Split(key, ".")
	if len(parts) < 2 || parts[1] == "" {
		return key
	}
	return parts[1]
}

// UnmarshalJSON keeps numbers as json.Number.
func (p *UploadedPlayer) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	values := make(map[string]interface{})
	if err := dec.Decode(&values); err != nil {
		return err
	}
	p.Values = values
	return nil
}

// MarshalJSON writes the original fields.
func (p UploadedPlayer) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Values)
}

// DecodeUpload decodes a base64 encoded JSON match upload.
func DecodeUpload(body []byte) (*MatchUpload, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, ErrEmptyUpload
	}

	raw, err := base64.StdEncoding.DecodeString(string(trimmed))
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(string(trimmed), "="))
		if err != nil {
			return nil, fmt.Errorf("decode upload base64: %w", err)
		}
	}

	var wire struct {
		Port    json.Number      `json:"port"`
		Players []UploadedPlayer `json:"players"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode upload json: %w", err)
	}

	upload := &MatchUpload{Players: wire.Players}
	if wire.Port != "" {
		port, err := strconv.Atoi(wire.Port.String())
		if err != nil {
			return nil, fmt.Errorf("invalid upload port %q: %w", wire.Port, err)
		}
		upload.Port = port
	}
	return upload, nil
}

// EncodeUpload produces the body DecodeUpload accepts.
func EncodeUpload(u *MatchUpload) ([]byte, error) {
	raw, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("encode upload: %w", err)
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out, nil
}
