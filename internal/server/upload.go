package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/db"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/protocol"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/util"
)

// uploadStartMinutes is credited to a player first seen in a match upload.
const uploadStartMinutes = 20

const highestSpeedStat = "StatHighestSpeed"

// UploadResult summarizes an applied match upload.
type UploadResult struct {
	ServerID     string
	Players      int
	PlayerErrors int
	MatchID      int64
}

// ApplyUpload folds an end-of-match report posted by the server at ip into
// the player records and stores the match.
func (r *Reconciler) ApplyUpload(ctx context.Context, ip string, upload *protocol.MatchUpload) (*UploadResult, error) {
	if ip == "" {
		return nil, fmt.Errorf("upload without a source address")
	}
	if upload.Port < 1 || upload.Port > 65535 {
		return nil, fmt.Errorf("upload with invalid port %d", upload.Port)
	}
	id := net.JoinHostPort(ip, strconv.Itoa(upload.Port))

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	result := &UploadResult{ServerID: id}

	for _, p := range upload.Players {
		if p.Name() == "" {
			continue
		}
		if err := r.handlePlayer(ctx, p, id); err != nil {
			result.PlayerErrors++
			r.logger.Error().Err(err).Str("player", p.Name()).Str("server", id).Msg("failed to apply uploaded player")
			continue
		}
		result.Players++
	}

	match := &db.MatchRecord{
		Server:     id,
		At:         now,
		NumPlayers: len(upload.Players),
		FullReport: make([]map[string]interface{}, 0, len(upload.Players)),
	}
	for _, p := range upload.Players {
		match.FullReport = append(match.FullReport, p.Flatten())
	}

	server, err := r.store.GetServer(ctx, id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		r.logger.Warn().Str("server", id).Msg("match upload from a server that was never polled")
	case err != nil:
		return result, fmt.Errorf("load server %s: %w", id, err)
	default:
		if err := r.store.SetLastFullReport(ctx, id, now); err != nil {
			return result, err
		}
		match.BasicReport = server.LastData
		if n, ok := numPlayers(server.LastData); ok {
			match.NumPlayers = n
		}
	}

	matchID, err := r.store.SaveMatch(ctx, match)
	if err != nil {
		return result, err
	}
	result.MatchID = matchID

	r.logger.Info().
		Str("server", id).
		Int("players", result.Players).
		Int64("match", matchID).
		Msg("match upload stored")
	return result, nil
}

func (r *Reconciler) handlePlayer(ctx context.Context, input protocol.UploadedPlayer, serverID string) error {
	name := input.Name()
	now := r.now()

	rec, err := r.store.GetPlayer(ctx, name)
	switch {
	case errors.Is(err, db.ErrNotFound):
		rec = &db.PlayerRecord{Name: name, MinutesOnline: uploadStartMinutes, LastTiming: now}
	case err != nil:
		return err
	}
	if rec.Stats == nil {
		rec.Stats = make(map[string]float64)
	}

	rec.NormalizedName = util.CleanPlayerName(name)
	rec.IP = input.IP()
	rec.LastServer = serverID
	rec.LastSeen = now

	counters := map[string]*int{
		"score":   &rec.Score,
		"kills":   &rec.Kills,
		"deaths":  &rec.Deaths,
		"offense": &rec.Offense,
		"defense": &rec.Defense,
		"style":   &rec.Style,
	}
	for _, key := range protocol.UploadCounters {
		if v, ok := input.Number(key); ok {
			*counters[key] += int(math.Round(v))
		}
	}

	if speed, ok := input.Number(protocol.StatHighestSpeed); ok && speed > rec.Stats[highestSpeedStat] {
		rec.Stats[highestSpeedStat] = speed
	}
	for key, value := range input.Values {
		if key == protocol.StatHighestSpeed || !strings.Contains(key, ".") {
			continue
		}
		v, ok := input.Number(key)
		if !ok || isStringValue(value) {
			continue
		}
		stat := strings.Split(key, ".")[1]
		if stat == "" {
			continue
		}
		rec.Stats[stat] += v
	}

	return r.store.SavePlayer(ctx, rec)
}

func isStringValue(v interface{}) bool {
	_, ok := v.(string)
	return ok
}

func numPlayers(data map[string]interface{}) (int, bool) {
	switch v := data[protocol.FieldNumPlayers].(type) {
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	case float64:
		return int(v), true
	}
	return 0, false
}
