package server

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/db"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/protocol"
)

func decodeUpload(t *testing.T, body string) *protocol.MatchUpload {
	t.Helper()
	upload, err := protocol.DecodeUpload([]byte(base64.StdEncoding.EncodeToString([]byte(body))))
	require.NoError(t, err)
	return upload
}

func TestApplyUploadNewPlayer(t *testing.T) {
	r, store, _, clk := newTestReconciler(t, nil)
	ctx := context.Background()

	_, err := r.Apply(ctx, mustParse(t, "5.6.7.8", 7778, `\hostname\Arena\hostport\7777\numplayers\6\`))
	require.NoError(t, err)
	clk.advance(time.Minute)

	upload := decodeUpload(t, `{"port":7777,"players":[
		{"name":"Eve","ip":"9.9.9.9","score":10.4,"kills":3,"deaths":"2","offense":1,"defense":0,"style":5,
		 "StatClasses.StatHighestSpeed":88.5,"StatClasses.StatMidairs":2,"team":"Blood Eagle"}
	]}`)

	res, err := r.ApplyUpload(ctx, "5.6.7.8", upload)
	require.NoError(t, err)
	assert.Equal(t, "5.6.7.8:7777", res.ServerID)
	assert.Equal(t, 1, res.Players)
	assert.NotZero(t, res.MatchID)

	eve, err := store.GetPlayer(ctx, "Eve")
	require.NoError(t, err)
	assert.InDelta(t, 20.0, eve.MinutesOnline, 1e-9)
	assert.Equal(t, 10, eve.Score)
	assert.Equal(t, 3, eve.Kills)
	assert.Equal(t, 2, eve.Deaths)
	assert.Equal(t, 5, eve.Style)
	assert.Equal(t, "9.9.9.9", eve.IP)
	assert.Equal(t, "5.6.7.8:7777", eve.LastServer)
	assert.InDelta(t, 88.5, eve.Stats["StatHighestSpeed"], 1e-9)
	assert.InDelta(t, 2.0, eve.Stats["StatMidairs"], 1e-9)

	srv, err := store.GetServer(ctx, "5.6.7.8:7777")
	require.NoError(t, err)
	assert.Equal(t, clk.t.UnixMilli(), srv.LastFullReport.UnixMilli())

	matches, err := store.RecentMatches(ctx, "5.6.7.8:7777", 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, 6, matches[0].NumPlayers)
	assert.Equal(t, "Arena", matches[0].BasicReport["hostname"])
	require.Len(t, matches[0].FullReport, 1)
	assert.Equal(t, "Eve", matches[0].FullReport[0]["name"])
	assert.Contains(t, matches[0].FullReport[0], "StatMidairs")
}

func TestApplyUploadAccumulates(t *testing.T) {
	r, store, _, _ := newTestReconciler(t, nil)
	ctx := context.Background()

	require.NoError(t, store.SavePlayer(ctx, &db.PlayerRecord{
		Name:          "Eve",
		MinutesOnline: 50,
		Score:         100,
		Kills:         10,
		Stats:         map[string]float64{"StatHighestSpeed": 120, "StatMidairs": 4},
	}))

	upload := decodeUpload(t, `{"port":"7777","players":[
		{"name":"Eve","score":7,"kills":1,"StatClasses.StatHighestSpeed":90,"StatClasses.StatMidairs":3},
		{"score":99}
	]}`)

	res, err := r.ApplyUpload(ctx, "5.6.7.8", upload)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Players)

	eve, err := store.GetPlayer(ctx, "Eve")
	require.NoError(t, err)
	assert.InDelta(t, 50.0, eve.MinutesOnline, 1e-9)
	assert.Equal(t, 107, eve.Score)
	assert.Equal(t, 11, eve.Kills)
	assert.InDelta(t, 120.0, eve.Stats["StatHighestSpeed"], 1e-9, "highest speed keeps the maximum")
	assert.InDelta(t, 7.0, eve.Stats["StatMidairs"], 1e-9)

	// The server was never polled, but the match is still kept.
	matches, err := store.RecentMatches(ctx, "5.6.7.8:7777", 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, 2, matches[0].NumPlayers)
}

func TestApplyUploadRejectsBadInput(t *testing.T) {
	r, _, _, _ := newTestReconciler(t, nil)
	ctx := context.Background()

	_, err := r.ApplyUpload(ctx, "", &protocol.MatchUpload{Port: 7777})
	assert.Error(t, err)

	_, err = r.ApplyUpload(ctx, "1.2.3.4", &protocol.MatchUpload{Port: 0})
	assert.Error(t, err)
}
