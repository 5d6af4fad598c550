package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscordSenderPostsEmbed(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	require.NoError(t, s.Send(context.Background(), "Stop loss hit", "recorder: trend-follower"))

	assert.Equal(t, "recorderbot", got.Username)
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "Stop loss hit", got.Embeds[0].Title)
	assert.Equal(t, "recorder: trend-follower", got.Embeds[0].Description)
	assert.Equal(t, colorRed, got.Embeds[0].Color)
}

func TestDiscordSenderSurfacesErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "Position opened", "x")
	assert.ErrorContains(t, err, "429")
}

func TestEmbedColorBySeverity(t *testing.T) {
	assert.Equal(t, colorRed, embedColor("Daily max loss breached"))
	assert.Equal(t, colorRed, embedColor("Position drift detected"))
	assert.Equal(t, colorRed, embedColor("Connection error"))
	assert.Equal(t, colorGreen, embedColor("Take profit hit"))
	assert.Equal(t, colorGrey, embedColor("Position opened"))
}
