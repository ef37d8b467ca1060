package syncclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"team-answer-service/internal/domain"
)

// LiveURL turns the service base URL into the websocket stream URL for key.
func LiveURL(baseURL string, key domain.DocumentKey, userID string) string {
	base := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	q := url.Values{}
	q.Set("testId", key.TestID)
	q.Set("teamId", key.TeamID)
	q.Set("userId", userID)
	return base + "/ws?" + q.Encode()
}

type liveMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Follow feeds live document snapshots into s through the same merge policy the
// poll uses. It returns when ctx ends, the stream closes, or the attempt is submitted.
func Follow(ctx context.Context, liveURL string, s *Session) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, liveURL, http.Header{})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial live stream: %s: %w", resp.Status, err)
		}
		return fmt.Errorf("dial live stream: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var msg liveMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read live stream: %w", err)
		}
		switch msg.Type {
		case "snapshot":
			var doc domain.AnswerDocument
			if err := json.Unmarshal(msg.Payload, &doc); err != nil {
				log.Warn().Err(err).Msg("bad live snapshot")
				continue
			}
			s.ApplyRemote(doc, false)
		case "submitted":
			s.ApplyRemote(domain.AnswerDocument{}, true)
			return nil
		case "error":
			log.Warn().RawJSON("payload", msg.Payload).Msg("live stream error")
		}
	}
}
