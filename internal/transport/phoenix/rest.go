package phoenix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/nfrund/boardboard/internal/realtime"
)

// HTTPError is a rejected REST broadcast.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("phoenix: broadcast endpoint returned %d: %s", e.StatusCode, e.Body)
}

// broadcastHTTP sends a broadcast through the REST endpoint, which does not
// require a joined channel.
func (s *Socket) broadcastHTTP(ctx context.Context, topic string, b broadcastPayload) (realtime.SendResult, error) {
	body, err := json.Marshal(httpBroadcast{Messages: []httpMessage{{
		Topic:   topic,
		Event:   b.Event,
		Payload: b.Payload,
		Private: s.cfg.Private,
	}}})
	if err != nil {
		return realtime.SendError, fmt.Errorf("phoenix: marshal broadcast: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.PushTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.httpURL, bytes.NewReader(body))
	if err != nil {
		return realtime.SendError, fmt.Errorf("phoenix: build broadcast request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", s.cfg.APIKey)
	req.Header.Set("Authorization", "Bearer "+s.accessToken())

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return realtime.SendTimedOut, ErrPushTimeout
		}
		return realtime.SendError, fmt.Errorf("phoenix: broadcast request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return realtime.SendOK, nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return realtime.SendError, &HTTPError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
}
