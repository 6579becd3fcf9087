// Package osuapi fetches user top scores from the osu! v2 API.
package osuapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/okian/topwatch/internal/adapters/mq/worker"
	"github.com/okian/topwatch/internal/domain/model"
)

const topScoreLimit = 100

// TokenProvider returns a valid OAuth bearer token for the API.
type TokenProvider func(ctx context.Context) (string, error)

// ClientOptions configures the API client.
type ClientOptions struct {
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

// Client is an HTTP client for the osu! v2 API. It implements
// worker.Fetcher.
type Client struct {
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

// NewClient builds a Client, filling unset options with defaults.
func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://osu.ppy.sh/api/v2"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Client{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}
}

// apiScore is the wire shape of one best-score entry.
type apiScore struct {
	ID       uint64    `json:"id"`
	PP       *float64  `json:"pp"`
	MaxCombo int       `json:"max_combo"`
	EndedAt  time.Time `json:"ended_at"`
	Beatmap  struct {
		MaxCombo int `json:"max_combo"`
	} `json:"beatmap"`
}

// TopScores returns the user's current top plays, best first. A user
// deleted upstream is reported as worker.ErrUserNotFound.
func (c *Client) TopScores(ctx context.Context, userID uint64, mode model.Mode) ([]model.Score, error) {
	if c.tokenProvider == nil {
		return nil, fmt.Errorf("osuapi: token provider is required")
	}
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return nil, fmt.Errorf("osuapi: acquiring token: %w", err)
	}

	url := fmt.Sprintf("%s/users/%d/scores/best?mode=%s&limit=%d", c.baseURL, userID, mode.APIString(), topScoreLimit)

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			var scores []apiScore
			if err := json.Unmarshal(body, &scores); err != nil {
				return nil, fmt.Errorf("osuapi: decoding top scores: %w", err)
			}
			return toScores(scores, userID, mode), nil
		case resp.StatusCode == http.StatusNotFound:
			return nil, worker.ErrUserNotFound
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, fmt.Errorf("osuapi: top scores failed: status=%d", resp.StatusCode)
		default:
			return nil, fmt.Errorf("osuapi: top scores failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
	}
}

func (c *Client) retryDelay(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func toScores(in []apiScore, userID uint64, mode model.Mode) []model.Score {
	out := make([]model.Score, len(in))
	for i, s := range in {
		out[i] = model.Score{
			ID:          s.ID,
			UserID:      userID,
			Mode:        mode,
			PP:          s.PP,
			MaxCombo:    s.MaxCombo,
			MapMaxCombo: s.Beatmap.MaxCombo,
			EndedAt:     s.EndedAt,
		}
	}
	return out
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
