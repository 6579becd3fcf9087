// Package discord delivers top-score notifications to Discord channels
// over the REST API.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/okian/topwatch/internal/adapters/mq/worker"
)

// Discord error code for a deleted or inaccessible channel.
const codeUnknownChannel = 10003

// NotifierOptions configures the REST notifier.
type NotifierOptions struct {
	BaseURL    string
	BotToken   string
	HTTPClient *http.Client
}

// Notifier posts notification messages to channels. It implements
// worker.Notifier.
type Notifier struct {
	baseURL    string
	botToken   string
	httpClient *http.Client
}

// NewNotifier builds a Notifier, filling unset options with defaults.
func NewNotifier(opts NotifierOptions) *Notifier {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://discord.com/api/v10"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Notifier{
		baseURL:    baseURL,
		botToken:   strings.TrimSpace(opts.BotToken),
		httpClient: httpClient,
	}
}

type messagePayload struct {
	Content string `json:"content"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Notify posts the score alert to a channel. A channel deleted on the
// platform is reported as worker.ErrUnknownChannel.
func (n *Notifier) Notify(ctx context.Context, channelID uint64, notif worker.Notification) error {
	if n.botToken == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	body, err := json.Marshal(messagePayload{Content: renderContent(notif)})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/channels/%d/messages", n.baseURL, channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+n.botToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}

	var apiErr apiError
	_ = json.Unmarshal(respBody, &apiErr)
	if resp.StatusCode == http.StatusNotFound && apiErr.Code == codeUnknownChannel {
		return worker.ErrUnknownChannel
	}
	if apiErr.Message != "" {
		return fmt.Errorf("discord: message post failed: status=%d code=%d message=%s", resp.StatusCode, apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("discord: message post failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
}

// renderContent formats the alert line posted to the channel.
func renderContent(n worker.Notification) string {
	pp := 0.0
	if n.Score.PP != nil {
		pp = *n.Score.PP
	}
	var b strings.Builder
	fmt.Fprintf(&b, "New #%d top play in %s by user %d: %.2fpp", n.Index, n.Mode, n.UserID, pp)
	if n.ComboKnown {
		fmt.Fprintf(&b, " (%dx, %.1f%% combo)", n.Score.MaxCombo, n.ComboPercent)
	}
	return b.String()
}
