package connector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/db"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/protocol"
)

const (
	consoleLogPath  = "/ServerAdmin/current_console_log"
	consoleSendPath = "/ServerAdmin/current_console"
)

// ConsoleClient talks to a game server's web admin console.
type ConsoleClient struct {
	client *http.Client
}

// NewConsoleClient creates a console client whose requests give up after
// timeout.
func NewConsoleClient(timeout time.Duration) *ConsoleClient {
	return &ConsoleClient{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// FetchLog downloads and parses the console log.
func (c *ConsoleClient) FetchLog(ctx context.Context, chat db.ChatConfig) ([]protocol.ConsoleLine, error) {
	target, err := consoleURL(chat, consoleLogPath)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create console request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("console request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("console returned HTTP %d", resp.StatusCode)
	}

	return protocol.ParseConsoleLog(protocol.Latin1Reader(resp.Body))
}

// Say posts a chat line to the console as "say user: message".
func (c *ConsoleClient) Say(ctx context.Context, chat db.ChatConfig, user, message string) error {
	target, err := consoleURL(chat, consoleSendPath)
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("SendText", fmt.Sprintf("say %s: %s", user, message))
	form.Set("Send", "Send")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create say request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("say request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("console returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// consoleURL builds an endpoint URL on the console base with the
// credentials embedded as userinfo.
func consoleURL(chat db.ChatConfig, path string) (string, error) {
	u, err := url.Parse(chat.URL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid console URL %q", chat.URL)
	}
	if chat.Username != "" || chat.Password != "" {
		u.User = url.UserPassword(chat.Username, chat.Password)
	}
	u.Path = path
	u.RawQuery = ""
	return u.String(), nil
}
