package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// MailpitClient reads the Mailpit inbox over its REST API.
type MailpitClient struct {
	baseURL    string
	httpClient *http.Client
}

// MailpitMessage is a message summary as listed by Mailpit.
type MailpitMessage struct {
	ID      string           `json:"ID"`
	From    MailpitAddress   `json:"From"`
	To      []MailpitAddress `json:"To"`
	Subject string           `json:"Subject"`
	Snippet string           `json:"Snippet"`
}

// MailpitAddress is a parsed mail address.
type MailpitAddress struct {
	Address string `json:"Address"`
	Name    string `json:"Name"`
}

// MailpitMessageDetail is a full message with its bodies.
type MailpitMessageDetail struct {
	MailpitMessage
	Text string `json:"Text"`
	HTML string `json:"HTML"`
}

type messagesResponse struct {
	Messages []MailpitMessage `json:"messages"`
	Total    int              `json:"messages_count"`
}

// Client returns an API client for the container.
func (c *MailpitContainer) Client() *MailpitClient {
	return &MailpitClient{
		baseURL:    fmt.Sprintf("http://%s:%d", c.APIHost, c.APIPort),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Search returns messages matching a Mailpit search query, e.g. "to:ada@example.com".
func (c *MailpitClient) Search(ctx context.Context, query string) ([]MailpitMessage, error) {
	var result messagesResponse
	if err := c.get(ctx, "/api/v1/search?query="+url.QueryEscape(query), &result); err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	return result.Messages, nil
}

// Message returns one message with its text and HTML bodies.
func (c *MailpitClient) Message(ctx context.Context, id string) (*MailpitMessageDetail, error) {
	var msg MailpitMessageDetail
	if err := c.get(ctx, "/api/v1/message/"+url.PathEscape(id), &msg); err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &msg, nil
}

// DeleteAll clears the inbox.
func (c *MailpitClient) DeleteAll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/v1/messages", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("delete messages: status %d", resp.StatusCode)
	}
	return nil
}

// WaitForRecipient polls until at least count messages addressed to
// address have arrived or ctx expires.
func (c *MailpitClient) WaitForRecipient(ctx context.Context, address string, count int) ([]MailpitMessage, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		messages, err := c.Search(ctx, "to:"+address)
		if err == nil && len(messages) >= count {
			return messages, nil
		}

		select {
		case <-ctx.Done():
			return messages, fmt.Errorf("waiting for %d messages to %s (got %d): %w", count, address, len(messages), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *MailpitClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
