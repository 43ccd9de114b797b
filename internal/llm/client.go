package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// Client generates text against an upstream AI API.
type Client interface {
	Generate(ctx context.Context, model, prompt string, maxTokens int) (string, error)
}

// Error is a typed upstream failure. Status is the HTTP status when known,
// zero otherwise.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("upstream status %d: %s", e.Status, e.Message)
	}
	return e.Message
}

// HTTPClient speaks an OpenAI-compatible chat-completions API with a Bearer
// credential. Safe for concurrent use.
type HTTPClient struct {
	BaseURL    string
	Credential string
	HTTP       *http.Client
}

func NewHTTPClient(baseURL, credential string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Credential: credential,
		HTTP:       &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Messages  []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *HTTPClient) Generate(ctx context.Context, model, prompt string, maxTokens int) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model:     model,
		MaxTokens: maxTokens,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Credential)

	res, err := c.HTTP.Do(req)
	if err != nil {
		return "", &Error{Message: err.Error()}
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg := upstreamMessage(body)
		if msg == "" {
			msg = http.StatusText(res.StatusCode)
		}
		return "", &Error{Status: res.StatusCode, Message: msg}
	}
	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &Error{Status: res.StatusCode, Message: "malformed upstream response"}
	}
	if len(parsed.Choices) == 0 {
		return "", nil
	}
	return parsed.Choices[0].Message.Content, nil
}

func upstreamMessage(body []byte) string {
	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil {
		return parsed.Error.Message
	}
	return strings.TrimSpace(string(body))
}
