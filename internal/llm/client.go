package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to an OpenAI-compatible chat completions endpoint.
// It is safe for concurrent use.
type Client struct {
	config     *Config
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a client for config.
//
// The HTTP timeout is a backstop only; callers bound each generation call
// with their own context deadline.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Client{
		config:  config,
		baseURL: config.APIURL,
		httpClient: &http.Client{
			Timeout: time.Duration(config.Timeout) * time.Second,
		},
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.config.Model
}

// ChatCompletion sends messages and returns the raw response.
func (c *Client) ChatCompletion(ctx context.Context, messages []Message, opts *ChatCompletionOptions) (*ChatResponse, error) {
	if opts == nil {
		opts = NewChatCompletionOptions()
	}
	if opts.SystemPrompt != "" {
		messages = append([]Message{{Role: RoleSystem, Content: opts.SystemPrompt}}, messages...)
	}

	request := ChatRequest{
		Model:       c.config.Model,
		Messages:    messages,
		MaxTokens:   c.maxTokens(opts),
		Temperature: c.temperature(opts),
	}

	response, err := c.makeRequest(ctx, http.MethodPost, "/chat/completions", request)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	return response, nil
}

// DocumentOptions returns the options for whole-article calls.
func (c *Client) DocumentOptions() *ChatCompletionOptions {
	return c.config.DocumentOptions()
}

// SimpleChat sends a single user prompt with an optional system prompt and
// returns the first choice's content.
func (c *Client) SimpleChat(ctx context.Context, prompt string, systemPrompt string) (string, error) {
	opts := NewChatCompletionOptions()
	if systemPrompt != "" {
		opts = opts.WithSystemPrompt(systemPrompt)
	}
	return c.Chat(ctx, prompt, opts)
}

// Chat sends a single user prompt with opts and returns the first choice's
// content.
func (c *Client) Chat(ctx context.Context, prompt string, opts *ChatCompletionOptions) (string, error) {
	response, err := c.ChatCompletion(ctx, []Message{{Role: RoleUser, Content: prompt}}, opts)
	if err != nil {
		return "", err
	}
	if len(response.Choices) == 0 {
		return "", ErrNoChoices
	}
	return response.Choices[0].Message.Content, nil
}

func (c *Client) makeRequest(ctx context.Context, method, path string, payload interface{}) (*ChatResponse, error) {
	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range c.config.GetHeaders() {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var chatResponse ChatResponse
	parseErr := json.Unmarshal(responseBody, &chatResponse)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(responseBody), 512)}
		if parseErr == nil && chatResponse.Error != nil {
			statusErr.API = chatResponse.Error
		}
		return nil, statusErr
	}
	if parseErr != nil {
		return nil, fmt.Errorf("failed to parse response: %w", parseErr)
	}
	if chatResponse.Error != nil && chatResponse.Error.Message != "" {
		return nil, chatResponse.Error
	}
	return &chatResponse, nil
}

func (c *Client) maxTokens(opts *ChatCompletionOptions) int {
	if opts.MaxTokens > 0 {
		return opts.MaxTokens
	}
	return c.config.MaxTokens
}

func (c *Client) temperature(opts *ChatCompletionOptions) float64 {
	if opts.Temperature >= 0 && opts.Temperature <= 2 {
		return opts.Temperature
	}
	return c.config.Temperature
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
