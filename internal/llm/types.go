package llm

import (
	"errors"
	"fmt"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrNoChoices is returned when a successful response carries no choices.
var ErrNoChoices = errors.New("no choices in response")

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// ChatResponse is an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
	Error   *Error   `json:"error,omitempty"`
}

// Choice is one completion choice.
//
// FinishReason values: "stop", "length", "content_filter", "tool_calls"
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Error is the provider's error object.
type Error struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    any    `json:"code,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("LLM API Error: %s (type: %s, code: %v)", e.Message, e.Type, e.Code)
}

// StatusError is returned for a non-2xx HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
	API        *Error
}

func (e *StatusError) Error() string {
	if e.API != nil && e.API.Message != "" {
		return fmt.Sprintf("API request failed with status %d: %s", e.StatusCode, e.API.Message)
	}
	return fmt.Sprintf("API request failed with status %d: %s", e.StatusCode, e.Body)
}

// ChatCompletionOptions tunes a single request.
type ChatCompletionOptions struct {
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

// NewChatCompletionOptions returns options that fall back to the client config.
func NewChatCompletionOptions() *ChatCompletionOptions {
	return &ChatCompletionOptions{Temperature: -1}
}

func (o *ChatCompletionOptions) WithSystemPrompt(prompt string) *ChatCompletionOptions {
	o.SystemPrompt = prompt
	return o
}

func (o *ChatCompletionOptions) WithMaxTokens(maxTokens int) *ChatCompletionOptions {
	o.MaxTokens = maxTokens
	return o
}

func (o *ChatCompletionOptions) WithTemperature(temperature float64) *ChatCompletionOptions {
	o.Temperature = temperature
	return o
}
