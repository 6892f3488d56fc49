package llm

import (
	"errors"
)

// Config holds the settings of an OpenAI-compatible provider
// (OpenRouter, OpenAI, a local gateway). Timeout is in seconds.
//
// MaxTokens and Temperature apply to section drafts. Calls that return the
// whole article use DocumentMaxTokens and DocumentTemperature instead; zero
// tokens or a negative temperature fall back to the section values.
type Config struct {
	APIKey              string  `json:"api_key"`
	APIURL              string  `json:"api_url"`
	Model               string  `json:"model"`
	MaxTokens           int     `json:"max_tokens"`
	Temperature         float64 `json:"temperature"`
	DocumentMaxTokens   int     `json:"document_max_tokens"`
	DocumentTemperature float64 `json:"document_temperature"`
	Timeout             int     `json:"timeout"`
	SiteURL             string  `json:"site_url"`
	AppName             string  `json:"app_name"`
}

func (c *Config) Validate() error {
	switch {
	case c.APIKey == "":
		return errors.New("API key is required")
	case c.APIURL == "":
		return errors.New("API URL is required")
	case c.Model == "":
		return errors.New("model is required")
	case c.MaxTokens < 1:
		return errors.New("max tokens must be greater than 0")
	case c.DocumentMaxTokens < 0:
		return errors.New("document max tokens must not be negative")
	case c.Temperature < 0 || c.Temperature > 2:
		return errors.New("temperature must be between 0 and 2")
	case c.DocumentTemperature > 2:
		return errors.New("document temperature must be at most 2")
	case c.Timeout < 1:
		return errors.New("timeout must be greater than 0")
	}
	return nil
}

// DocumentOptions returns the request options for whole-article calls.
func (c *Config) DocumentOptions() *ChatCompletionOptions {
	opts := NewChatCompletionOptions()
	if c.DocumentMaxTokens > 0 {
		opts = opts.WithMaxTokens(c.DocumentMaxTokens)
	}
	if c.DocumentTemperature >= 0 {
		opts = opts.WithTemperature(c.DocumentTemperature)
	}
	return opts
}

// GetHeaders returns the request headers for the provider.
func (c *Config) GetHeaders() map[string]string {
	headers := map[string]string{
		"Authorization": "Bearer " + c.APIKey,
		"Content-Type":  "application/json",
	}
	if c.SiteURL != "" {
		headers["HTTP-Referer"] = c.SiteURL
	}
	if c.AppName != "" {
		headers["X-Title"] = c.AppName
	}
	return headers
}
