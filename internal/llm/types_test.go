package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no key", mutate: func(c *Config) { c.APIKey = "" }, wantErr: "API key"},
		{name: "no url", mutate: func(c *Config) { c.APIURL = "" }, wantErr: "API URL"},
		{name: "no model", mutate: func(c *Config) { c.Model = "" }, wantErr: "model"},
		{name: "zero tokens", mutate: func(c *Config) { c.MaxTokens = 0 }, wantErr: "max tokens"},
		{name: "hot", mutate: func(c *Config) { c.Temperature = 2.5 }, wantErr: "temperature"},
		{name: "no timeout", mutate: func(c *Config) { c.Timeout = 0 }, wantErr: "timeout"},
		{name: "negative document tokens", mutate: func(c *Config) { c.DocumentMaxTokens = -1 }, wantErr: "document max tokens"},
		{name: "hot document", mutate: func(c *Config) { c.DocumentTemperature = 2.1 }, wantErr: "document temperature"},
		{name: "inherited document temperature", mutate: func(c *Config) { c.DocumentTemperature = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testConfig("https://api.example.com")
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_DocumentOptions(t *testing.T) {
	c := testConfig("https://api.example.com")
	c.DocumentMaxTokens = 6000
	c.DocumentTemperature = 0.2
	opts := c.DocumentOptions()
	assert.Equal(t, 6000, opts.MaxTokens)
	assert.InDelta(t, 0.2, opts.Temperature, 1e-9)

	c.DocumentMaxTokens = 0
	c.DocumentTemperature = -1
	opts = c.DocumentOptions()
	assert.Zero(t, opts.MaxTokens)
	assert.Negative(t, opts.Temperature)
}

func TestConfig_Headers(t *testing.T) {
	c := testConfig("https://api.example.com")
	c.SiteURL = "https://example.com"
	c.AppName = "contentpipe"

	headers := c.GetHeaders()
	assert.Equal(t, "Bearer test-key", headers["Authorization"])
	assert.Equal(t, "https://example.com", headers["HTTP-Referer"])
	assert.Equal(t, "contentpipe", headers["X-Title"])
}

func TestChatRequest_Marshal(t *testing.T) {
	data, err := json.Marshal(ChatRequest{
		Model:    "m",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"model":"m","messages":[{"role":"user","content":"hi"}]}`, string(data))
}

func TestErrors_Format(t *testing.T) {
	apiErr := &Error{Message: "bad", Type: "invalid_request_error", Code: "x"}
	assert.Equal(t, "LLM API Error: bad (type: invalid_request_error, code: x)", apiErr.Error())

	statusErr := &StatusError{StatusCode: 500, Body: "boom"}
	assert.Equal(t, "API request failed with status 500: boom", statusErr.Error())
}
