package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/always-cache/cache-reconciler/cache"
)

const (
	classifySystemPrompt = "You are a request analysis assistant. " +
		"Analyze the following request data: method, URL, headers, response, purpose, request count. " +
		"Answer with one word: keep, refresh, delete or dynamic."
	compareSystemPrompt = "You compare HTTP request URLs. " +
		"Answer yes if both URLs refer to the same or a directly related resource, otherwise answer no."
)

// HTTPClient talks to a text-generation service over HTTP.
//
// Generation requests are POSTed to {Endpoint}/generate as
// {"messages": [...], "max_new_tokens": n} and answered with {"generated_text": "..."}.
// Safety checks are POSTed to {Endpoint}/guard as {"input": "..."} and answered the same way.
type HTTPClient struct {
	Endpoint     string
	Client       *http.Client
	MaxNewTokens int
}

func NewHTTPClient(endpoint string) *HTTPClient {
	return &HTTPClient{
		Endpoint:     strings.TrimSuffix(endpoint, "/"),
		Client:       &http.Client{Timeout: 2 * time.Minute},
		MaxNewTokens: 150,
	}
}

type generateRequest struct {
	Messages     []Message `json:"messages"`
	MaxNewTokens int       `json:"max_new_tokens"`
}

type guardRequest struct {
	Input string `json:"input"`
}

type generateResponse struct {
	GeneratedText string `json:"generated_text"`
}

func (c *HTTPClient) ClassifyRetention(ctx context.Context, entry cache.Entry) (string, error) {
	headers, _ := json.Marshal(entry.Headers)
	return c.generate(ctx, []Message{
		{Role: "system", Content: classifySystemPrompt},
		{Role: "user", Content: fmt.Sprintf(
			"Request Method: %s\nRequest URL: %s\nRequest Headers: %s\nResponse: %s\nPurpose: %s\nRequest Count: %d",
			entry.Method, entry.URL, headers, entry.Response, entry.Purpose, entry.RequestCount)},
	})
}

func (c *HTTPClient) CompareResourceIdentity(ctx context.Context, a, b string) (string, error) {
	return c.generate(ctx, []Message{
		{Role: "system", Content: compareSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("First URL: %s\nSecond URL: %s", a, b)},
	})
}

func (c *HTTPClient) CheckSafety(ctx context.Context, text string) (string, error) {
	return c.post(ctx, "/guard", guardRequest{Input: text})
}

func (c *HTTPClient) generate(ctx context.Context, messages []Message) (string, error) {
	return c.post(ctx, "/generate", generateRequest{Messages: messages, MaxNewTokens: c.MaxNewTokens})
}

func (c *HTTPClient) post(ctx context.Context, path string, body any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		io.Copy(io.Discard, res.Body)
		return "", fmt.Errorf("%w: %s %s", ErrBadStatus, path, res.Status)
	}
	var out generateResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding %s response: %w", path, err)
	}
	return strings.TrimSpace(out.GeneratedText), nil
}

var _ Oracle = (*HTTPClient)(nil)
