package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/allenxing4071/aicoin-sub002/internal/logger"
)

// ModelProvider is the model backend capability: text in, text out, one
// attempt per call. Output is untrusted and always passes through the
// parser. Retry policy lives in the Router so that recorded latency covers
// only the attempt that succeeded.
type ModelProvider interface {
	ID() string
	Call(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// OpenAIChatClient speaks the OpenAI-compatible /v1/chat/completions shape
// (OpenAI / DeepSeek / Qwen).
type OpenAIChatClient struct {
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	Temperature float64

	httpc *http.Client
}

func NewOpenAIChatClient(baseURL, apiKey, model string, timeout time.Duration) *OpenAIChatClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIChatClient{
		BaseURL:     baseURL,
		APIKey:      apiKey,
		Model:       model,
		Timeout:     timeout,
		Temperature: 0.5,
		httpc:       &http.Client{Timeout: timeout},
	}
}

func (c *OpenAIChatClient) ID() string {
	return "openai:" + c.Model
}

func (c *OpenAIChatClient) endpoint() string {
	url := strings.TrimSpace(c.BaseURL)
	if url == "" {
		url = "https://api.openai.com/v1"
	}
	url = strings.TrimRight(url, "/")
	// Tolerate configs that already include the full path.
	url = strings.TrimSuffix(url, "/chat/completions")
	return url + "/chat/completions"
}

func (c *OpenAIChatClient) Call(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := []map[string]string{}
	if systemPrompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": systemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": userPrompt})
	body, _ := json.Marshal(map[string]any{
		"model":       c.Model,
		"messages":    messages,
		"temperature": c.Temperature,
	})

	logger.LogModelRequest(c.ID(), systemPrompt, userPrompt)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		var r struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if derr := json.NewDecoder(resp.Body).Decode(&r); derr != nil {
			return "", derr
		}
		if len(r.Choices) == 0 {
			return "", fmt.Errorf("empty choices")
		}
		raw := r.Choices[0].Message.Content
		logger.LogModelResponse(c.ID(), raw)
		return raw, nil
	}

	var eresp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&eresp)
	msg := strings.TrimSpace(eresp.Error.Message)
	if msg == "" {
		msg = resp.Status
	}
	return "", &statusError{
		code:       resp.StatusCode,
		msg:        msg,
		retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

type statusError struct {
	code       int
	msg        string
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status=%d: %s", e.code, e.msg)
}

// isTransient reports whether a model call failure is worth retrying:
// timeouts, transport drops, rate limits and 5xx responses.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		switch se.code {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func backoffDelay(attempt int, err error) time.Duration {
	var se *statusError
	if errors.As(err, &se) && se.retryAfter > 0 {
		return se.retryAfter
	}
	wait := 800 * time.Millisecond << attempt
	if wait > 8*time.Second {
		wait = 8 * time.Second
	}
	return wait
}
