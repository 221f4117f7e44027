// Package openai provides the OpenAI adapter for the extraction layer.
// It serves as the reference implementation for other provider adapters.
package openai

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/evermind-ai/evermind/internal/prompt"
	"github.com/evermind-ai/evermind/internal/tokenizer"
	"github.com/evermind-ai/evermind/pkg/errors"
	"github.com/evermind-ai/evermind/pkg/provider"
	"github.com/evermind-ai/evermind/pkg/types"
)

const (
	// ProviderName is the identifier for this provider.
	ProviderName = "openai"

	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultTimeout bounds one completion call end to end.
	DefaultTimeout = 60 * time.Second

	// defaultMaxInputTokens is the context window of the gpt-4o family.
	defaultMaxInputTokens = 128000
)

// Provider implements the OpenAI API adapter.
type Provider struct {
	apiKey     string
	baseURL    string
	model      string
	headers    map[string]string
	httpClient *http.Client
}

// New creates a new OpenAI provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:    DefaultBaseURL,
		headers:    make(map[string]string),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewFromConfig creates a provider from a Config struct.
func NewFromConfig(cfg provider.Config) (provider.Client, error) {
	opts := []Option{
		WithAPIKey(cfg.APIKey),
		WithBaseURL(cfg.BaseURL),
		WithModel(cfg.Model),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, WithTimeout(cfg.Timeout))
	}
	p := New(opts...)
	for k, v := range cfg.Headers {
		p.headers[k] = v
	}
	return p, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return ProviderName
}

// Model returns the configured model.
func (p *Provider) Model() string {
	return p.model
}

// Capabilities reports static limits of the configured model.
func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		MaxInputTokens:    defaultMaxInputTokens,
		SupportsStreaming: true,
	}
}

// EstimateTokens approximates the token count of text for this provider.
func (p *Provider) EstimateTokens(text string) int {
	return tokenizer.CountTextTokens(p.model, text)
}

// ValidateConfig checks that the adapter is usable.
func (p *Provider) ValidateConfig() error {
	if p.apiKey == "" {
		return errors.NewInvalidRequestError(ProviderName, p.model, "api key is required")
	}
	if p.model == "" {
		return errors.NewInvalidRequestError(ProviderName, "", "model is required")
	}
	if _, err := url.Parse(p.baseURL); err != nil {
		return errors.NewInvalidRequestError(ProviderName, p.model,
			fmt.Sprintf("invalid base url %q: %v", p.baseURL, err))
	}
	return nil
}

// chatRequest is the subset of the chat completions request the layer uses.
type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Temperature    float64       `json:"temperature"`
	Stream         bool          `json:"stream,omitempty"`
	StreamOptions  *streamOpts   `json:"stream_options,omitempty"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage usagePayload `json:"usage"`
}

type usagePayload struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usagePayload `json:"usage"`
}

// Send performs a blocking completion call.
func (p *Provider) Send(ctx context.Context, req *types.ExtractionRequest) (*types.ProviderResponse, error) {
	httpReq, err := p.buildRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, p.classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewTransientError(ProviderName, p.model,
			fmt.Sprintf("read response: %v", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, p.MapError(resp.StatusCode, body)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, errors.NewParsingError(ProviderName, p.model,
			fmt.Sprintf("unmarshal response: %v", err))
	}
	if len(chatResp.Choices) == 0 {
		return nil, errors.NewParsingError(ProviderName, p.model, "response has no choices")
	}

	model := chatResp.Model
	if model == "" {
		model = p.model
	}
	return &types.ProviderResponse{
		Text:  chatResp.Choices[0].Message.Content,
		Model: model,
		Usage: types.Usage{
			PromptTokens:     chatResp.Usage.PromptTokens,
			CompletionTokens: chatResp.Usage.CompletionTokens,
			TotalTokens:      chatResp.Usage.TotalTokens,
		},
	}, nil
}

// Stream performs a streaming completion call.
func (p *Provider) Stream(ctx context.Context, req *types.ExtractionRequest) (<-chan types.StreamEvent, error) {
	httpReq, err := p.buildRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, p.classifyTransportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, p.MapError(resp.StatusCode, body)
	}

	events := make(chan types.StreamEvent)
	go p.readStream(resp.Body, events)
	return events, nil
}

// readStream parses SSE lines into stream events and closes the channel after
// the terminal event.
func (p *Provider) readStream(body io.ReadCloser, events chan<- types.StreamEvent) {
	defer close(events)
	defer body.Close()

	events <- types.StreamEvent{Kind: types.StreamStart, Model: p.model}

	var usage *types.Usage
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 || !bytes.HasPrefix(data, []byte("data: ")) {
			continue
		}
		data = bytes.TrimPrefix(data, []byte("data: "))

		if bytes.Equal(data, []byte("[DONE]")) {
			events <- types.StreamEvent{Kind: types.StreamStop, Model: p.model, Usage: usage}
			return
		}

		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			// Skip malformed keep-alive noise rather than aborting the stream.
			continue
		}
		if chunk.Usage != nil {
			usage = &types.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			events <- types.StreamEvent{Kind: types.StreamDelta, Delta: chunk.Choices[0].Delta.Content}
		}
	}

	if err := scanner.Err(); err != nil {
		events <- types.StreamEvent{Kind: types.StreamError,
			Err: errors.NewTransientError(ProviderName, p.model, fmt.Sprintf("stream read: %v", err))}
		return
	}
	// Stream ended without [DONE]: report what we have and let assembly decide.
	events <- types.StreamEvent{Kind: types.StreamStop, Model: p.model, Usage: usage}
}

func (p *Provider) buildRequest(ctx context.Context, req *types.ExtractionRequest, stream bool) (*http.Request, error) {
	chatReq := chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompt.System},
			{Role: "user", Content: prompt.Render(req)},
		},
		MaxTokens:      req.MaxTokens,
		Temperature:    0,
		Stream:         stream,
		ResponseFormat: &respFormat{Type: "json_object"},
	}
	if stream {
		chatReq.StreamOptions = &streamOpts{IncludeUsage: true}
	}

	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, errors.NewInvalidRequestError(ProviderName, p.model,
			fmt.Sprintf("marshal request: %v", err))
	}

	endpoint := strings.TrimSuffix(p.baseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewInvalidRequestError(ProviderName, p.model,
			fmt.Sprintf("create request: %v", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// MapError converts an OpenAI error response to a classified error.
func (p *Provider) MapError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}

	message := "unknown error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	if errResp.Error.Code == "insufficient_quota" {
		return errors.NewBudgetExceededError(ProviderName, p.model, message)
	}
	if errResp.Error.Code == "content_policy_violation" {
		return errors.NewPolicyError(ProviderName, p.model, message)
	}

	switch errors.MapStatusCode(statusCode) {
	case errors.KindRateLimit:
		return errors.NewRateLimitError(ProviderName, p.model, message)
	case errors.KindTimeout:
		return errors.NewTimeoutError(ProviderName, p.model, message)
	case errors.KindAuthentication:
		return errors.NewAuthenticationError(ProviderName, p.model, message)
	case errors.KindBudgetExceeded:
		return errors.NewBudgetExceededError(ProviderName, p.model, message)
	case errors.KindInvalidRequest:
		return errors.NewInvalidRequestError(ProviderName, p.model, message)
	case errors.KindTransient:
		return errors.NewTransientError(ProviderName, p.model, message)
	default:
		return errors.NewUnknownError(ProviderName, p.model, message)
	}
}

// classifyTransportError maps connection-level failures into the taxonomy.
func (p *Provider) classifyTransportError(err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewTimeoutError(ProviderName, p.model, "request deadline exceeded")
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.NewTimeoutError(ProviderName, p.model, err.Error())
	}
	return errors.NewTransientError(ProviderName, p.model, err.Error())
}
