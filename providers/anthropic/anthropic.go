// Package anthropic provides the Anthropic Claude adapter for the extraction
// layer. It handles transformation to and from Anthropic's Messages API.
package anthropic

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
	ProviderName = "anthropic"

	// DefaultBaseURL is the default Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the default Anthropic API version.
	DefaultAPIVersion = "2023-06-01"

	// DefaultMaxTokens applies when the request does not set a cap; the
	// Messages API requires max_tokens.
	DefaultMaxTokens = 4096

	// DefaultTimeout bounds one completion call end to end.
	DefaultTimeout = 60 * time.Second

	// defaultMaxInputTokens is the context window of the claude-3 family.
	defaultMaxInputTokens = 200000
)

// Provider implements the Anthropic Claude API adapter.
type Provider struct {
	apiKey     string
	baseURL    string
	apiVersion string
	model      string
	headers    map[string]string
	httpClient *http.Client
}

// New creates a new Anthropic provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:    DefaultBaseURL,
		apiVersion: DefaultAPIVersion,
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
// Anthropic has no public tokenizer; the cl100k estimate is close enough for
// admission control.
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

// messagesRequest is the subset of the Messages API request the layer uses.
type messagesRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string       `json:"stop_reason"`
	Usage      usagePayload `json:"usage"`
}

type usagePayload struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// streamEvent is the union of the Messages API SSE event payloads the layer
// cares about; the event name selects which fields are set.
type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Model string       `json:"model"`
		Usage usagePayload `json:"usage"`
	} `json:"message"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage *usagePayload `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
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

	var msgResp messagesResponse
	if err := json.Unmarshal(body, &msgResp); err != nil {
		return nil, errors.NewParsingError(ProviderName, p.model,
			fmt.Sprintf("unmarshal response: %v", err))
	}

	var text strings.Builder
	for _, block := range msgResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, errors.NewParsingError(ProviderName, p.model, "response has no text content")
	}

	model := msgResp.Model
	if model == "" {
		model = p.model
	}
	usage := types.Usage{
		PromptTokens:     msgResp.Usage.InputTokens,
		CompletionTokens: msgResp.Usage.OutputTokens,
		TotalTokens:      msgResp.Usage.InputTokens + msgResp.Usage.OutputTokens,
	}
	return &types.ProviderResponse{Text: text.String(), Model: model, Usage: usage}, nil
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

func (p *Provider) readStream(body io.ReadCloser, events chan<- types.StreamEvent) {
	defer close(events)
	defer body.Close()

	usage := &types.Usage{}
	model := p.model
	started := false

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 || !bytes.HasPrefix(data, []byte("data: ")) {
			continue
		}
		data = bytes.TrimPrefix(data, []byte("data: "))

		var ev streamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				if ev.Message.Model != "" {
					model = ev.Message.Model
				}
				usage.PromptTokens = ev.Message.Usage.InputTokens
			}
			events <- types.StreamEvent{Kind: types.StreamStart, Model: model}
			started = true

		case "content_block_delta":
			if ev.Delta != nil && ev.Delta.Text != "" {
				events <- types.StreamEvent{Kind: types.StreamDelta, Delta: ev.Delta.Text}
			}

		case "message_delta":
			if ev.Usage != nil {
				usage.CompletionTokens = ev.Usage.OutputTokens
			}

		case "message_stop":
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			events <- types.StreamEvent{Kind: types.StreamStop, Model: model, Usage: usage}
			return

		case "error":
			msg := "stream error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			events <- types.StreamEvent{Kind: types.StreamError,
				Err: errors.NewTransientError(ProviderName, p.model, msg)}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		events <- types.StreamEvent{Kind: types.StreamError,
			Err: errors.NewTransientError(ProviderName, p.model, fmt.Sprintf("stream read: %v", err))}
		return
	}
	if started {
		// Stream ended without message_stop: report what we have.
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		events <- types.StreamEvent{Kind: types.StreamStop, Model: model, Usage: usage}
	} else {
		events <- types.StreamEvent{Kind: types.StreamStop, Model: model}
	}
}

func (p *Provider) buildRequest(ctx context.Context, req *types.ExtractionRequest, stream bool) (*http.Request, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	msgReq := messagesRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt.Render(req)},
		},
		MaxTokens:   maxTokens,
		System:      prompt.System,
		Temperature: 0,
		Stream:      stream,
	}

	body, err := json.Marshal(msgReq)
	if err != nil {
		return nil, errors.NewInvalidRequestError(ProviderName, p.model,
			fmt.Sprintf("marshal request: %v", err))
	}

	endpoint := strings.TrimSuffix(p.baseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewInvalidRequestError(ProviderName, p.model,
			fmt.Sprintf("create request: %v", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", p.apiVersion)
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// MapError converts an Anthropic error response to a classified error.
func (p *Provider) MapError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}

	message := "unknown error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	// 529 is Anthropic's overloaded status; treat it like any other 5xx.
	if statusCode == 529 || errResp.Error.Type == "overloaded_error" {
		return errors.NewTransientError(ProviderName, p.model, message)
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
