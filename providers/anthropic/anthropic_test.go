package anthropic

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/evermind-ai/evermind/pkg/errors"
	"github.com/evermind-ai/evermind/pkg/types"
)

func testRequest() *types.ExtractionRequest {
	return &types.ExtractionRequest{
		ID:            "req-1",
		Excerpts:      []types.MessageExcerpt{{Role: "user", Content: "We adopted a kitten."}},
		SchemaVersion: types.SchemaVersionV2,
	}
}

func newTestProvider(serverURL string) *Provider {
	return New(WithAPIKey("sk-ant-test"), WithBaseURL(serverURL), WithModel("claude-3-5-haiku-20241022"))
}

func TestSend_Success(t *testing.T) {
	var captured messagesRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		require.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		require.Equal(t, DefaultAPIVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "claude-3-5-haiku-20241022",
			"content": []map[string]any{
				{"type": "text", "text": `{"schemaVersion":"v2","memories":[]}`},
			},
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 90, "output_tokens": 11},
		})
	}))
	defer server.Close()

	resp, err := newTestProvider(server.URL).Send(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, `{"schemaVersion":"v2","memories":[]}`, resp.Text)
	require.Equal(t, 90, resp.Usage.PromptTokens)
	require.Equal(t, 11, resp.Usage.CompletionTokens)
	require.Equal(t, 101, resp.Usage.TotalTokens)

	// Messages API requires max_tokens even when the request sets none.
	require.Equal(t, DefaultMaxTokens, captured.MaxTokens)
	require.NotEmpty(t, captured.System)
}

func TestSend_MapsStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   errors.Kind
	}{
		{"rate limit", http.StatusTooManyRequests, `{"error":{"type":"rate_limit_error","message":"slow down"}}`, errors.KindRateLimit},
		{"auth", http.StatusUnauthorized, `{"error":{"type":"authentication_error","message":"bad key"}}`, errors.KindAuthentication},
		{"invalid", http.StatusBadRequest, `{"error":{"type":"invalid_request_error","message":"bad"}}`, errors.KindInvalidRequest},
		{"overloaded", 529, `{"error":{"type":"overloaded_error","message":"busy"}}`, errors.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newTestProvider(server.URL).Send(context.Background(), testRequest())
			require.Error(t, err)
			require.Equal(t, tt.want, errors.KindOf(err))
		})
	}
}

func TestStream_EmitsDeltasAndUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`data: {"type":"message_start","message":{"model":"claude-3-5-haiku-20241022","usage":{"input_tokens":80}}}`,
			`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"{\"schemaVersion\":\"v2\","}}`,
			`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"\"memories\":[]}"}}`,
			`data: {"type":"message_delta","usage":{"output_tokens":13}}`,
			`data: {"type":"message_stop"}`,
		}
		for _, l := range lines {
			_, _ = w.Write([]byte(l + "\n\n"))
		}
	}))
	defer server.Close()

	events, err := newTestProvider(server.URL).Stream(context.Background(), testRequest())
	require.NoError(t, err)

	var text string
	var stop *types.StreamEvent
	for ev := range events {
		switch ev.Kind {
		case types.StreamDelta:
			text += ev.Delta
		case types.StreamStop:
			copied := ev
			stop = &copied
		case types.StreamError:
			t.Fatalf("unexpected stream error: %v", ev.Err)
		}
	}

	require.Equal(t, `{"schemaVersion":"v2","memories":[]}`, text)
	require.NotNil(t, stop)
	require.Equal(t, "claude-3-5-haiku-20241022", stop.Model)
	require.Equal(t, 80, stop.Usage.PromptTokens)
	require.Equal(t, 13, stop.Usage.CompletionTokens)
	require.Equal(t, 93, stop.Usage.TotalTokens)
}

func TestStream_ErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lines := []string{
			`data: {"type":"message_start","message":{"usage":{"input_tokens":5}}}`,
			`data: {"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}`,
		}
		for _, l := range lines {
			_, _ = w.Write([]byte(l + "\n\n"))
		}
	}))
	defer server.Close()

	events, err := newTestProvider(server.URL).Stream(context.Background(), testRequest())
	require.NoError(t, err)

	last := types.StreamEvent{}
	for ev := range events {
		last = ev
	}
	require.Equal(t, types.StreamError, last.Kind)
	require.Equal(t, errors.KindTransient, errors.KindOf(last.Err))
}

func TestValidateConfig(t *testing.T) {
	require.Error(t, New(WithModel("claude-3-5-haiku-20241022")).ValidateConfig())
	require.Error(t, New(WithAPIKey("sk-ant-test")).ValidateConfig())
	require.NoError(t, New(WithAPIKey("sk-ant-test"), WithModel("claude-3-5-haiku-20241022")).ValidateConfig())
}
