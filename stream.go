package evermind

import (
	"context"
	stderrors "errors"

	"github.com/evermind-ai/evermind/internal/assemble"
	"github.com/evermind-ai/evermind/pkg/errors"
	"github.com/evermind-ai/evermind/pkg/provider"
	"github.com/evermind-ai/evermind/pkg/types"
)

// streamOnce performs one streaming provider call and assembles the event
// sequence into a provider response. A truncated stream is not an error here;
// the repair pipeline decides whether the buffer is salvageable.
func (c *Client) streamOnce(ctx context.Context, client provider.Client, req *types.ExtractionRequest) (*types.ProviderResponse, error) {
	events, err := client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	asm := assemble.New()
	if err := asm.Consume(ctx, events); err != nil {
		return nil, classifyStreamError(client, err)
	}

	model := asm.Model()
	if model == "" {
		model = client.Model()
	}
	usage := types.Usage{}
	if asm.Usage() != nil {
		usage = *asm.Usage()
	}
	return &types.ProviderResponse{Text: asm.Text(), Model: model, Usage: usage}, nil
}

// classifyStreamError maps an assembly abort into the error taxonomy.
// Adapter-emitted errors arrive already classified; only context failures
// need mapping.
func classifyStreamError(client provider.Client, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewTimeoutError(client.Name(), client.Model(), "stream deadline exceeded")
	}
	if stderrors.Is(err, context.Canceled) {
		return errors.NewTimeoutError(client.Name(), client.Model(), "stream canceled")
	}
	return err
}
