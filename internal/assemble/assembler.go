// Package assemble accumulates streamed response deltas into a buffer,
// tracking JSON structural balance so the caller knows whether the stream
// ended plausibly complete or truncated. Repair handles either case; the
// phase only feeds observability and tests.
package assemble

import (
	"context"
	"errors"
	"strings"

	"github.com/evermind-ai/evermind/pkg/types"
)

// Phase is the assembler's lifecycle state.
type Phase int

const (
	// Collecting accepts start/delta events.
	Collecting Phase = iota
	// Complete is a stop with balanced JSON structure.
	Complete
	// Truncated is a stop with unbalanced structure; repair must handle it.
	Truncated
	// Errored is an upstream error event; assembly aborted.
	Errored
)

func (p Phase) String() string {
	switch p {
	case Collecting:
		return "collecting"
	case Complete:
		return "complete"
	case Truncated:
		return "truncated"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// ErrTerminal is returned when an event arrives after stop or error.
var ErrTerminal = errors.New("assembler already terminal")

// Assembler consumes one finite, non-restartable event sequence.
// Not safe for concurrent use; one assembler serves one stream.
type Assembler struct {
	buf      strings.Builder
	phase    Phase
	err      error
	model    string
	usage    *types.Usage
	depth    int
	inString bool
	escaped  bool
	seenJSON bool
}

// New creates an assembler in the collecting phase.
func New() *Assembler {
	return &Assembler{phase: Collecting}
}

// Feed processes one stream event.
func (a *Assembler) Feed(ev types.StreamEvent) error {
	if a.phase != Collecting {
		return ErrTerminal
	}

	switch ev.Kind {
	case types.StreamStart:
		if ev.Model != "" {
			a.model = ev.Model
		}

	case types.StreamDelta:
		a.buf.WriteString(ev.Delta)
		a.track(ev.Delta)

	case types.StreamStop:
		if ev.Usage != nil {
			a.usage = ev.Usage
		}
		if ev.Model != "" {
			a.model = ev.Model
		}
		if a.balanced() {
			a.phase = Complete
		} else {
			a.phase = Truncated
		}

	case types.StreamError:
		a.err = ev.Err
		a.phase = Errored
	}
	return nil
}

// Consume drains an event channel until a terminal event or cancellation.
// The buffer is handed to repair afterwards regardless of the phase; only an
// Errored phase surfaces the upstream error here.
func (a *Assembler) Consume(ctx context.Context, events <-chan types.StreamEvent) error {
	for {
		select {
		case <-ctx.Done():
			a.err = ctx.Err()
			a.phase = Errored
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if a.phase == Collecting {
					// Channel closed without a stop event: treat as truncation.
					a.phase = Truncated
				}
				if a.phase == Errored {
					return a.err
				}
				return nil
			}
			if err := a.Feed(ev); err != nil {
				return err
			}
			if a.phase == Errored {
				// Drain remaining events so the producer can exit.
				for range events {
				}
				return a.err
			}
		}
	}
}

// Phase returns the assembler's current phase.
func (a *Assembler) Phase() Phase { return a.phase }

// Text returns the accumulated buffer.
func (a *Assembler) Text() string { return a.buf.String() }

// Err returns the upstream error after an Errored phase.
func (a *Assembler) Err() error { return a.err }

// Model returns the model reported by the stream, if any.
func (a *Assembler) Model() string { return a.model }

// Usage returns the usage reported on stop, if any.
func (a *Assembler) Usage() *types.Usage { return a.usage }

// track updates brace depth and quote state for one delta. Structure outside
// strings counts; brackets inside string literals do not.
func (a *Assembler) track(delta string) {
	for i := 0; i < len(delta); i++ {
		c := delta[i]

		if a.inString {
			switch {
			case a.escaped:
				a.escaped = false
			case c == '\\':
				a.escaped = true
			case c == '"':
				a.inString = false
			}
			continue
		}

		switch c {
		case '"':
			a.inString = true
			a.seenJSON = true
		case '{', '[':
			a.depth++
			a.seenJSON = true
		case '}', ']':
			a.depth--
		}
	}
}

// balanced reports whether the buffer looks structurally complete: some JSON
// was seen, every bracket closed, and no string left open.
func (a *Assembler) balanced() bool {
	return a.seenJSON && a.depth == 0 && !a.inString
}
