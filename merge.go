package evermind

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/evermind-ai/evermind/pkg/types"
)

// MergeConfidence combines a fresh confidence with an optional prior using the
// harmonic mean 2ab/(a+b). A nil prior defaults to the neutral 0.5. The
// harmonic mean penalizes disagreement more than an arithmetic mean would: a
// provider confidently wrong does not dominate a cautious prior.
func MergeConfidence(fresh float64, prior *float64) float64 {
	p := 0.5
	if prior != nil {
		p = *prior
	}
	return harmonicMean(fresh, p)
}

func harmonicMean(a, b float64) float64 {
	if a+b == 0 {
		return 0
	}
	return 2 * a * b / (a + b)
}

// Merger reconciles re-processed extractions against their priors. Results
// are cached by request content hash; a repeated request merges item
// confidences against the stored prior instead of overwriting it blindly.
type Merger struct {
	priors *gocache.Cache
}

// NewMerger creates a merger whose priors expire after ttl.
func NewMerger(ttl time.Duration) *Merger {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Merger{priors: gocache.New(ttl, 10*time.Minute)}
}

// Merge returns the result to hand to the caller. A first-time request passes
// through unchanged and seeds the prior cache; a re-processed request merges
// each item's confidence with its prior by content match, defaulting the
// missing side to 0.5.
func (m *Merger) Merge(req *types.ExtractionRequest, result *types.ExtractionResult) *types.ExtractionResult {
	key := requestKey(req)

	cached, found := m.priors.Get(key)
	if !found {
		m.priors.SetDefault(key, snapshot(result))
		return result
	}
	prior := cached.(*types.ExtractionResult)

	out := &types.ExtractionResult{
		SchemaVersion: result.SchemaVersion,
		Memories:      make([]types.MemoryItem, 0, len(result.Memories)),
	}
	for _, item := range result.Memories {
		var pc *float64
		for i := range prior.Memories {
			if prior.Memories[i].Content == item.Content {
				pc = &prior.Memories[i].Confidence
				break
			}
		}
		item.Confidence = MergeConfidence(item.Confidence, pc)
		out.Memories = append(out.Memories, item)
	}

	m.priors.SetDefault(key, snapshot(out))
	return out
}

// snapshot copies a result so later caller mutation cannot corrupt the prior.
func snapshot(r *types.ExtractionResult) *types.ExtractionResult {
	cp := &types.ExtractionResult{
		SchemaVersion: r.SchemaVersion,
		Memories:      make([]types.MemoryItem, len(r.Memories)),
	}
	copy(cp.Memories, r.Memories)
	return cp
}

// requestKey hashes the request content that determines extraction identity:
// the excerpts and the schema version. Request IDs are excluded so retries of
// the same content share one prior.
func requestKey(req *types.ExtractionRequest) string {
	h := sha256.New()
	for _, ex := range req.Excerpts {
		io.WriteString(h, ex.Role)
		io.WriteString(h, "\x1f")
		io.WriteString(h, ex.Content)
		io.WriteString(h, "\x1e")
	}
	io.WriteString(h, req.SchemaVersion)
	return hex.EncodeToString(h.Sum(nil))
}
