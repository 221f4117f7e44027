// Package pricing provides the per-model token price catalog used for budget
// gating and cost reconciliation. Prices can be overridden from a JSON file,
// which is hot-reloaded on change.
package pricing

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-json"
)

// ModelPricing defines the price of a model. Model names support a trailing
// "*" wildcard (e.g. "gpt-4*").
type ModelPricing struct {
	Model           string  `json:"model"`
	InputCostPer1K  float64 `json:"input_cost_per_1k"`
	OutputCostPer1K float64 `json:"output_cost_per_1k"`
}

// DefaultPricing covers the models the extraction layer routinely targets.
// Prices are USD per 1000 tokens.
var DefaultPricing = []ModelPricing{
	{Model: "gpt-4o", InputCostPer1K: 0.005, OutputCostPer1K: 0.015},
	{Model: "gpt-4o-mini", InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006},
	{Model: "gpt-4-turbo*", InputCostPer1K: 0.01, OutputCostPer1K: 0.03},
	{Model: "gpt-4*", InputCostPer1K: 0.03, OutputCostPer1K: 0.06},
	{Model: "gpt-3.5-turbo", InputCostPer1K: 0.0005, OutputCostPer1K: 0.0015},

	{Model: "claude-3-5-sonnet*", InputCostPer1K: 0.003, OutputCostPer1K: 0.015},
	{Model: "claude-3-5-haiku*", InputCostPer1K: 0.0008, OutputCostPer1K: 0.004},
	{Model: "claude-3-opus*", InputCostPer1K: 0.015, OutputCostPer1K: 0.075},
	{Model: "claude-3-haiku*", InputCostPer1K: 0.00025, OutputCostPer1K: 0.00125},

	{Model: "gemini-1.5-pro*", InputCostPer1K: 0.00125, OutputCostPer1K: 0.005},
	{Model: "gemini-1.5-flash*", InputCostPer1K: 0.000075, OutputCostPer1K: 0.0003},

	{Model: "deepseek-chat", InputCostPer1K: 0.00014, OutputCostPer1K: 0.00028},
}

// Catalog resolves model prices with wildcard fallback. Safe for concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	prices  map[string]ModelPricing
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewCatalog creates a catalog seeded with the given pricing, or
// DefaultPricing when nil.
func NewCatalog(pricing []ModelPricing) *Catalog {
	if pricing == nil {
		pricing = DefaultPricing
	}
	c := &Catalog{
		prices: make(map[string]ModelPricing, len(pricing)),
		logger: slog.Default(),
	}
	for _, p := range pricing {
		c.prices[p.Model] = p
	}
	return c
}

// Load merges prices from a JSON file into the catalog. The file holds an
// array of ModelPricing entries.
func (c *Catalog) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pricing file: %w", err)
	}

	var entries []ModelPricing
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse pricing file: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range entries {
		c.prices[p.Model] = p
	}
	return nil
}

// Watch reloads the pricing file whenever it changes. A malformed rewrite is
// logged and skipped; the previous prices stay in effect.
func (c *Catalog) Watch(path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch pricing file: %w", err)
	}

	c.mu.Lock()
	c.watcher = watcher
	c.mu.Unlock()

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := c.Load(path); err != nil {
					c.logger.Warn("pricing reload failed, keeping previous prices",
						"path", path, "error", err)
					continue
				}
				c.logger.Info("pricing reloaded", "path", path)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// Close stops the file watcher if one is running.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watcher != nil {
		err := c.watcher.Close()
		c.watcher = nil
		return err
	}
	return nil
}

// Cost returns the USD cost for the given model and token counts.
// Unknown models cost 0 so a missing price never blocks extraction.
func (c *Catalog) Cost(model string, inputTokens, outputTokens int) float64 {
	p, ok := c.Lookup(model)
	if !ok {
		return 0
	}
	return float64(inputTokens)/1000.0*p.InputCostPer1K +
		float64(outputTokens)/1000.0*p.OutputCostPer1K
}

// EstimateCost projects the worst-case cost of a call before it is made:
// estimated prompt tokens in, the request's max-token cap out.
func (c *Catalog) EstimateCost(model string, promptTokens, maxOutputTokens int) float64 {
	return c.Cost(model, promptTokens, maxOutputTokens)
}

// Lookup finds the price for a model: exact match first, then the longest
// matching wildcard prefix.
func (c *Catalog) Lookup(model string) (ModelPricing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for pattern, p := range c.prices {
		if strings.EqualFold(pattern, model) {
			return p, true
		}
	}

	modelLower := strings.ToLower(model)
	var best *ModelPricing
	bestLen := -1
	for pattern, p := range c.prices {
		if !strings.HasSuffix(pattern, "*") {
			continue
		}
		prefix := strings.ToLower(strings.TrimSuffix(pattern, "*"))
		if strings.HasPrefix(modelLower, prefix) && len(prefix) > bestLen {
			pCopy := p
			best = &pCopy
			bestLen = len(prefix)
		}
	}
	if best != nil {
		return *best, true
	}
	return ModelPricing{}, false
}

// Add inserts or replaces a price entry.
func (c *Catalog) Add(p ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[p.Model] = p
}
