// Package pricing loads the per-model dollar-per-million-token table used by
// the router's cost strategy (spec.md §4.6) and the cost ledger (spec.md
// §4.10).
package pricing

import (
	_ "embed"
	"encoding/json"
	"sync"

	"github.com/shopspring/decimal"
)

//go:embed models.json
var defaultTableJSON []byte

// ModelPrice is one row of the pricing table.
type ModelPrice struct {
	InputCostPer1M  decimal.Decimal `json:"input_cost_per_1m"`
	OutputCostPer1M decimal.Decimal `json:"output_cost_per_1m"`
}

// Table is a loaded pricing table, safe for concurrent reads. Startup uses
// the embedded default table; Load builds a table from other JSON.
type Table struct {
	mu     sync.RWMutex
	models map[string]ModelPrice
}

var defaultOnce sync.Once
var defaultTable *Table

// Default returns the process-wide default table, parsed from the embedded
// models.json on first use.
func Default() *Table {
	defaultOnce.Do(func() {
		defaultTable = &Table{models: mustParse(defaultTableJSON)}
	})
	return defaultTable
}

// Load parses a pricing table from raw JSON shaped like models.json:
// {"models": {"<name>": {"input_cost_per_1m": .., "output_cost_per_1m": ..}}}.
func Load(data []byte) (*Table, error) {
	models, err := parse(data)
	if err != nil {
		return nil, err
	}
	return &Table{models: models}, nil
}

func parse(data []byte) (map[string]ModelPrice, error) {
	var doc struct {
		Models map[string]ModelPrice `json:"models"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc.Models, nil
}

func mustParse(data []byte) map[string]ModelPrice {
	models, err := parse(data)
	if err != nil {
		panic("pricing: embedded models.json is invalid: " + err.Error())
	}
	return models
}

// Get returns the pricing row for model, or (zero, false) if unknown.
func (t *Table) Get(model string) (ModelPrice, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.models[model]
	return p, ok
}

// Set upserts a model's pricing (used by admin-surface pricing overrides).
func (t *Table) Set(model string, p ModelPrice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.models == nil {
		t.models = make(map[string]ModelPrice)
	}
	t.models[model] = p
}

// OutputCostPerMillion returns the output-per-million price used to rank
// deployments in the router's "cost" strategy (spec.md §4.6), and a bool
// reporting whether the model is known.
func (t *Table) OutputCostPerMillion(model string) (decimal.Decimal, bool) {
	p, ok := t.Get(model)
	if !ok {
		return decimal.Zero, false
	}
	return p.OutputCostPer1M, true
}

// Calculate computes the USD cost of a request, quantized to 8 decimal
// places, per spec.md §4.10. Unknown models cost zero.
func (t *Table) Calculate(model string, promptTokens, completionTokens int) decimal.Decimal {
	p, ok := t.Get(model)
	if !ok {
		return decimal.Zero
	}
	million := decimal.NewFromInt(1_000_000)
	inputCost := p.InputCostPer1M.Mul(decimal.NewFromInt(int64(promptTokens))).Div(million)
	outputCost := p.OutputCostPer1M.Mul(decimal.NewFromInt(int64(completionTokens))).Div(million)
	return inputCost.Add(outputCost).Round(8)
}
