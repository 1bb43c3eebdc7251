package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestDefault_LoadsEmbeddedTable(t *testing.T) {
	p, ok := Default().Get("gpt-4o")
	if !ok {
		t.Fatal("expected gpt-4o to be present in the embedded table")
	}
	if !p.InputCostPer1M.Equal(decimal.RequireFromString("2.50")) {
		t.Fatalf("unexpected input cost: %s", p.InputCostPer1M)
	}
}

func TestCalculate_MatchesPerMillionFormula(t *testing.T) {
	got := Default().Calculate("gpt-4o", 500_000, 250_000)
	// (2.50 * 500000 + 10.00 * 250000) / 1_000_000 = 1.25 + 2.50 = 3.75
	want := decimal.RequireFromString("3.75")
	if !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestCalculate_UnknownModelIsZero(t *testing.T) {
	got := Default().Calculate("no-such-model", 1000, 1000)
	if !got.IsZero() {
		t.Fatalf("expected zero cost for unknown model, got %s", got)
	}
}

func TestLoad_ParsesCustomTable(t *testing.T) {
	data := []byte(`{"models": {"custom-model": {"input_cost_per_1m": "1.00", "output_cost_per_1m": "2.00"}}}`)
	table, err := Load(data)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p, ok := table.Get("custom-model")
	if !ok {
		t.Fatal("expected custom-model to be present")
	}
	if !p.OutputCostPer1M.Equal(decimal.RequireFromString("2.00")) {
		t.Fatalf("unexpected output cost: %s", p.OutputCostPer1M)
	}
}

func TestTable_SetOverridesEntry(t *testing.T) {
	table, err := Load([]byte(`{"models": {}}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	table.Set("override-model", ModelPrice{
		InputCostPer1M:  decimal.RequireFromString("5.00"),
		OutputCostPer1M: decimal.RequireFromString("9.00"),
	})
	p, ok := table.Get("override-model")
	if !ok || !p.InputCostPer1M.Equal(decimal.RequireFromString("5.00")) {
		t.Fatalf("expected overridden entry to be present, got %+v ok=%v", p, ok)
	}
}
