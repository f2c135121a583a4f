package llm

// ModelPrice holds the per-million-token cost for one model, used to turn a
// raw token count into the usage accounting the adaptive usage monitor (C13)
// consumes.
type ModelPrice struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// defaultPriceTable mirrors the published per-model pricing for the three
// roles the client plays: primary analysis, fallback analysis, and JSON
// repair. Unknown models fall back to the primary model's rate so usage
// accounting never silently drops a cost.
var defaultPriceTable = map[string]ModelPrice{
	"gpt-4o-mini": {InputPerMillion: 0.15, OutputPerMillion: 0.60},
	"gpt-4o":      {InputPerMillion: 2.50, OutputPerMillion: 10.00},
}

func priceFor(table map[string]ModelPrice, model string) ModelPrice {
	if p, ok := table[model]; ok {
		return p
	}
	return ModelPrice{InputPerMillion: 0.15, OutputPerMillion: 0.60}
}

func computeCost(table map[string]ModelPrice, model string, promptTokens, completionTokens int) (inputCost, outputCost, totalCost float64) {
	price := priceFor(table, model)
	inputCost = float64(promptTokens) / 1_000_000 * price.InputPerMillion
	outputCost = float64(completionTokens) / 1_000_000 * price.OutputPerMillion
	totalCost = inputCost + outputCost
	return
}
