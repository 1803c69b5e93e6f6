package recorder

// modelPrice is USD per token.
type modelPrice struct {
	input  float64
	output float64
}

// priceTable is the fixed model pricing used for cost derivation. Unknown
// models fall back to gpt-3.5-turbo.
var priceTable = map[string]modelPrice{
	"gpt-4":           {3e-5, 6e-5},
	"gpt-4-turbo":     {1e-5, 3e-5},
	"gpt-3.5-turbo":   {5e-7, 1.5e-6},
	"claude-3-opus":   {1.5e-5, 7.5e-5},
	"claude-3-sonnet": {3e-6, 1.5e-5},
	"claude-3-haiku":  {2.5e-7, 1.25e-6},
}

var fallbackPrice = priceTable["gpt-3.5-turbo"]

// DeriveCost computes input*input_price + output*output_price for a model.
func DeriveCost(modelName string, inputTokens, outputTokens int) float64 {
	price, ok := priceTable[modelName]
	if !ok {
		price = fallbackPrice
	}
	return float64(inputTokens)*price.input + float64(outputTokens)*price.output
}
