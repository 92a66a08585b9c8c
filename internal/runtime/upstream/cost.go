package upstream

import (
	"encoding/json"
	"strings"
)

// Usage is the token usage extracted from an LLM-typed upstream response,
// the input to cost estimation.
type Usage struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
	ToolCalls    int
}

// ExtractUsage parses the common OpenAI/Anthropic-shaped usage envelope
// from a JSON response body. Non-LLM upstreams, or bodies that don't match
// the shape, yield a zero Usage (non-LLM upstreams cost nothing).
func ExtractUsage(body []byte) Usage {
	var envelope struct {
		Model string `json:"model"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
			InputTokens      int64 `json:"input_tokens"`
			OutputTokens     int64 `json:"output_tokens"`
		} `json:"usage"`
		Choices []struct {
			Message struct {
				ToolCalls []json.RawMessage `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Usage{}
	}
	usage := Usage{
		Model:        envelope.Model,
		InputTokens:  envelope.Usage.PromptTokens + envelope.Usage.InputTokens,
		OutputTokens: envelope.Usage.CompletionTokens + envelope.Usage.OutputTokens,
	}
	for _, choice := range envelope.Choices {
		usage.ToolCalls += len(choice.Message.ToolCalls)
	}
	return usage
}

// PriceEntry associates a model-name pattern (prefix match, e.g. "gpt-4")
// with per-token micro-USD pricing.
type PriceEntry struct {
	ModelPrefix  string
	PriceInMicroUSD  int64 // micro-USD per input token
	PriceOutMicroUSD int64 // micro-USD per output token
}

// PriceTable is a small read-through price list consulted by cost
// estimation. It is not itself a cache — callers load it from config/store
// and may refresh it on reload the same way rule documents are refreshed.
type PriceTable struct {
	entries []PriceEntry
}

// NewPriceTable constructs a PriceTable from the given entries. Longer
// prefixes are matched first so specific model names win over families.
func NewPriceTable(entries []PriceEntry) PriceTable {
	sorted := make([]PriceEntry, len(entries))
	copy(sorted, entries)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && len(sorted[j].ModelPrefix) > len(sorted[j-1].ModelPrefix); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return PriceTable{entries: sorted}
}

// Cost computes cost = input_tokens*price_in + output_tokens*price_out in
// micro-USD using the first matching model-prefix entry. Zero is returned
// for a model with no matching entry (non-LLM or unpriced upstream).
func (t PriceTable) Cost(model string, input, output int64) int64 {
	for _, e := range t.entries {
		if e.ModelPrefix != "" && strings.HasPrefix(model, e.ModelPrefix) {
			return input*e.PriceInMicroUSD + output*e.PriceOutMicroUSD
		}
	}
	return 0
}
