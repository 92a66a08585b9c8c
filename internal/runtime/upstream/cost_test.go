package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractUsageOpenAIShape(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o-mini",
		"usage": {"prompt_tokens": 120, "completion_tokens": 30},
		"choices": [{"message": {"tool_calls": [{"id": "1"}, {"id": "2"}]}}]
	}`)
	usage := ExtractUsage(body)
	assert.Equal(t, "gpt-4o-mini", usage.Model)
	assert.Equal(t, int64(120), usage.InputTokens)
	assert.Equal(t, int64(30), usage.OutputTokens)
	assert.Equal(t, 2, usage.ToolCalls)
}

func TestExtractUsageAnthropicShape(t *testing.T) {
	body := []byte(`{"model": "claude-3-opus", "usage": {"input_tokens": 50, "output_tokens": 10}}`)
	usage := ExtractUsage(body)
	assert.Equal(t, int64(50), usage.InputTokens)
	assert.Equal(t, int64(10), usage.OutputTokens)
}

func TestExtractUsageNonJSONYieldsZero(t *testing.T) {
	usage := ExtractUsage([]byte("not json"))
	assert.Equal(t, Usage{}, usage)
}

func TestExtractUsageNonLLMBodyYieldsZeroCost(t *testing.T) {
	usage := ExtractUsage([]byte(`{"status": "ok"}`))
	assert.Equal(t, int64(0), usage.InputTokens)
	assert.Equal(t, int64(0), usage.OutputTokens)
}

func TestPriceTableLongestPrefixWins(t *testing.T) {
	table := NewPriceTable([]PriceEntry{
		{ModelPrefix: "gpt-4", PriceInMicroUSD: 10, PriceOutMicroUSD: 30},
		{ModelPrefix: "gpt-4o-mini", PriceInMicroUSD: 1, PriceOutMicroUSD: 2},
	})

	cost := table.Cost("gpt-4o-mini", 1000, 500)
	assert.Equal(t, int64(1000*1+500*2), cost)

	costFamily := table.Cost("gpt-4-turbo", 1000, 500)
	assert.Equal(t, int64(1000*10+500*30), costFamily)
}

func TestPriceTableUnknownModelIsZeroCost(t *testing.T) {
	table := NewPriceTable([]PriceEntry{{ModelPrefix: "gpt-4", PriceInMicroUSD: 10, PriceOutMicroUSD: 30}})
	assert.Equal(t, int64(0), table.Cost("llama-3", 1000, 1000))
}
