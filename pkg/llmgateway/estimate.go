package llmgateway

import (
	"math"
	"strings"

	"github.com/agentrun/agentrun/pkg/provider"
)

// estimateTokens approximates prompt tokens as ⌈1.3 · Σ word_count(content)⌉
// (spec.md §4.2 step 2). It is a pre-call guard only; RecordUsage replaces
// it with the provider's actual total_tokens after the call completes.
func estimateTokens(messages []provider.Message) int64 {
	var words int
	for _, m := range messages {
		words += len(strings.Fields(m.Content))
	}
	return int64(math.Ceil(1.3 * float64(words)))
}
