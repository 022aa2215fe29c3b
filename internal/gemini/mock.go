package gemini

import (
	"context"
	"strings"
)

// Mock is a deterministic Capability for tests and keyless dev setups. Its
// output is also what Client degrades to when the API is unreachable.
type Mock struct{}

func (Mock) Compress(_ context.Context, functionName, functionArgs, functionResult string) (string, error) {
	return mockCompress(functionName, functionArgs, functionResult), nil
}

func (Mock) Summarize(_ context.Context, taskPrompt string, snippets []string) (string, error) {
	return mockSummarize(taskPrompt, snippets), nil
}

func mockCompress(functionName, functionArgs, functionResult string) string {
	return "MOCK: " + functionName + " -> " + truncate(functionArgs, 80) + " | result: " + truncate(functionResult, 80)
}

func mockSummarize(taskPrompt string, snippets []string) string {
	joined := snippets
	if len(joined) > 5 {
		joined = joined[:5]
	}
	return "MOCK SUMMARY: Goal=" + taskPrompt + ". Observations=" + strings.Join(joined, " | ")
}
