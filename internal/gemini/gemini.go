// Package gemini provides the external summarization capability: compressing
// a raw observation payload into a short dense summary, and turning a
// session's snippets into one narrative. Two implementations exist — Client
// talks to the Generative Language API, Mock is a deterministic stub for
// tests and keyless dev setups. Callers pick one at construction time.
package gemini

import "context"

// Capability is the external summarization contract the core consumes.
type Capability interface {
	// Compress shrinks one recorded action into a short dense summary.
	Compress(ctx context.Context, functionName, functionArgs, functionResult string) (string, error)
	// Summarize turns a session's snippets into a narrative summary.
	Summarize(ctx context.Context, taskPrompt string, snippets []string) (string, error)
}
