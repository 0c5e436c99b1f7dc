package server

import "context"

// Assistant answers free-form prompts for the auxiliary menu option. Real
// model-backed implementations live outside this repository.
type Assistant interface {
	Ask(ctx context.Context, ownerID, prompt string) (string, error)
}

// EchoAssistant is the fallback used when no model is configured.
type EchoAssistant struct{}

func (EchoAssistant) Ask(_ context.Context, _ string, prompt string) (string, error) {
	return "(stub) Echo: " + prompt, nil
}
