package prompts

import "fmt"

const executionTemplate = `Your trigger has fired for the automation below. Carry it out now using the
available tools: look up entities and services as needed, call whatever
services the automation requires, and use the shared scratchpad to remember
anything that should carry over to future runs.

Automation:
%s

Signal that fired:
%s

Shared scratchpad:
%s`

// ExecutionPrompt returns the prompt for the execution pass: given one
// automation's markdown body, a description of the signal that fired, and
// the shared memory scratchpad, the model carries out the automation via the
// C5 tool suite.
func ExecutionPrompt(automation, signaledBy, memory string) string {
	return fmt.Sprintf(executionTemplate, automation, signaledBy, memory)
}
