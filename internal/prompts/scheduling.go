package prompts

import "fmt"

const schedulingTemplate = `You are scheduling a home automation. Read the automation below and decide
which trigger(s) it needs, then call the appropriate create-*-trigger tools.

An automation may need more than one trigger (e.g. "every morning at 7am,
unless the garage door has been open for more than 10 minutes" needs both a
cron trigger and a state-range trigger). Call list-scheduled-triggers first to
see what is already scheduled for this automation, and cancel-all-scheduled-
triggers before rescheduling if the automation's triggers need to change.

Automation:
%s

Shared scratchpad (may contain relevant context from other automations):
%s`

// SchedulingPrompt returns the prompt for the scheduling pass: given one
// automation's markdown body and the shared memory scratchpad, the model
// decides which signals to create via the C4 tool suite.
func SchedulingPrompt(automation, memory string) string {
	return fmt.Sprintf(schedulingTemplate, automation, memory)
}
