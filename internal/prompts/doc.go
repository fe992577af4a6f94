// Package prompts holds the LLM prompt templates used by the
// automation runtime's two tool-loop passes: the scheduling pass (turn
// one automation's prose into persisted signals) and the execution
// pass (carry out an automation once a signal fires).
//
// Prompt text lives here as Go code, not config, because it is program
// logic: each template is validated by the tests in this package and
// composed with fmt.Sprintf. User-facing configuration lives in
// config.yaml.
package prompts
