// Package prompts contains the model instructions Relay sends: the tool
// planner prompt, the answer system prompt, action prompts and the
// video summary map-reduce prompts.
//
// Prompt text is Go code rather than configuration because it is
// program logic: it is interpolated with fmt and checked by tests. The
// operator-facing persona lives in config.yaml (agent.persona).
package prompts
