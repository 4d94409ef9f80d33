// Package prompts contains the prompt templates sent to the completion
// oracle and the fixed user-facing replies.
//
// Prompt text is Go code rather than config: templates interpolate the
// dynamic parts, are embedded at compile time and are checked by tests.
// Each capability gets its own file with an exported function that
// accepts the dynamic parts and returns the finished message list.
package prompts
