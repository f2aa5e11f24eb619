// Package llm talks to chat-completion providers and runs the dual-provider
// orchestration that turns their answers into a trusted category candidate.
//
// Every provider is asked twice. The primary provider's answers are accepted
// only when they agree with each other; otherwise a fallback provider is asked
// twice and the two stages are reconciled. Malformed or out-of-whitelist
// answers count as failed calls, never as errors returned to the caller.
package llm
