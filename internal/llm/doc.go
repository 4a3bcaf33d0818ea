// Package llm defines the chat-completion contract the oracle talks to.
// Provider adapters live in sub-packages.
package llm
