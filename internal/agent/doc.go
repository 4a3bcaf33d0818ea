// Package agent contains the Oracle: it paces each consultation through the
// ritual state machine, replays the session's remembered conversation to the
// language model, and withholds the answer until contemplation is over.
package agent
