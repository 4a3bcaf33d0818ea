// Package ritual implements the five-stage pacing state machine that wraps
// every consultation: IDLE, INVOKED, CONTEMPLATING, REVEALING and COMPLETE.
// Each session owns one Machine; the Registry hands them out and optionally
// settles finished sessions back to IDLE.
package ritual
