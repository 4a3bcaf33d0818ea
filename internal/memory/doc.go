// Package memory persists per-session conversation threads so the oracle
// can answer with the earlier exchange in view. Drivers: in-process map,
// Redis lists and MySQL rows.
package memory
