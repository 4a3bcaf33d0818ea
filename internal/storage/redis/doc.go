// Package redis builds the shared go-redis client used by the thread memory
// store and the consultation queue.
package redis
