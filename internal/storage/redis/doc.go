// Package redis opens the Redis connection used by the event bus bridge.
package redis
