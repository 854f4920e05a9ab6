// Package eventbus implements the per-event-type callback registry: every
// subscriber owns a bounded queue drained by its own goroutine so a slow
// consumer never stalls the publisher.
package eventbus

import "time"

// SubscriptionID uniquely identifies a subscription within a topic.
type SubscriptionID string

// Config configures subscriber queues.
type Config struct {
	// BufferSize is the per-subscriber queue depth.
	BufferSize int
	// DrainPoll is the polling interval used by Drain.
	DrainPoll time.Duration
	// FullWait bounds how long Publish waits for room in a full queue
	// before evicting the oldest notification. Zero retries once after
	// yielding.
	FullWait time.Duration
}

func (c Config) normalize() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.DrainPoll <= 0 {
		c.DrainPoll = time.Millisecond
	}
	return c
}
