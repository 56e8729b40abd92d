package relay

// bucket.go implements the relay's two global token buckets (read and
// write) and the round_robin byte-budget helper that splits a bucket's
// balance fairly across whichever connections are ready in a given pass.
//
// Refilling a bucket is ordinarily the host's job; TokenBucket.Refill is
// the entry point an external driver calls. Relay.Start also arms a
// periodic refill of its own through Relay.startBucketRefill, following the same self-rescheduling idiom flow.go's
// bgfPcktArrivals uses for periodic packet arrivals: schedule the next
// tick from inside the current one.

import (
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// bucketRefillInterval is how often Relay's built-in refill loop ticks.
// A tenth of a second keeps the round_robin byte budget (4 to 32 cells per
// callback) responsive without dominating the event queue.
const bucketRefillInterval = 0.1

// TokenBucket is an integer byte balance, refilled periodically and
// drained by read or write activity.
type TokenBucket struct {
	size  int64
	burst int64
	rate  float64 // bytes/second
}

// NewTokenBucket constructs a bucket starting full at burst capacity.
func NewTokenBucket(burst int64) *TokenBucket {
	return &TokenBucket{size: burst, burst: burst}
}

// Size returns the bucket's current balance.
func (b *TokenBucket) Size() int64 { return b.size }

// SetBurst sets the bucket's maximum capacity (ceiling applied to both
// balance and future refills).
func (b *TokenBucket) SetBurst(burst int64) {
	b.burst = burst
	if b.size > b.burst {
		b.size = b.burst
	}
}

// SetRate sets the bucket's refill rate in bytes/second, used by Relay's
// built-in periodic refill loop.
func (b *TokenBucket) SetRate(rate float64) { b.rate = rate }

// Spend lowers the bucket's balance by n bytes. The balance is allowed to
// go negative only in the sense that round_robin never asks for more than
// is available; Spend itself does not clamp at zero, matching a real byte
// counter that can be driven slightly negative by a final partial grant.
func (b *TokenBucket) Spend(n int) {
	b.size -= int64(n)
}

// Refill adds amount bytes, capped at burst, and reports whether the
// bucket just transitioned from non-positive to positive — the condition
// that wakes every connection for the corresponding direction.
func (b *TokenBucket) Refill(amount int64) (wake bool) {
	wasNonPositive := b.size <= 0
	b.size += amount
	if b.size > b.burst {
		b.size = b.burst
	}
	return wasNonPositive && b.size > 0
}

// roundRobin computes how many bytes out of bucket are spent on a single
// read or write transaction. The clamp order matters: at_most is first
// bounded to [4*base, 32*base] and only then clamped to the bucket size,
// so a bucket smaller than 4*base yields its whole remaining balance
// rather than overdrawing.
func roundRobin(base int, bucket int64) int {
	atMost := (int(bucket) / 8 / base) * base
	if atMost < 4*base {
		atMost = 4 * base
	}
	if atMost > 32*base {
		atMost = 32 * base
	}
	if int64(atMost) > bucket {
		atMost = int(bucket)
	}
	if atMost < 0 {
		atMost = 0
	}
	return atMost
}

// startBucketRefill arms the relay's self-driven periodic refill loop for
// both buckets. Start calls it unconditionally, whether or not an external
// driver also calls Refill.
func (r *Relay) startBucketRefill() {
	r.evtMgr.Schedule(r, nil, bucketRefillTick, vrtime.SecondsToTime(bucketRefillInterval))
}

func bucketRefillTick(evtMgr *evtm.EventManager, context any, data any) any {
	r := context.(*Relay)

	amount := int64(r.readBucket.rate * bucketRefillInterval)
	if r.readBucket.Refill(amount) {
		r.wakeAllForRead()
	}
	amount = int64(r.writeBucket.rate * bucketRefillInterval)
	if r.writeBucket.Refill(amount) {
		r.wakeAllForWrite()
	}

	if !r.stopped {
		r.evtMgr.Schedule(r, nil, bucketRefillTick, vrtime.SecondsToTime(bucketRefillInterval))
	}
	return nil
}
