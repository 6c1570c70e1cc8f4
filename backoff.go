package commitring

import (
	"runtime"
	"time"

	"github.com/valyala/fastrand"
)

const (
	goschedEvery = 64 // reduce runtime.Gosched() frequency in hot loops

	spinAttempts    = 1024 // attempts before Backoff starts sleeping
	minBackoffSleep = time.Microsecond
	maxBackoffSleep = time.Millisecond
)

// Backoff is a retry pacer for callers waiting on a refused Reserve or an empty Consume.
// It spins first, yielding the processor every goschedEvery attempts, then sleeps with
// a randomized, exponentially growing delay so waiting producers don't retry in lockstep.
//
// The zero value is ready to use. A Backoff must not be shared between goroutines.
type Backoff struct {
	attempts uint32
	sleep    time.Duration
}

// Wait pauses the caller before the next attempt.
func (b *Backoff) Wait() {
	b.attempts++
	if b.attempts < spinAttempts {
		if b.attempts%goschedEvery == 0 {
			runtime.Gosched()
		}
		return
	}

	time.Sleep(b.next())
}

// Reset is called after a successful attempt.
func (b *Backoff) Reset() {
	b.attempts = 0
	b.sleep = 0
}

func (b *Backoff) next() time.Duration {
	if b.sleep == 0 {
		b.sleep = minBackoffSleep
	} else if b.sleep < maxBackoffSleep {
		b.sleep *= 2
		if b.sleep > maxBackoffSleep {
			b.sleep = maxBackoffSleep
		}
	}

	// full jitter in [sleep/2, sleep)
	half := uint32(b.sleep / 2)
	return time.Duration(half + fastrand.Uint32n(half))
}
