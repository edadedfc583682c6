package session

import "time"

// tokenBucket refills rate tokens per second up to rate*burstSeconds.
// A zero rate disables the bucket.
type tokenBucket struct {
	rate   int64
	tokens int64
	max    int64
}

func newTokenBucket(rate int64, burstSeconds int64) tokenBucket {
	if rate <= 0 {
		return tokenBucket{}
	}
	return tokenBucket{rate: rate, tokens: rate * burstSeconds, max: rate * burstSeconds}
}

func (b *tokenBucket) enabled() bool { return b.rate > 0 }

func (b *tokenBucket) has(n int64) bool { return !b.enabled() || b.tokens >= n }

func (b *tokenBucket) take(n int64) {
	if b.enabled() {
		b.tokens -= n
	}
}

func (b *tokenBucket) refill(elapsed time.Duration) {
	if !b.enabled() {
		return
	}
	add := (elapsed.Nanoseconds() * b.rate) / int64(time.Second)
	if add <= 0 {
		return
	}
	b.tokens += add
	if b.tokens > b.max {
		b.tokens = b.max
	}
}

// inboundAudioLimiter caps client audio by frames and bytes per second.
// A nil limiter allows everything.
type inboundAudioLimiter struct {
	now        func() time.Time
	frames     tokenBucket
	bytes      tokenBucket
	lastRefill time.Time
}

func newInboundAudioLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *inboundAudioLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}
	return &inboundAudioLimiter{
		now:        now,
		frames:     newTokenBucket(int64(fps), int64(burstSeconds)),
		bytes:      newTokenBucket(bps, int64(burstSeconds)),
		lastRefill: now(),
	}
}

func (l *inboundAudioLimiter) Allow(frameBytes int) bool {
	if l == nil {
		return true
	}
	now := l.now()
	if elapsed := now.Sub(l.lastRefill); elapsed > 0 {
		l.frames.refill(elapsed)
		l.bytes.refill(elapsed)
		l.lastRefill = now
	}

	if frameBytes < 0 {
		frameBytes = 0
	}
	if !l.frames.has(1) || !l.bytes.has(int64(frameBytes)) {
		return false
	}
	l.frames.take(1)
	l.bytes.take(int64(frameBytes))
	return true
}
