package channels

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const (
	// defaultSenderPerMinute is how many inbound messages one sender may
	// land per minute before the channel starts dropping them.
	defaultSenderPerMinute = 30
	// senderBurst allows short message bursts (forwarded albums, pasted
	// multi-part texts) through without tripping the limiter.
	senderBurst = 10
	// maxTrackedSenders bounds limiter state so an attacker rotating
	// sender ids can't grow memory without limit; evicted senders simply
	// start a fresh bucket.
	maxTrackedSenders = 4096
)

// SenderLimiter rate-limits inbound messages per sender with one token
// bucket per sender id, tracked in a bounded LRU. Safe for concurrent use.
type SenderLimiter struct {
	buckets   *lru.Cache[string, *rate.Limiter]
	perSecond rate.Limit
	burst     int
}

// NewSenderLimiter builds a limiter allowing perMinute messages per sender.
// perMinute <= 0 uses the default.
func NewSenderLimiter(perMinute int) *SenderLimiter {
	if perMinute <= 0 {
		perMinute = defaultSenderPerMinute
	}
	buckets, _ := lru.New[string, *rate.Limiter](maxTrackedSenders)
	return &SenderLimiter{
		buckets:   buckets,
		perSecond: rate.Limit(float64(perMinute) / 60.0),
		burst:     senderBurst,
	}
}

// Allow reports whether senderID may deliver another message right now.
func (l *SenderLimiter) Allow(senderID string) bool {
	bucket, ok := l.buckets.Get(senderID)
	if !ok {
		bucket = rate.NewLimiter(l.perSecond, l.burst)
		l.buckets.Add(senderID, bucket)
	}
	return bucket.Allow()
}
