package ippool_test

import (
	"testing"
	"time"

	"github.com/adaptive-git/transport-core/internal/ippool"
)

// TestBreakerRecordOutcomeWindowPrunesOldSamples confirms a failure outside
// the sliding window no longer counts toward the rate-based trip path.
func TestBreakerRecordOutcomeWindowPrunesOldSamples(t *testing.T) {
	b := ippool.NewBreaker(nil)
	base := time.Now()

	// A failure far in the past, outside the 1-minute window.
	b.RecordOutcome("1.2.3.4", base.Add(-time.Hour), false, time.Minute, 4, 0.5, time.Minute)

	// Three recent successes: if the stale failure were still counted the
	// rate would be 1/4 = 0.25, still below 0.5, so this alone wouldn't
	// prove pruning. Assert directly that it isn't tripped and that a
	// later fresh failure doesn't trip on a rate computed over 2 samples
	// (1 failure / 2 total = 0.5, which would trip if threshold=2 were
	// satisfied by only 2 samples because the stale one were still kept).
	now := base
	b.RecordOutcome("1.2.3.4", now, true, time.Minute, 4, 0.5, time.Minute)
	b.RecordOutcome("1.2.3.4", now, true, time.Minute, 4, 0.5, time.Minute)
	tripped := b.RecordOutcome("1.2.3.4", now, false, time.Minute, 4, 0.5, time.Minute)

	if tripped {
		t.Fatalf("expected no trip: window should hold only 3 fresh samples (1 failure), below the threshold=4 minimum sample count")
	}
}

// TestBreakerRecordOutcomeConsecutiveResetsOnSuccess confirms a success
// between failures restarts the consecutive-failure count.
func TestBreakerRecordOutcomeConsecutiveResetsOnSuccess(t *testing.T) {
	b := ippool.NewBreaker(nil)
	now := time.Now()

	b.RecordOutcome("5.6.7.8", now, false, time.Minute, 2, 0, time.Minute)
	b.RecordOutcome("5.6.7.8", now, true, time.Minute, 2, 0, time.Minute)
	tripped := b.RecordOutcome("5.6.7.8", now, false, time.Minute, 2, 0, time.Minute)

	if tripped {
		t.Fatalf("expected no trip: the intervening success should have reset the consecutive-failure count below threshold=2")
	}
}
