package session

import "time"

// bitrateMeter tracks an exponentially-weighted moving average bitrate over
// one-second buckets: bytes observed within a bucket are converted to an
// instantaneous bits-per-second figure when the bucket closes, then folded
// into the running average with smoothing factor alpha.
type bitrateMeter struct {
	alpha       float64
	bucketStart time.Time
	bucketBytes int64
	currentBps  float64
	warm        bool
}

func newBitrateMeter(alpha float64) *bitrateMeter {
	return &bitrateMeter{alpha: alpha}
}

// Observe records n bytes written at now, folding a new sample into the EWMA
// whenever a full one-second bucket has elapsed.
func (m *bitrateMeter) Observe(n int, now time.Time) {
	if m.bucketStart.IsZero() {
		m.bucketStart = now
	}
	m.bucketBytes += int64(n)

	elapsed := now.Sub(m.bucketStart)
	if elapsed < time.Second {
		return
	}

	instantBps := float64(m.bucketBytes) * 8 / elapsed.Seconds()
	if !m.warm {
		m.currentBps = instantBps
		m.warm = true
	} else {
		m.currentBps = m.alpha*instantBps + (1-m.alpha)*m.currentBps
	}
	m.bucketBytes = 0
	m.bucketStart = now
}

func (m *bitrateMeter) CurrentBps() float64 {
	return m.currentBps
}
