package transport

import "time"

// backoff produces exponentially growing reconnect delays, capped at
// Max. Reset puts it back at Min after a connection that stayed up long
// enough to be considered stable.
type backoff struct {
	min  time.Duration
	max  time.Duration
	next time.Duration
}

func newBackoff(min, max time.Duration) *backoff {
	return &backoff{min: min, max: max, next: min}
}

// Next returns the delay to wait before the next attempt and advances
// the schedule.
func (b *backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

func (b *backoff) Reset() {
	b.next = b.min
}
