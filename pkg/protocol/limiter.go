package protocol

// MalformedLimiter tracks consecutive malformed frames on one connection.
// A well-formed frame resets the count. It is not safe for concurrent use.
type MalformedLimiter struct {
	limit int
	count int
	total int
}

// NewMalformedLimiter returns a limiter that trips after limit consecutive
// malformed frames. A limit of zero or less never trips.
func NewMalformedLimiter(limit int) *MalformedLimiter {
	return &MalformedLimiter{limit: limit}
}

// Malformed records a rejected frame and reports whether the limit is now
// exceeded.
func (l *MalformedLimiter) Malformed() bool {
	l.count++
	l.total++
	return l.limit > 0 && l.count >= l.limit
}

// OK records a well-formed frame.
func (l *MalformedLimiter) OK() {
	l.count = 0
}

// Total returns the number of malformed frames seen since creation.
func (l *MalformedLimiter) Total() int {
	return l.total
}
