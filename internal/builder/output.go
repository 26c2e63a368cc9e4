package builder

import (
	"strings"
	"time"
)

// OutputBuffer keeps the tail of a build's output, bounded by size in bytes,
// plus a count of every line seen.
type OutputBuffer struct {
	limit int
	lines []string
	size  int
	total int
}

// NewOutputBuffer returns a buffer keeping at most limit bytes. A limit of
// zero keeps everything.
func NewOutputBuffer(limit int) *OutputBuffer {
	return &OutputBuffer{limit: limit}
}

// Add appends a line, evicting the oldest lines once over the limit. The
// newest line is always kept.
func (b *OutputBuffer) Add(line string) {
	b.total++
	b.lines = append(b.lines, line)
	b.size += len(line) + 1

	if b.limit <= 0 {
		return
	}
	drop := 0
	for b.size > b.limit && drop < len(b.lines)-1 {
		b.size -= len(b.lines[drop]) + 1
		drop++
	}
	if drop > 0 {
		b.lines = append(b.lines[:0:0], b.lines[drop:]...)
	}
}

// Lines returns the retained lines, oldest first.
func (b *OutputBuffer) Lines() []string {
	return b.lines
}

// Tail returns up to n of the most recent retained lines.
func (b *OutputBuffer) Tail(n int) []string {
	if n <= 0 || n >= len(b.lines) {
		return b.lines
	}
	return b.lines[len(b.lines)-n:]
}

// String joins the retained lines.
func (b *OutputBuffer) String() string {
	return strings.Join(b.lines, "\n")
}

// Total is the number of lines seen, including evicted ones.
func (b *OutputBuffer) Total() int {
	return b.total
}

// Truncated reports whether lines were evicted.
func (b *OutputBuffer) Truncated() bool {
	return b.total > len(b.lines)
}

// Attempt is one execution of the build tool.
type Attempt struct {
	Ordinal   int
	Mode      Mode
	StartedAt time.Time
	EndedAt   time.Time
	ExitCode  int
	Output    *OutputBuffer
}

// Succeeded reports a zero exit status.
func (a *Attempt) Succeeded() bool {
	return a.ExitCode == 0
}

// Duration is the wall-clock time the attempt took.
func (a *Attempt) Duration() time.Duration {
	return a.EndedAt.Sub(a.StartedAt)
}
