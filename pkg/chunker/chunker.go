package chunker

import "iter"

// DefaultSize is the chunk length used for manifest files (bytes).
const DefaultSize int64 = 20_000_000

// Span is a half-open byte interval [Start, End).
type Span struct {
	Start int64
	End   int64
}

func (s Span) Len() int64 { return s.End - s.Start }

// Chunker splits a payload of known length into fixed-size spans.
// Every span has Size bytes except the last, which may be shorter.
type Chunker struct {
	size int64
}

func New(size int64) *Chunker {
	if size <= 0 {
		size = DefaultSize
	}
	return &Chunker{size: size}
}

func (c *Chunker) Size() int64 { return c.size }

// Spans yields the chunk spans of a payload of total bytes, in order.
// A zero-length payload yields nothing.
func (c *Chunker) Spans(total int64) iter.Seq[Span] {
	return func(yield func(Span) bool) {
		for pos := int64(0); pos < total; pos += c.size {
			if !yield(Span{Start: pos, End: min(pos+c.size, total)}) {
				return
			}
		}
	}
}

// Count returns ceil(total / size).
func (c *Chunker) Count(total int64) int {
	if total <= 0 {
		return 0
	}
	return int((total + c.size - 1) / c.size)
}
