package daemon

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// frames above this size are treated as corruption
const maxFrameSize = 64 << 20

// max digits of the decimal length prefix
const maxPrefixLen = 12

var ErrBadFrame = errors.New("malformed stream frame")

// FrameReader decodes a stream of "<decimal length>#<json>" records.
type FrameReader struct {
	r *bufio.Reader
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// Next decodes the next record into v. It returns io.EOF at a clean end of
// stream and ErrBadFrame (wrapped) for truncated or malformed records.
func (f *FrameReader) Next(v any) error {
	prefix, err := f.r.ReadSlice('#')
	if err != nil {
		if errors.Is(err, io.EOF) && len(prefix) == 0 {
			return io.EOF
		}
		if errors.Is(err, bufio.ErrBufferFull) || errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: unterminated length prefix", ErrBadFrame)
		}
		return err
	}
	digits := prefix[:len(prefix)-1]
	if len(digits) == 0 || len(digits) > maxPrefixLen {
		return fmt.Errorf("%w: bad length prefix %q", ErrBadFrame, digits)
	}
	n, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil || n < 0 || n > maxFrameSize {
		return fmt.Errorf("%w: bad length prefix %q", ErrBadFrame, digits)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(f.r, body); err != nil {
		return fmt.Errorf("%w: truncated record: %w", ErrBadFrame, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %w", ErrBadFrame, err)
	}
	return nil
}

// WriteFrame encodes v as one record.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, strconv.Itoa(len(body))+"#"); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}
