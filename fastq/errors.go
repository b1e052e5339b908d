package fastq

import (
	"errors"
	"fmt"
)

var (
	// ErrShort is returned when a FASTQ stream ends in the middle of a
	// record.
	ErrShort = errors.New("truncated FASTQ record")
	// ErrInvalid is returned when a record's header or separator line
	// is malformed.
	ErrInvalid = errors.New("invalid FASTQ record")
)

// maxErrorText is how much of an offending line a `FormatError`
// quotes.
const maxErrorText = 80

// FormatError describes malformed FASTQ input. `Err` is `ErrShort` or
// `ErrInvalid`.
type FormatError struct {
	// Source names the stream that was being read.
	Source string
	// Line is the 1-based number of the offending line, or the total
	// number of lines for a truncated stream.
	Line   int64
	Err    error
	Reason string
	// Text is (a prefix of) the offending line, if there is one.
	Text string
}

func newFormatError(source string, line int64, err error, reason string, text []byte) *FormatError {
	if len(text) > maxErrorText {
		text = text[:maxErrorText]
	}
	return &FormatError{
		Source: source,
		Line:   line,
		Err:    err,
		Reason: reason,
		Text:   string(text),
	}
}

func (e *FormatError) Error() string {
	msg := fmt.Sprintf("%s: line %d: %v", e.Source, e.Line, e.Err)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Text != "" {
		msg += fmt.Sprintf(" (%q)", e.Text)
	}
	return msg
}

func (e *FormatError) Unwrap() error {
	return e.Err
}
