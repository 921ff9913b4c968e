package process

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

const (
	defaultMaxLine   = 64 * 1024
	defaultQueueSize = 256
)

// scanLines splits r on '\n' as data arrives. Lines longer than maxLine are
// emitted in maxLine sized chunks, and a trailing unterminated line is
// flushed at EOF. emit must not retain the slice.
func scanLines(r io.Reader, maxLine int, emit func([]byte)) error {
	if maxLine < 16 {
		maxLine = 16
	}
	br := bufio.NewReaderSize(r, maxLine)
	for {
		line, err := br.ReadSlice('\n')
		switch {
		case err == nil:
			emit(trimEOL(line))
		case errors.Is(err, bufio.ErrBufferFull):
			emit(line)
		case errors.Is(err, io.EOF):
			if len(line) > 0 {
				emit(trimEOL(line))
			}
			return nil
		default:
			if len(line) > 0 {
				emit(trimEOL(line))
			}
			return err
		}
	}
}

func trimEOL(b []byte) []byte {
	n := len(b)
	if n > 0 && b[n-1] == '\n' {
		n--
	}
	if n > 0 && b[n-1] == '\r' {
		n--
	}
	return b[:n]
}

// decode turns raw process output into text. Invalid UTF-8 is replaced, never rejected.
func decode(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}
