package ipc

import (
	"bufio"
	"io"
)

// DefaultMaxFrameBytes bounds a single inbound JSON object.
const DefaultMaxFrameBytes = 1 << 20

// NewFrameScanner segments a control stream into top-level JSON objects.
// Reads may split or coalesce objects arbitrarily; whitespace and newlines
// between objects are ignored. Bytes outside an object, up to the next newline
// or '{', come back as one frame so the caller can reject it without tearing
// down the stream. A frame larger than maxFrameBytes stops the scanner with
// bufio.ErrTooLong.
func NewFrameScanner(r io.Reader, maxFrameBytes int) *bufio.Scanner {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	initial := 4096
	if initial > maxFrameBytes {
		initial = maxFrameBytes
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initial), maxFrameBytes)
	scanner.Split(splitFrames)
	return scanner
}

// splitFrames is a bufio.SplitFunc tracking object depth outside strings.
func splitFrames(data []byte, atEOF bool) (int, []byte, error) {
	start := 0
	for start < len(data) && isFrameSpace(data[start]) {
		start++
	}
	if start == len(data) {
		return start, nil, nil
	}

	if data[start] != '{' {
		for i := start; i < len(data); i++ {
			switch data[i] {
			case '\n':
				return i + 1, data[start:i], nil
			case '{':
				return i, data[start:i], nil
			}
		}
		if atEOF {
			return len(data), data[start:], nil
		}
		return start, nil, nil
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(data); i++ {
		ch := data[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i + 1, data[start : i+1], nil
			}
		}
	}

	// Truncated object at end of stream; hand it over so it is rejected.
	if atEOF {
		return len(data), data[start:], nil
	}
	return start, nil, nil
}

func isFrameSpace(ch byte) bool {
	switch ch {
	case ' ', '\n', '\r', '\t':
		return true
	default:
		return false
	}
}
