package engine

import (
	"bufio"
	"io"
)

// maxLineBytes bounds a single UCI line. Deep principal variations can run
// long; this is generous enough for any engine observed in practice.
const maxLineBytes = 1 << 20

// newLineScanner returns a bufio.Scanner configured to read line-buffered
// text from an engine subprocess's stdout pipe.
func newLineScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), maxLineBytes)
	return s
}
