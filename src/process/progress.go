package process

import (
	"io"
	"strconv"
	"strings"

	"github.com/peterebden/go-deferred-regex"
)

// A ProgressFunc receives the number of completed and total actions as a build reports them.
type ProgressFunc func(done, total int)

// A progressWriter infers build progress from Bazel's "[12 / 345] ..." status lines.
type progressWriter struct {
	f    ProgressFunc
	last int
}

var progressRegex = deferredregex.DeferredRegex{Re: `\[([0-9,]+) / ([0-9,]+)\]`}

// NewProgressWriter returns a writer that calls f whenever the completed action count advances.
func NewProgressWriter(f ProgressFunc) io.Writer {
	return &progressWriter{f: f, last: -1}
}

// Write implements the io.Writer interface
func (w *progressWriter) Write(b []byte) (int, error) {
	lines := strings.Split(string(b), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if matches := progressRegex.FindStringSubmatch(lines[i]); matches != nil {
			done, err1 := strconv.Atoi(strings.ReplaceAll(matches[1], ",", ""))
			total, err2 := strconv.Atoi(strings.ReplaceAll(matches[2], ",", ""))
			if err1 == nil && err2 == nil && done > w.last {
				w.last = done
				w.f(done, total)
			}
			break
		}
	}
	return len(b), nil
}
