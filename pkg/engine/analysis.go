package engine

import (
	"context"
	"io"
	"strings"

	"github.com/seekerror/logw"
)

// Analysis is the scoped, lazy byte stream yielded by Driver.Analyse. It
// implements io.Reader so that an *http.Request body can pull it directly,
// one recv() cycle per Read call — the pull-driven behavior §9's "lazy
// streaming" design note requires. Callers MUST call Close on every exit
// path (normal completion, abandonment, or upload failure); Close sends
// stop and drains the stream to its terminating bestmove before returning,
// and refreshes the driver's last_used timestamp.
type Analysis struct {
	ctx    context.Context
	driver *Driver

	done     bool
	leftover []byte
}

// Read implements io.Reader. Each call blocks on recv() until either a
// score-bearing info line is available, the engine emits bestmove (io.EOF),
// or the engine dies (ErrEngineDied).
func (a *Analysis) Read(p []byte) (int, error) {
	if len(a.leftover) > 0 {
		n := copy(p, a.leftover)
		a.leftover = a.leftover[n:]
		return n, nil
	}
	if a.done {
		return 0, io.EOF
	}

	for {
		cmd, rest, err := a.driver.recv(a.ctx)
		if err != nil {
			a.done = true
			return 0, err
		}

		switch cmd {
		case "bestmove":
			a.done = true
			return 0, io.EOF

		case "info":
			if !strings.Contains(rest, "score") {
				continue // no score: drop, per §4.1 streaming rule
			}
			line := []byte(cmd + " " + rest + "\n")
			n := copy(p, line)
			if n < len(line) {
				a.leftover = line[n:]
			}
			return n, nil

		default:
			logw.Warningf(a.ctx, "Unexpected engine line during analysis: %v %v", cmd, rest)
		}
	}
}

// Close sends stop and drains the stream to completion, then updates
// last_used. Safe to call more than once; safe to call after Read has
// already returned io.EOF or an error.
func (a *Analysis) Close() error {
	a.driver.Stop(a.ctx)

	var buf [512]byte
	for {
		if _, err := a.Read(buf[:]); err != nil {
			break
		}
	}

	a.driver.touchLastUsed()
	return nil
}
