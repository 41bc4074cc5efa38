// Package engine drives a single UCI-speaking chess engine subprocess: the
// handshake, option bookkeeping, and the scoped analyse operation that turns
// a Job into a filtered, lazily-pulled byte stream.
package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/seekerror/logw"
	"github.com/seekerror/stdlib/pkg/util/iox"
	"go.uber.org/atomic"
	"lichessengine/pkg/provider"
)

// Option configures a Driver at construction.
type Option func(*options)

type options struct {
	extra []provider.SetOption
}

// WithOptions appends extra (name, value) pairs applied, in order, right
// after the mandatory handshake options.
func WithOptions(extra ...provider.SetOption) Option {
	return func(o *options) {
		o.extra = append(o.extra, extra...)
	}
}

// process is the subset of *exec.Cmd's running-process surface Driver needs.
// Separated out so tests can drive the handshake/analyse logic against an
// io.Pipe-backed fake engine instead of a real subprocess.
type process interface {
	Kill() error
}

// Driver owns one engine subprocess and exposes the synchronous UCI
// handshake, option setting, and the scoped analyse operation. A Driver
// drives at most one subprocess for its lifetime (I1); once Terminate is
// called or the subprocess dies, construct a fresh Driver.
type Driver struct {
	proc   process
	stdin  io.WriteCloser
	stdout *bufio.Scanner

	mu                sync.Mutex // guards the fields below
	sessionID         string
	threads           int
	hash              int
	multiPV           int
	variant           string
	supportedVariants []string

	// stopMu serializes the cross-thread stop write against whatever the
	// analysing goroutine happens to be writing. It is the only lock ever
	// held across a write to stdin.
	stopMu sync.Mutex

	alive    atomic.Bool
	lastUsed atomic.Int64 // UnixNano
}

// New spawns the engine command line and runs the UCI handshake. On any
// failure the subprocess is terminated and an error returned.
func New(ctx context.Context, commandLine string, opts ...Option) (*Driver, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", commandLine)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine %q: %w", commandLine, err)
	}

	logw.Infof(ctx, "Started engine: %v", commandLine)

	d := newDriver(cmd.Process, stdin, stdout)
	if err := d.handshake(ctx, o.extra); err != nil {
		d.Terminate(ctx)
		return nil, err
	}
	return d, nil
}

// newDriver wires up a Driver around an already-running proc and its stdin/
// stdout pipes, without performing the handshake. Test code in this package
// drives it directly against an io.Pipe-backed fake engine.
func newDriver(proc process, stdin io.WriteCloser, stdout io.Reader) *Driver {
	d := &Driver{
		proc:   proc,
		stdin:  stdin,
		stdout: newLineScanner(stdout),
	}
	d.alive.Store(true)
	d.touchLastUsed()
	return d
}

// handshake implements §4.1: write uci, read option/uciok lines, then apply
// the mandatory UCI_AnalyseMode/UCI_Chess960 options followed by any
// config-supplied extras, in order.
func (d *Driver) handshake(ctx context.Context, extra []provider.SetOption) error {
	if err := d.send(ctx, "uci"); err != nil {
		return fmt.Errorf("send uci: %w", err)
	}
	for {
		cmd, rest, err := d.recv(ctx)
		if err != nil {
			return err
		}
		if cmd == "option" {
			d.parseOptionLine(rest)
			continue
		}
		if cmd == "uciok" {
			break
		}
	}

	for _, kv := range []provider.SetOption{
		{Name: "UCI_AnalyseMode", Value: "true"},
		{Name: "UCI_Chess960", Value: "true"},
	} {
		if err := d.setOption(ctx, kv.Name, kv.Value); err != nil {
			return err
		}
	}
	for _, kv := range extra {
		if err := d.setOption(ctx, kv.Name, kv.Value); err != nil {
			return err
		}
	}

	d.mu.Lock()
	variants := append([]string{}, d.supportedVariants...)
	d.mu.Unlock()
	logw.Infof(ctx, "Engine handshake complete, supported_variants=%v", variants)
	return nil
}

// parseOptionLine tokenizes a line following "option " and, when the option
// is UCI_Variant, appends each subsequent "var NAME" token to
// supportedVariants.
func (d *Driver) parseOptionLine(rest string) {
	fields := strings.Fields(rest)

	isVariant := false
	for i := 0; i < len(fields); i++ {
		switch fields[i] {
		case "name":
			isVariant = i+1 < len(fields) && fields[i+1] == "UCI_Variant"
		case "var":
			if isVariant && i+1 < len(fields) {
				d.mu.Lock()
				d.supportedVariants = append(d.supportedVariants, fields[i+1])
				d.mu.Unlock()
			}
		}
	}
}

// SupportedVariants returns the variants discovered during handshake, or
// {"chess"} if the engine advertised none (§4.4).
func (d *Driver) SupportedVariants() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.supportedVariants) == 0 {
		return []string{"chess"}
	}
	return append([]string{}, d.supportedVariants...)
}

// send writes a single UCI command line. Every write to stdin, from
// whichever goroutine, goes through stopMu so that stop (§5, "concurrent
// writers to stdin") never interleaves mid-line with the analysing
// goroutine's own writes.
func (d *Driver) send(ctx context.Context, cmd string) error {
	d.stopMu.Lock()
	defer d.stopMu.Unlock()

	logw.Debugf(ctx, ">> %v", cmd)
	_, err := fmt.Fprintf(d.stdin, "%s\n", cmd)
	return err
}

// recv reads one non-empty line and splits it into its leading token and
// the remainder. EOF sets alive=false and returns ErrEngineDied (I5).
func (d *Driver) recv(ctx context.Context) (string, string, error) {
	for {
		if !d.stdout.Scan() {
			d.alive.Store(false)
			if err := d.stdout.Err(); err != nil {
				return "", "", fmt.Errorf("%w: %v", ErrEngineDied, err)
			}
			return "", "", ErrEngineDied
		}
		line := strings.TrimSpace(d.stdout.Text())
		if line == "" {
			continue
		}
		logw.Debugf(ctx, "<< %v", line)

		cmd, rest, _ := strings.Cut(line, " ")
		return cmd, rest, nil
	}
}

// isReady sends isready and consumes lines until readyok (§4.1).
func (d *Driver) isReady(ctx context.Context) error {
	if err := d.send(ctx, "isready"); err != nil {
		return err
	}
	for {
		cmd, _, err := d.recv(ctx)
		if err != nil {
			return err
		}
		if cmd == "readyok" {
			return nil
		}
	}
}

// setOption sends setoption without waiting for an acknowledgment; callers
// that depend on the change must interpose isReady (§4.1).
func (d *Driver) setOption(ctx context.Context, name, value string) error {
	return d.send(ctx, fmt.Sprintf("setoption name %s value %s", name, value))
}

// Analyse runs the preamble for job (§4.1 steps 1-4) and, on success,
// returns an Analysis that lazily yields score-bearing info lines as it is
// Read. started is closed once the preamble has been fully sent (after go),
// regardless of whether Analyse ultimately succeeds or fails, so that a
// control loop waiting on it never deadlocks (§4.3 handle_job).
func (d *Driver) Analyse(ctx context.Context, job provider.Job, started iox.AsyncCloser) (*Analysis, error) {
	defer started.Close()

	work := job.Work

	d.mu.Lock()
	sameSession := work.SessionID == d.sessionID
	d.mu.Unlock()

	if !sameSession {
		d.mu.Lock()
		d.sessionID = work.SessionID
		d.mu.Unlock()

		if err := d.send(ctx, "ucinewgame"); err != nil {
			return nil, err
		}
		if err := d.isReady(ctx); err != nil {
			return nil, err
		}
	}

	variant := work.Variant
	if variant == "" {
		variant = "chess" // open question (c): older brokers may omit variant
	}

	changed := false
	d.mu.Lock()
	threadsChanged := work.Threads != d.threads
	hashChanged := work.Hash != d.hash
	multiPVChanged := work.MultiPV != d.multiPV
	variantChanged := variant != d.variant
	d.mu.Unlock()

	if threadsChanged {
		if err := d.setOption(ctx, "Threads", strconv.Itoa(work.Threads)); err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.threads = work.Threads
		d.mu.Unlock()
		changed = true
	}
	if hashChanged {
		if err := d.setOption(ctx, "Hash", strconv.Itoa(work.Hash)); err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.hash = work.Hash
		d.mu.Unlock()
		changed = true
	}
	if multiPVChanged {
		if err := d.setOption(ctx, "MultiPV", strconv.Itoa(work.MultiPV)); err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.multiPV = work.MultiPV
		d.mu.Unlock()
		changed = true
	}
	if variantChanged {
		if err := d.setOption(ctx, "UCI_Variant", variant); err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.variant = variant
		d.mu.Unlock()
		changed = true
	}
	if changed {
		if err := d.isReady(ctx); err != nil {
			return nil, err
		}
	}

	pos := fmt.Sprintf("position fen %s moves %s", work.InitialFEN, strings.Join(work.Moves, " "))
	if err := d.send(ctx, pos); err != nil {
		return nil, err
	}

	goCmd, err := buildGoCommand(work)
	if err != nil {
		return nil, err
	}
	if err := d.send(ctx, goCmd); err != nil {
		return nil, err
	}

	logw.Infof(ctx, "Analysing %v", job)
	return &Analysis{ctx: ctx, driver: d}, nil
}

// buildGoCommand picks the first of (movetime, depth, nodes) present in
// work, per §4.1 step 4. Exactly one is expected; none present is a
// MalformedJob.
func buildGoCommand(w provider.Work) (string, error) {
	switch {
	case w.MoveTimeMs != nil:
		return fmt.Sprintf("go movetime %d", *w.MoveTimeMs), nil
	case w.Depth != nil:
		return fmt.Sprintf("go depth %d", *w.Depth), nil
	case w.Nodes != nil:
		return fmt.Sprintf("go nodes %d", *w.Nodes), nil
	default:
		return "", ErrMalformedJob
	}
}

// Stop is a no-op if the engine is not alive. Otherwise it sends stop under
// stopMu. Idempotent and safe to call from a thread other than the one
// streaming Analysis output.
func (d *Driver) Stop(ctx context.Context) {
	if !d.alive.Load() {
		return
	}
	d.stopMu.Lock()
	defer d.stopMu.Unlock()

	if !d.alive.Load() {
		return
	}
	logw.Debugf(ctx, ">> stop")
	_, _ = fmt.Fprintf(d.stdin, "stop\n")
}

// Terminate marks the engine dead and force-kills the subprocess. Stdout
// then EOFs, unblocking any pending recv. Open question (b): no separate
// graceful-then-forceful stop deadline is implemented; the default is to
// trust the engine for the ordinary stop() path, and to kill outright here
// since Terminate is explicitly an OS-level teardown.
func (d *Driver) Terminate(ctx context.Context) {
	if !d.alive.CompareAndSwap(true, false) {
		return
	}
	logw.Infof(ctx, "Terminating engine")
	if d.proc != nil {
		_ = d.proc.Kill()
	}
	_ = d.stdin.Close()
}

// Alive reports whether the engine is still believed to be running.
func (d *Driver) Alive() bool {
	return d.alive.Load()
}

// IdleTime is how long it has been since the last analysis completed, or
// since the Driver was created if no analysis has completed yet.
func (d *Driver) IdleTime() time.Duration {
	return time.Since(time.Unix(0, d.lastUsed.Load()))
}

func (d *Driver) touchLastUsed() {
	d.lastUsed.Store(time.Now().UnixNano())
}
