// Package control implements the provider's supervising state machine: the
// single-threaded scheduler described in §4.3 that acquires work, preempts
// the previous job, restarts a dead or idle-terminated engine, and runs
// exactly one job at a time through a worker goroutine.
package control

import (
	"context"
	"errors"
	"time"

	"github.com/seekerror/logw"
	"github.com/seekerror/stdlib/pkg/util/iox"
	"lichessengine/pkg/broker"
	"lichessengine/pkg/engine"
	"lichessengine/pkg/provider"
)

// cooldown is the pause after an EngineDied, MalformedJob or upload
// HttpFailure, per §7.
const cooldown = 5 * time.Second

const (
	initialBackoff = 1.0
	backoffFactor  = 1.5
	maxBackoff     = 10.0
)

// jobHandle is the "started"/"last_future" pair of one-shot signals §4.3 and
// §5 describe: started fires once the preamble has been sent (so the loop
// knows it may safely acquire the next job); done fires once handleJob has
// fully returned (so the next iteration's preemption knows the worker has
// finished draining to bestmove).
type jobHandle struct {
	started iox.AsyncCloser
	done    iox.AsyncCloser
}

// Loop is the control loop state machine. Not safe for concurrent use by
// more than one goroutine calling Run/step.
type Loop struct {
	cfg    provider.Config
	broker *broker.Client
	secret string

	engine  *engine.Driver
	pending *jobHandle
	backoff float64
}

// NewLoop returns a Loop configured to acquire work under secret, using
// initialEngine (already handshaken, e.g. to discover supported variants
// for registration) as its first engine. initialEngine may be nil, in which
// case the loop constructs one lazily on the first acquired job.
func NewLoop(cfg provider.Config, client *broker.Client, secret string, initialEngine *engine.Driver) *Loop {
	return &Loop{cfg: cfg, broker: client, secret: secret, backoff: initialBackoff, engine: initialEngine}
}

// Run drives the loop until ctx is done. It never returns except by ctx
// cancellation — per §7, no failure is ever promoted to process
// termination.
func (l *Loop) Run(ctx context.Context) {
	for ctx.Err() == nil {
		l.step(ctx)
	}
}

// step runs one iteration of §4.3.
func (l *Loop) step(ctx context.Context) {
	job, err := l.broker.AcquireWork(ctx, l.secret)
	if err != nil {
		logw.Warningf(ctx, "Work acquisition failed, backing off %.2fs: %v", l.backoff, err)
		time.Sleep(time.Duration(l.backoff * float64(time.Second)))
		l.backoff = l.backoff * backoffFactor
		if l.backoff > maxBackoff {
			l.backoff = maxBackoff
		}
		return
	}
	l.backoff = initialBackoff

	if job == nil {
		if l.engine != nil && l.engine.Alive() && l.engine.IdleTime() > l.cfg.KeepAlive {
			logw.Infof(ctx, "Engine idle for %v, terminating", l.engine.IdleTime())
			l.engine.Terminate(ctx)
		}
		return
	}

	// Preempt the previous job (§4.3 step 3).
	if l.engine != nil {
		l.engine.Stop(ctx)
	}
	if l.pending != nil {
		<-l.pending.done.Closed()
	}

	// Rebuild the engine if it died or was idle-terminated (§4.3 step 4).
	if l.engine == nil || !l.engine.Alive() {
		eng, err := engine.New(ctx, l.cfg.EngineCmd, engine.WithOptions(l.cfg.ExtraOptions...))
		if err != nil {
			logw.Errorf(ctx, "Failed to construct engine, cooling down: %v", err)
			time.Sleep(cooldown)
			return
		}
		l.engine = eng
	}

	// Submit the job and block until its preamble has been sent (§4.3
	// steps 5-6).
	h := &jobHandle{started: iox.NewAsyncCloser(), done: iox.NewAsyncCloser()}
	l.pending = h
	go l.handleJob(ctx, *job, h)

	<-h.started.Closed()
}

// handleJob runs the analyse scope and streams its output to the broker.
// started is guaranteed to fire by Driver.Analyse regardless of outcome.
func (l *Loop) handleJob(ctx context.Context, job provider.Job, h *jobHandle) {
	defer h.done.Close()

	analysis, err := l.engine.Analyse(ctx, job, h.started)
	if err != nil {
		logw.Errorf(ctx, "Analyse %v failed, cooling down: %v", job.ID, err)
		time.Sleep(cooldown)
		return
	}
	defer analysis.Close()

	if err := l.broker.UploadWork(ctx, job.ID, analysis); err != nil {
		if errors.Is(err, broker.ErrPeerClosed) {
			logw.Infof(ctx, "Upload %v: peer closed connection", job.ID)
			return
		}
		logw.Errorf(ctx, "Upload %v failed, cooling down: %v", job.ID, err)
		time.Sleep(cooldown)
	}
}
