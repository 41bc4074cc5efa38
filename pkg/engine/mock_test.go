package engine

import (
	"bufio"
	"io"
	"sync"
)

// fakeProcess is a process that records Kill calls instead of signaling a
// real OS process, grounded on brighamskarda-chess's clientProgramMock.
type fakeProcess struct {
	mu    sync.Mutex
	kills int
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kills++
	return nil
}

func (p *fakeProcess) killCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

// scriptedEngine is a UCI engine stand-in wired to a Driver through a pair
// of io.Pipes, grounded on brighamskarda-chess's clientProgramMock. handle
// runs once per line the Driver sends, in a dedicated goroutine, and writes
// whatever response lines the scenario calls for to out.
type scriptedEngine struct {
	driverStdinW  *io.PipeWriter // Driver writes its commands here
	engineStdoutR *io.PipeReader // Driver reads engine output from here
	engineStdoutW *io.PipeWriter

	mu       sync.Mutex
	received []string
}

func newScriptedEngine(handle func(line string, out io.Writer)) *scriptedEngine {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	e := &scriptedEngine{driverStdinW: inW, engineStdoutR: outR, engineStdoutW: outW}

	go func() {
		scanner := bufio.NewScanner(inR)
		for scanner.Scan() {
			line := scanner.Text()
			e.mu.Lock()
			e.received = append(e.received, line)
			e.mu.Unlock()
			handle(line, outW)
		}
	}()

	return e
}

// driver returns a Driver wired to this scripted engine's pipes, paired
// with proc as its process handle.
func (e *scriptedEngine) driver(proc process) *Driver {
	return newDriver(proc, e.driverStdinW, e.engineStdoutR)
}

func (e *scriptedEngine) lines() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.received...)
}

func (e *scriptedEngine) close() {
	_ = e.driverStdinW.Close()
	_ = e.engineStdoutW.Close()
}
