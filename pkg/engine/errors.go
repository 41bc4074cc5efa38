package engine

import "errors"

// ErrEngineDied is returned by recv (and, transitively, by Analyse and
// Analysis.Read) when the engine's stdout reaches EOF.
var ErrEngineDied = errors.New("engine died")

// ErrMalformedJob is returned by Analyse when a job specifies none of
// movetime, depth or nodes.
var ErrMalformedJob = errors.New("malformed job: none of movetime, depth, nodes set")
