package provider

import "fmt"

// Work is the per-job analysis request.
type Work struct {
	SessionID  string   `json:"sessionId"`
	Threads    int      `json:"threads"`
	Hash       int      `json:"hash"`
	MultiPV    int      `json:"multiPv"`
	Variant    string   `json:"variant"`
	InitialFEN string   `json:"initialFen"`
	Moves      []string `json:"moves"`

	// Exactly one of the three is expected to be set.
	MoveTimeMs *int `json:"movetime,omitempty"`
	Depth      *int `json:"depth,omitempty"`
	Nodes      *int `json:"nodes,omitempty"`
}

// Job is one unit of work handed out by the broker. Created by the broker,
// consumed by exactly one analyse call, then discarded.
type Job struct {
	ID   string `json:"id"`
	Work Work   `json:"work"`
}

func (j Job) String() string {
	return fmt.Sprintf("Job{id=%v, session=%v, variant=%v}", j.ID, j.Work.SessionID, j.Work.Variant)
}
