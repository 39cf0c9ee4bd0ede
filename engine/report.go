package engine

import (
	"time"

	"alarmsync/reconcile"
	"alarmsync/selection"
)

// TripleResult is the outcome of one triple.
type TripleResult struct {
	HMI        string           `json:"hmi"`
	PLC        string           `json:"plc"`
	Block      string           `json:"block"`
	Connection string           `json:"connection"`
	Folder     string           `json:"folder,omitempty"`
	Candidates int              `json:"candidates"`
	Counts     reconcile.Counts `json:"counts"`
	Skipped    bool             `json:"skipped,omitempty"`
	Cancelled  bool             `json:"cancelled,omitempty"`
	Error      string           `json:"error,omitempty"`
	Duration   time.Duration    `json:"duration"`
}

func newTripleResult(t selection.Triple) TripleResult {
	return TripleResult{
		HMI:        t.HMI.Name,
		PLC:        t.PLC.Name,
		Block:      t.Block.Name,
		Connection: t.Connection,
		Folder:     t.Folder,
	}
}

// Report summarizes a run.
type Report struct {
	ID         string           `json:"id"`
	Selections []string         `json:"selections"`
	DryRun     bool             `json:"dry_run,omitempty"`
	Started    time.Time        `json:"started"`
	Finished   time.Time        `json:"finished"`
	Triples    []TripleResult   `json:"triples"`
	Notices    []string         `json:"notices,omitempty"`
	Totals     reconcile.Counts `json:"totals"`
	Failed     int              `json:"failed"`
	Cancelled  bool             `json:"cancelled,omitempty"`
	Error      string           `json:"error,omitempty"`
}

func (r *Report) add(res TripleResult) {
	r.Triples = append(r.Triples, res)
	r.Totals.Add(res.Counts)
	if res.Error != "" {
		r.Failed++
	}
}

// HMIs returns the HMI names touched by the run, in first-seen order.
func (r *Report) HMIs() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range r.Triples {
		if !seen[t.HMI] {
			seen[t.HMI] = true
			out = append(out, t.HMI)
		}
	}
	return out
}
