package judge

import (
	"context"

	"github.com/orneryd/munin/pkg/storage"
)

// Scripted is an in-process Judge for tests. Decisions and check results
// are returned in FIFO order; Err, when set, is returned from every call.
type Scripted struct {
	Decisions []*Decision
	Checks    [][]CheckResult
	Err       error

	// DecideCalls records the (candidate, matched) pairs seen.
	DecideCalls [][2]*storage.Piece
	// CheckCalls records the check lists requested.
	CheckCalls [][]string
}

func (s *Scripted) Decide(_ context.Context, candidate, matched *storage.Piece) (*Decision, error) {
	s.DecideCalls = append(s.DecideCalls, [2]*storage.Piece{candidate, matched})
	if s.Err != nil {
		return nil, s.Err
	}
	if len(s.Decisions) == 0 {
		return &Decision{Action: ActionAdd, Confidence: 1}, nil
	}
	d := s.Decisions[0]
	s.Decisions = s.Decisions[1:]
	return d, nil
}

func (s *Scripted) Check(_ context.Context, _ *storage.Piece, checks []string) ([]CheckResult, error) {
	s.CheckCalls = append(s.CheckCalls, checks)
	if s.Err != nil {
		return nil, s.Err
	}
	if len(s.Checks) == 0 {
		results := make([]CheckResult, len(checks))
		for i, name := range checks {
			results[i] = CheckResult{Check: name, Passed: true}
		}
		return results, nil
	}
	r := s.Checks[0]
	s.Checks = s.Checks[1:]
	return r, nil
}
