package jury

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrInsufficientQuorum is returned when less than quorum weight of jurors
// responded within budget. Callers fail closed.
var ErrInsufficientQuorum = errors.New("insufficient quorum")

// WeightedJuror pairs a juror with its configured consensus weight in [0,1].
type WeightedJuror struct {
	Juror  Juror
	Weight float64
}

// Decision is the aggregated outcome of a deliberation.
type Decision struct {
	Approved       bool
	ConsensusRatio float64
	Ballots        []Ballot
	Reasoning      string
}

// Config mirrors the process-wide jury options.
type Config struct {
	QuorumThreshold   float64       // acceptance ratio, default 0.66
	UnanimousRequired bool          // all non-abstaining jurors must agree
	JurorTimeout      time.Duration // per-juror budget, default 200ms
}

func DefaultConfig() Config {
	return Config{QuorumThreshold: 0.66, JurorTimeout: 200 * time.Millisecond}
}

// Jury runs the panel in parallel with a barrier join, then aggregates by
// weighted consensus.
type Jury struct {
	jurors []WeightedJuror
	cfg    Config
}

func New(jurors []WeightedJuror, cfg Config) (*Jury, error) {
	if len(jurors) < 3 {
		return nil, fmt.Errorf("jury: need at least 3 jurors, got %d", len(jurors))
	}
	for _, wj := range jurors {
		if wj.Weight < 0 || wj.Weight > 1 {
			return nil, fmt.Errorf("jury: weight out of range for juror %s", wj.Juror.Name())
		}
	}
	return &Jury{jurors: jurors, cfg: cfg}, nil
}

// Deliberate runs every juror under its per-juror budget and combines the
// ballots. A juror missing its budget counts as ABSTAIN with weight zero; if
// less than quorum weight returned at all, the deliberation fails closed.
func (j *Jury) Deliberate(ctx context.Context, req *Request) (*Decision, error) {
	type outcome struct {
		idx    int
		ballot Ballot
		err    error
	}

	results := make(chan outcome, len(j.jurors))
	var wg sync.WaitGroup
	for i, wj := range j.jurors {
		wg.Add(1)
		go func(idx int, wj WeightedJuror) {
			defer wg.Done()
			jctx, cancel := context.WithTimeout(ctx, j.cfg.JurorTimeout)
			defer cancel()

			done := make(chan outcome, 1)
			go func() {
				ballot, err := wj.Juror.Evaluate(jctx, req)
				done <- outcome{idx: idx, ballot: ballot, err: err}
			}()

			select {
			case out := <-done:
				results <- out
			case <-jctx.Done():
				results <- outcome{idx: idx, err: jctx.Err()}
			}
		}(i, wj)
	}
	wg.Wait()
	close(results)

	ballots := make([]Ballot, 0, len(j.jurors))
	var totalWeight, returnedWeight, approveWeight float64
	var reasons []string

	collected := make(map[int]outcome, len(j.jurors))
	for out := range results {
		collected[out.idx] = out
	}

	for idx, wj := range j.jurors {
		totalWeight += wj.Weight
		out, ok := collected[idx]
		if !ok || out.err != nil {
			// Timed out or errored: ABSTAIN with weight zero.
			ballots = append(ballots, Ballot{Juror: wj.Juror.Name(), Vote: VoteAbstain,
				Reasoning: "no response within budget"})
			continue
		}
		returnedWeight += wj.Weight
		ballots = append(ballots, out.ballot)
		if out.ballot.Vote == VoteApprove {
			approveWeight += wj.Weight
		}
		if out.ballot.Reasoning != "" {
			reasons = append(reasons, fmt.Sprintf("%s: %s", out.ballot.Juror, out.ballot.Reasoning))
		}
	}

	if totalWeight == 0 {
		return nil, ErrInsufficientQuorum
	}
	if returnedWeight/totalWeight < j.cfg.QuorumThreshold {
		return nil, fmt.Errorf("%w: %.2f of weight responded", ErrInsufficientQuorum, returnedWeight/totalWeight)
	}

	ratio := approveWeight / totalWeight
	approved := ratio >= j.cfg.QuorumThreshold

	if approved && j.cfg.UnanimousRequired {
		approved = unanimous(ballots)
	}

	return &Decision{
		Approved:       approved,
		ConsensusRatio: ratio,
		Ballots:        ballots,
		Reasoning:      strings.Join(reasons, "; "),
	}, nil
}

// unanimous requires every returned vote to be identical; abstentions from
// timed-out jurors carry no weight and do not break unanimity.
func unanimous(ballots []Ballot) bool {
	var first Vote
	for _, b := range ballots {
		if b.Vote == VoteAbstain {
			continue
		}
		if first == "" {
			first = b.Vote
		} else if b.Vote != first {
			return false
		}
	}
	return true
}
