// Package dial runs the staged parallel dial race (direct → punch →
// relay) described in §4.7: as soon as one transport connects, every
// other in-flight attempt is cancelled cooperatively, and only the first
// attempt whose handshake succeeds is ever handed application data.
package dial

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"aetherlink/internal/candidate"
	"aetherlink/internal/errkind"
	"aetherlink/internal/transport"
)

// PathCategory records which phase produced the winning transport.
type PathCategory string

const (
	PathDirect  PathCategory = "direct"
	PathPunched PathCategory = "punched"
	PathRelayed PathCategory = "relayed"
)

// Schedule times and phase budgets, relative to race start (§4.7).
const (
	PunchPhaseStart = 200 * time.Millisecond
	RelayPhaseStart = 1600 * time.Millisecond

	DirectBudget = 1500 * time.Millisecond
	PunchBudget  = 2200 * time.Millisecond
	RelayBudget  = 2500 * time.Millisecond
)

// Result is the winning transport of a completed race.
type Result struct {
	Handle transport.Handle
	Path   PathCategory
	Addr   string
}

// Coordinator races dial attempts across one target's candidate set.
type Coordinator struct {
	Host transport.Host
	Log  *logrus.Entry
}

// New builds a dial coordinator over a transport host.
func New(host transport.Host, log *logrus.Entry) *Coordinator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{Host: host, Log: log}
}

// phaseOf classifies a candidate into one of the three dial phases. Relay
// advertisements always race last; among the rest, higher-priority
// (direct-IPv6/direct-public) candidates race immediately and
// lower-priority ones (LAN-observed, behind-NAT) wait for the punch phase.
func phaseOf(c candidate.Candidate) PathCategory {
	switch {
	case c.Source == candidate.SourceRelayAdvert:
		return PathRelayed
	case c.Priority >= 2:
		return PathDirect
	default:
		return PathPunched
	}
}

// Race runs the staged dial race to completion, returning the first
// transport to connect or NoPath if every phase is exhausted. Cancellation
// of losing attempts is cooperative: each dial attempt carries a
// cancellation token derived from raceCtx and honors it at its next
// suspension point inside Host.Dial.
func (c *Coordinator) Race(ctx context.Context, candidates []candidate.Candidate) (*Result, error) {
	return c.RaceObserved(ctx, candidates, nil)
}

// RaceObserved is Race with an optional callback invoked as each phase
// begins (only for phases with at least one candidate), letting a caller
// surface sub-state transitions (e.g. to a session state machine) without
// duplicating the phase schedule.
func (c *Coordinator) RaceObserved(ctx context.Context, candidates []candidate.Candidate, onPhase func(PathCategory)) (*Result, error) {
	raceCtx, cancelRace := context.WithCancel(ctx)
	defer cancelRace()

	var direct, punch, relay []candidate.Candidate
	for _, cand := range candidates {
		switch phaseOf(cand) {
		case PathDirect:
			direct = append(direct, cand)
		case PathPunched:
			punch = append(punch, cand)
		case PathRelayed:
			relay = append(relay, cand)
		}
	}

	winCh := make(chan *Result, 1)
	var once sync.Once
	var errs multierror.Error
	var errsMu sync.Mutex

	var wg sync.WaitGroup
	startPhase := func(phase PathCategory, delay time.Duration, cands []candidate.Candidate, budget time.Duration) {
		if len(cands) == 0 {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-raceCtx.Done():
				return
			case <-time.After(delay):
			}
			if onPhase != nil {
				onPhase(phase)
			}
			phaseCtx, cancelPhase := context.WithTimeout(raceCtx, budget)
			defer cancelPhase()

			var phaseWG sync.WaitGroup
			for _, cand := range cands {
				cand := cand
				phaseWG.Add(1)
				go func() {
					defer phaseWG.Done()
					handle, err := c.Host.Dial(phaseCtx, cand.Address)
					if err != nil {
						if phaseCtx.Err() == nil {
							errsMu.Lock()
							errs.Errors = append(errs.Errors, err)
							errsMu.Unlock()
						}
						return
					}
					won := false
					once.Do(func() {
						won = true
						winCh <- &Result{Handle: handle, Path: phase, Addr: cand.Address}
					})
					if !won {
						_ = c.Host.Close(handle)
					}
				}()
			}
			phaseWG.Wait()
		}()
	}

	startPhase(PathDirect, 0, direct, DirectBudget)
	startPhase(PathPunched, PunchPhaseStart, punch, PunchBudget)
	startPhase(PathRelayed, RelayPhaseStart, relay, RelayBudget)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case res := <-winCh:
		cancelRace()
		<-done
		return res, nil
	case <-done:
		errsMu.Lock()
		defer errsMu.Unlock()
		if len(errs.Errors) == 0 {
			return nil, errkind.New(errkind.NoPath, nil)
		}
		return nil, errkind.New(errkind.NoPath, errs.ErrorOrNil())
	case <-ctx.Done():
		cancelRace()
		<-done
		return nil, ctx.Err()
	}
}
