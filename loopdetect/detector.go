package loopdetect

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/leonardorey-coder/promptscript/plan"
)

const (
	KindExactRepeat = "exact_repeat"
	KindActionCycle = "action_cycle"
	KindFailureLoop = "failure_loop"
	KindOscillation = "oscillation"
)

// LoopError is raised only when the run is configured to halt on loops.
type LoopError struct {
	Kind       string
	Suggestion string
}

func (e LoopError) Error() string {
	return fmt.Sprintf("LoopDetected: %s (%s)", e.Kind, e.Suggestion)
}

type fingerprint struct {
	action   string
	argsHash uint64
	success  bool
}

type Config struct {
	WindowSize             int
	MaxRepeats             int
	MaxConsecutiveFailures int
}

func DefaultConfig() Config {
	return Config{WindowSize: 20, MaxRepeats: 4, MaxConsecutiveFailures: 5}
}

// Detector keeps a sliding window of plan fingerprints and flags the
// pathological patterns an agent loop falls into. A single Observe call
// advances at most one rule.
type Detector struct {
	cfg    Config
	window []fingerprint

	detected   bool
	kind       string
	suggestion string
}

func New(cfg Config) *Detector {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if cfg.MaxRepeats <= 0 {
		cfg.MaxRepeats = 4
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	return &Detector{cfg: cfg}
}

func (d *Detector) Detected() bool     { return d.detected }
func (d *Detector) Kind() string       { return d.kind }
func (d *Detector) Suggestion() string { return d.suggestion }

// Err renders the detection as the fatal error used under halt-on-loop.
func (d *Detector) Err() error {
	return LoopError{Kind: d.kind, Suggestion: d.suggestion}
}

// MarkLastFailure flips the newest fingerprint to a failure after its
// action has actually run; the failure-streak rule sees it on the next
// Observe.
func (d *Detector) MarkLastFailure() {
	if len(d.window) > 0 {
		d.window[len(d.window)-1].success = false
	}
}

// Observe appends the fingerprint of one produced Plan and runs the
// detection rules in order. It returns true when a loop was (newly or
// previously) detected.
func (d *Detector) Observe(p plan.Plan, success bool) bool {
	fp := fingerprint{
		action:   string(p.Action),
		argsHash: hashArgs(p.Args),
		success:  success,
	}
	d.window = append(d.window, fp)
	if len(d.window) > d.cfg.WindowSize {
		d.window = d.window[len(d.window)-d.cfg.WindowSize:]
	}

	if d.detected {
		return true
	}

	switch {
	case d.exactRepeat():
		d.mark(KindExactRepeat, "the same action with identical arguments keeps repeating; change approach or stop")
	case d.actionCycle():
		d.mark(KindActionCycle, "a short action cycle keeps repeating; break the cycle or gather new information")
	case d.failureLoop():
		d.mark(KindFailureLoop, "every recent action failed; reconsider the approach before retrying")
	case d.oscillation():
		d.mark(KindOscillation, "actions oscillate between two alternatives; pick one and commit")
	}
	return d.detected
}

func (d *Detector) mark(kind, suggestion string) {
	d.detected = true
	d.kind = kind
	d.suggestion = suggestion
}

// exactRepeat: the last maxRepeats entries share (action, argsHash).
func (d *Detector) exactRepeat() bool {
	n := d.cfg.MaxRepeats
	if len(d.window) < n {
		return false
	}
	last := d.window[len(d.window)-1]
	for i := 0; i < n; i++ {
		fp := d.window[len(d.window)-1-i]
		if fp.action != last.action || fp.argsHash != last.argsHash {
			return false
		}
	}
	return true
}

// actionCycle: the last k actions equal the preceding k, with at least 3
// contiguous repetitions, for k in {2,3,4}. A strict two-action
// alternation is left for the oscillation rule.
func (d *Detector) actionCycle() bool {
	for _, k := range []int{2, 3, 4} {
		if k == 2 && d.oscillation() {
			continue
		}
		if len(d.window) < 3*k {
			continue
		}
		reps := 0
		for off := len(d.window) - k; off-k >= 0; off -= k {
			if d.segmentsEqual(off, off-k, k) {
				reps++
			} else {
				break
			}
		}
		if reps+1 >= 3 {
			return true
		}
	}
	return false
}

func (d *Detector) segmentsEqual(a, b, k int) bool {
	for i := 0; i < k; i++ {
		if d.window[a+i].action != d.window[b+i].action {
			return false
		}
	}
	return true
}

// failureLoop: maxConsecutiveFailures entries in a row with success=false.
func (d *Detector) failureLoop() bool {
	n := d.cfg.MaxConsecutiveFailures
	if len(d.window) < n {
		return false
	}
	for i := 0; i < n; i++ {
		if d.window[len(d.window)-1-i].success {
			return false
		}
	}
	return true
}

// oscillation: the last 6 actions follow a strict A-B-A-B-A-B pattern.
func (d *Detector) oscillation() bool {
	if len(d.window) < 6 {
		return false
	}
	tail := d.window[len(d.window)-6:]
	a, b := tail[0].action, tail[1].action
	if a == b {
		return false
	}
	for i, fp := range tail {
		want := a
		if i%2 == 1 {
			want = b
		}
		if fp.action != want {
			return false
		}
	}
	return true
}

// hashArgs computes a stable hash over the canonicalized args: keys sorted
// recursively, then FNV-1a over the rendered JSON.
func hashArgs(args map[string]any) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(canonicalJSON(args))
	return h.Sum64()
}

func canonicalJSON(v any) []byte {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			out = append(out, canonicalJSON(t[k])...)
		}
		return append(out, '}')
	case []any:
		out := []byte{'['}
		for i, e := range t {
			if i > 0 {
				out = append(out, ',')
			}
			out = append(out, canonicalJSON(e)...)
		}
		return append(out, ']')
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return []byte(fmt.Sprintf("%v", v))
		}
		return b
	}
}
