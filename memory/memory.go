package memory

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/leonardorey-coder/promptscript/glob"
	"github.com/leonardorey-coder/promptscript/runlog"
	"github.com/leonardorey-coder/promptscript/sandbox"
)

const MemoryDir = ".ps-memory"

const defaultWindowSteps = 20

// STMEvent is one entry of a short-term memory window.
type STMEvent struct {
	Type      string    `json:"type"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// STM is a volatile short-term window keyed by caller-supplied name.
type STM struct {
	Summary      string     `json:"summary"`
	Objective    string     `json:"objective,omitempty"`
	Context      any        `json:"context,omitempty"`
	RecentEvents []STMEvent `json:"recent_events"`
	WindowSteps  int        `json:"window_steps"`
}

// LTM is a keyword-indexed knowledge base persisted under
// .ps-memory/<name>/ltm.json.
type LTM struct {
	Facts         map[string]any      `json:"facts"`
	FileSummaries map[string]string   `json:"file_summaries"`
	Capabilities  []string            `json:"capabilities"`
	Glossary      map[string]string   `json:"glossary"`
	Index         map[string][]string `json:"index"`
}

func newLTM() *LTM {
	return &LTM{
		Facts:         map[string]any{},
		FileSummaries: map[string]string{},
		Glossary:      map[string]string{},
		Index:         map[string][]string{},
	}
}

// Milestone is one verifiable entry of a checkpoint.
type Milestone struct {
	OK       bool   `json:"ok"`
	Evidence string `json:"evidence,omitempty"`
}

// Checkpoint survives Forget and carries the compact state of a task.
type Checkpoint struct {
	Milestones map[string]Milestone `json:"milestones"`
	Next       string               `json:"next"`
	Timestamp  time.Time            `json:"timestamp"`
}

// Chunk is one recall hit.
type Chunk struct {
	Source    string  `json:"source"`
	Content   string  `json:"content"`
	Relevance float64 `json:"relevance"`
}

// Store holds every memory partition of one process. STM is volatile; LTM
// persists under the project root.
type Store struct {
	root  string
	clock runlog.Clock

	stm         map[string]*STM
	ltm         map[string]*LTM
	checkpoints map[string]*Checkpoint
	archiveSeq  int
}

func NewStore(root string, clock runlog.Clock) *Store {
	return &Store{
		root:        root,
		clock:       clock,
		stm:         map[string]*STM{},
		ltm:         map[string]*LTM{},
		checkpoints: map[string]*Checkpoint{},
	}
}

// STM returns the named short-term window, creating it on first use.
func (s *Store) STM(name string) *STM {
	m, ok := s.stm[name]
	if !ok {
		m = &STM{WindowSteps: defaultWindowSteps}
		s.stm[name] = m
	}
	return m
}

// RecordEvent appends one event to the named window, trimming to the
// window size.
func (s *Store) RecordEvent(name, eventType, detail string) {
	m := s.STM(name)
	m.RecentEvents = append(m.RecentEvents, STMEvent{
		Type:      eventType,
		Detail:    detail,
		Timestamp: s.clock.Now(),
	})
	if m.WindowSteps > 0 && len(m.RecentEvents) > m.WindowSteps {
		m.RecentEvents = m.RecentEvents[len(m.RecentEvents)-m.WindowSteps:]
	}
}

// SetSummary overwrites the window's summary (the summarize builtin).
func (s *Store) SetSummary(name, summary string) {
	s.STM(name).Summary = summary
}

// SetCheckpoint records the named checkpoint.
func (s *Store) SetCheckpoint(name string, cp Checkpoint) {
	cp.Timestamp = s.clock.Now()
	s.checkpoints[name] = &cp
}

func (s *Store) Checkpoint(name string) *Checkpoint {
	return s.checkpoints[name]
}

// EstimateTokens is the runtime's coarse token estimate over the
// serialized form of v.
func EstimateTokens(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int(math.Ceil(float64(len(b)) / 4))
}

// ForgetResult reports the effect of a Forget call.
type ForgetResult struct {
	BeforeTokens int `json:"before_tokens"`
	AfterTokens  int `json:"after_tokens"`
}

// Forget transforms the named STM: "compact" keeps the last 3 events and a
// one-line checkpoint recap, "reset" keeps only a checkpoint-derived
// summary, "keep_last" truncates recent events to keepN.
func (s *Store) Forget(name, mode string, keepN int) (ForgetResult, error) {
	m := s.STM(name)
	before := EstimateTokens(m)

	switch mode {
	case "compact":
		m.Summary = s.checkpointRecap(name)
		if len(m.RecentEvents) > 3 {
			m.RecentEvents = m.RecentEvents[len(m.RecentEvents)-3:]
		}

	case "reset":
		m.Summary = s.checkpointRecap(name)
		m.RecentEvents = nil
		m.Context = nil

	case "keep_last":
		if keepN < 0 {
			keepN = 0
		}
		if len(m.RecentEvents) > keepN {
			m.RecentEvents = m.RecentEvents[len(m.RecentEvents)-keepN:]
		}

	default:
		return ForgetResult{}, fmt.Errorf("unknown forget mode: %q", mode)
	}

	return ForgetResult{BeforeTokens: before, AfterTokens: EstimateTokens(m)}, nil
}

// checkpointRecap renders a one-line summary of the named checkpoint, or a
// generic line when none exists.
func (s *Store) checkpointRecap(name string) string {
	cp := s.checkpoints[name]
	if cp == nil {
		return fmt.Sprintf("memory %q compacted; no checkpoint recorded", name)
	}
	done := 0
	for _, ms := range cp.Milestones {
		if ms.OK {
			done++
		}
	}
	return fmt.Sprintf("checkpoint: %d/%d milestones done; next: %s", done, len(cp.Milestones), cp.Next)
}

// Archive copies the STM digest into the named LTM as a fact under a
// unique archive key and optionally discards the STM.
func (s *Store) Archive(key, toLTM string, clearSTM bool) (string, error) {
	if toLTM == "" {
		toLTM = key
	}
	m := s.STM(key)

	lt, err := s.LTM(toLTM)
	if err != nil {
		return "", err
	}

	s.archiveSeq++
	archiveKey := fmt.Sprintf("archive-%d-%d", s.clock.Now().Unix(), s.archiveSeq)
	lt.Facts[archiveKey] = map[string]any{
		"summary":   m.Summary,
		"objective": m.Objective,
		"events":    len(m.RecentEvents),
	}
	if err := s.persistLTM(toLTM, lt); err != nil {
		return "", err
	}

	if clearSTM {
		delete(s.stm, key)
	}
	return archiveKey, nil
}

// LTM returns the named knowledge base, loading it from disk on first use.
func (s *Store) LTM(name string) (*LTM, error) {
	if lt, ok := s.ltm[name]; ok {
		return lt, nil
	}

	lt := newLTM()
	path := s.ltmPath(name)
	if b, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(b, lt); err != nil {
			return nil, fmt.Errorf("corrupt ltm %q: %w", name, err)
		}
	}
	s.ltm[name] = lt
	return lt, nil
}

func (s *Store) ltmPath(name string) string {
	return filepath.Join(s.root, MemoryDir, name, "ltm.json")
}

func (s *Store) persistLTM(name string, lt *LTM) error {
	path := s.ltmPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(lt, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

const (
	buildMaxFileBytes = 500_000
	summaryHeadBytes  = 400
)

// Build creates or refreshes the named LTM from the files matching globs
// under the project root and persists it. Mode "refresh" starts from the
// existing entry, anything else from scratch.
func (s *Store) Build(name string, globs []string, mode string) (*LTM, error) {
	var lt *LTM
	if mode == "refresh" {
		existing, err := s.LTM(name)
		if err != nil {
			return nil, err
		}
		lt = existing
	} else {
		lt = newLTM()
		s.ltm[name] = lt
	}

	var files []string
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		rel := sandbox.Rel(s.root, path)
		if sandbox.IsSensitive(rel) || strings.HasPrefix(rel, MemoryDir) || strings.HasPrefix(rel, runlog.RunsDir) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if len(globs) > 0 && !glob.MatchAny(globs, rel) {
			return nil
		}
		if info.Size() > buildMaxFileBytes {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	for _, path := range files {
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		rel := sandbox.Rel(s.root, path)
		lt.FileSummaries[rel] = headSummary(string(b))
		for _, key := range indexKeys(rel) {
			if !containsString(lt.Index[key], rel) {
				lt.Index[key] = append(lt.Index[key], rel)
			}
		}
	}

	lt.Facts["built_from"] = globs
	lt.Facts["file_count"] = len(files)
	lt.Facts["built_at"] = s.clock.Now().Format(time.RFC3339)

	if err := s.persistLTM(name, lt); err != nil {
		return nil, err
	}
	return lt, nil
}

// Recall scans the LTM's file summaries and glossary for case-insensitive
// substring matches and returns up to topK chunks by descending relevance.
// File-summary hits always rank at or above glossary hits.
func (s *Store) Recall(name, query string, topK int) ([]Chunk, error) {
	lt, err := s.LTM(name)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 5
	}
	q := strings.ToLower(query)

	var hits []Chunk
	for path, summary := range lt.FileSummaries {
		if strings.Contains(strings.ToLower(path), q) || strings.Contains(strings.ToLower(summary), q) {
			hits = append(hits, Chunk{Source: path, Content: summary, Relevance: 0.9})
		}
	}
	for term, def := range lt.Glossary {
		if strings.Contains(strings.ToLower(term), q) || strings.Contains(strings.ToLower(def), q) {
			hits = append(hits, Chunk{Source: "glossary:" + term, Content: def, Relevance: 0.6})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Relevance != hits[j].Relevance {
			return hits[i].Relevance > hits[j].Relevance
		}
		return hits[i].Source < hits[j].Source
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// ContextBlock renders the named STM for injection into an LLM request.
func (s *Store) ContextBlock(name string) string {
	m, ok := s.stm[name]
	if !ok {
		return ""
	}
	var b strings.Builder
	if m.Summary != "" {
		b.WriteString("Summary: " + m.Summary + "\n")
	}
	if m.Objective != "" {
		b.WriteString("Objective: " + m.Objective + "\n")
	}
	if len(m.RecentEvents) > 0 {
		b.WriteString("Recent events:\n")
		for _, ev := range m.RecentEvents {
			fmt.Fprintf(&b, "- [%s] %s\n", ev.Type, ev.Detail)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func headSummary(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	if len(content) > summaryHeadBytes {
		content = content[:summaryHeadBytes]
	}
	return content
}

// indexKeys derives lookup keys from a path: each segment and the
// extension-less base name.
func indexKeys(rel string) []string {
	var keys []string
	for _, seg := range strings.Split(rel, "/") {
		seg = strings.ToLower(seg)
		keys = append(keys, seg)
		if i := strings.LastIndexByte(seg, '.'); i > 0 {
			keys = append(keys, seg[:i])
		}
	}
	return keys
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
