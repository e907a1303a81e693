package violations

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/proctorwatch/proctor-server/internal/proctor"
)

// SuspicionLevel buckets a suspicion score.
type SuspicionLevel string

const (
	SuspicionLow    SuspicionLevel = "Low"
	SuspicionMedium SuspicionLevel = "Medium"
	SuspicionHigh   SuspicionLevel = "High"
)

// kindWeights is the score contribution of one violation of each kind.
var kindWeights = map[proctor.ViolationKind]int{
	proctor.KindUnknownFace:      25,
	proctor.KindMultipleFaces:    20,
	proctor.KindProhibitedObject: 20,
	proctor.KindTabSwitch:        10,
	proctor.KindFullscreenExit:   10,
	proctor.KindNoFace:           5,
}

var kindLabels = map[proctor.ViolationKind]string{
	proctor.KindNoFace:           "no face",
	proctor.KindMultipleFaces:    "multiple faces",
	proctor.KindUnknownFace:      "unknown person",
	proctor.KindProhibitedObject: "prohibited object",
	proctor.KindTabSwitch:        "tab switch",
	proctor.KindFullscreenExit:   "fullscreen exit",
}

// KindCount is the number of violations of one kind.
type KindCount struct {
	Kind  proctor.ViolationKind `json:"type"`
	Count int                   `json:"count"`
}

// Summary condenses the violation history of a session.
type Summary struct {
	SessionID string      `json:"session_id"`
	Total     int         `json:"total"`
	ByKind    []KindCount `json:"by_kind"`
	Repeated  []KindCount `json:"repeated"`
	First     *time.Time  `json:"first,omitempty"`
	Last      *time.Time  `json:"last,omitempty"`
	Text      string      `json:"summary"`
	Suspicion Suspicion   `json:"suspicion"`
}

// Suspicion is a deterministic 0-100 score derived from the violation history.
type Suspicion struct {
	Score         int            `json:"score"`
	Level         SuspicionLevel `json:"level"`
	Justification string         `json:"justification"`
}

// Summarize builds a summary of events, which belong to sessionID.
func Summarize(sessionID string, events []proctor.ViolationEvent) Summary {
	s := Summary{
		SessionID: sessionID,
		Total:     len(events),
		ByKind:    countByKind(events),
		Repeated:  []KindCount{},
	}
	for _, kc := range s.ByKind {
		if kc.Count > 1 {
			s.Repeated = append(s.Repeated, kc)
		}
	}
	if len(events) > 0 {
		first, last := events[0].Timestamp, events[0].Timestamp
		for _, e := range events[1:] {
			if e.Timestamp.Before(first) {
				first = e.Timestamp
			}
			if e.Timestamp.After(last) {
				last = e.Timestamp
			}
		}
		s.First, s.Last = &first, &last
	}
	s.Suspicion = Score(events)
	s.Text = summaryText(s)
	return s
}

// Score rates events: each violation adds its kind's weight, capped at 100.
func Score(events []proctor.ViolationEvent) Suspicion {
	if len(events) == 0 {
		return Suspicion{Score: 0, Level: SuspicionLow, Justification: "No violations recorded."}
	}
	score := 0
	for _, e := range events {
		score += kindWeights[e.Kind]
	}
	if score > 100 {
		score = 100
	}

	level := SuspicionLow
	switch {
	case score >= 60:
		level = SuspicionHigh
	case score >= 30:
		level = SuspicionMedium
	}

	parts := make([]string, 0, len(proctor.AllKinds))
	for _, kc := range countByKind(events) {
		parts = append(parts, fmt.Sprintf("%s x%d", kindLabels[kc.Kind], kc.Count))
	}
	return Suspicion{
		Score:         score,
		Level:         level,
		Justification: fmt.Sprintf("Score %d from %s: %s.", score, plural(len(events), "violation"), strings.Join(parts, ", ")),
	}
}

// countByKind counts events per kind, most frequent first; ties keep the
// AllKinds order.
func countByKind(events []proctor.ViolationEvent) []KindCount {
	counts := make(map[proctor.ViolationKind]int)
	for _, e := range events {
		counts[e.Kind]++
	}
	out := []KindCount{}
	for _, k := range proctor.AllKinds {
		if n := counts[k]; n > 0 {
			out = append(out, KindCount{Kind: k, Count: n})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

func summaryText(s Summary) string {
	if s.Total == 0 {
		return "No violations were recorded during this session."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s recorded between %s and %s.",
		plural(s.Total, "violation"), s.First.UTC().Format(time.TimeOnly), s.Last.UTC().Format(time.TimeOnly))
	top := s.ByKind[0]
	fmt.Fprintf(&b, " Most frequent: %s (%d).", kindLabels[top.Kind], top.Count)
	if len(s.Repeated) > 0 {
		repeated := make([]string, len(s.Repeated))
		for i, kc := range s.Repeated {
			repeated[i] = fmt.Sprintf("%s x%d", kindLabels[kc.Kind], kc.Count)
		}
		fmt.Fprintf(&b, " Repeated: %s.", strings.Join(repeated, ", "))
	}
	fmt.Fprintf(&b, " Suspicion %s (%d/100).", s.Suspicion.Level, s.Suspicion.Score)
	return b.String()
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
