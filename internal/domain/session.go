package domain

import (
	"time"
)

// Step names one state of the qualification dialogue. The concrete step
// names come from the flow definition; only the terminal states are fixed.
type Step string

const (
	// StepStart is the conventional name of the first question.
	StepStart Step = "start"
	// StepCompleted is the absorbing state for finished, abandoned and
	// handed-off conversations.
	StepCompleted Step = "completed"
)

// Session holds the durable dialogue state for one contact.
type Session struct {
	JID               string            `json:"jid"`
	Step              Step              `json:"step"`
	Answers           map[string]string `json:"answers,omitempty"`
	ErrorCount        map[Step]int      `json:"errorCount,omitempty"`
	HumanOverride     bool              `json:"humanOverride,omitempty"`
	WaitingForCatalog bool              `json:"waitingForCatalogResponse,omitempty"`
	CatalogTier       string            `json:"catalogTier,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// NewSession returns a session positioned at the given first step.
func NewSession(jid string, first Step, now time.Time) Session {
	return Session{
		JID:        jid,
		Step:       first,
		Answers:    make(map[string]string),
		ErrorCount: make(map[Step]int),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Done reports whether the session no longer receives automated replies.
func (s *Session) Done() bool {
	return s.HumanOverride || s.Step == StepCompleted
}

// Complete moves the session to the terminal step and clears any pending
// catalog continuation.
func (s *Session) Complete() {
	s.Step = StepCompleted
	s.WaitingForCatalog = false
	s.CatalogTier = ""
}

// RecordError increments the error counter for step and returns the new value.
func (s *Session) RecordError(step Step) int {
	if s.ErrorCount == nil {
		s.ErrorCount = make(map[Step]int)
	}
	s.ErrorCount[step]++
	return s.ErrorCount[step]
}

// SetAnswer stores the answer recorded for field.
func (s *Session) SetAnswer(field, value string) {
	if field == "" {
		return
	}
	if s.Answers == nil {
		s.Answers = make(map[string]string)
	}
	s.Answers[field] = value
}

// Clone returns a deep copy so callers can hand sessions across goroutines.
func (s Session) Clone() Session {
	out := s
	if s.Answers != nil {
		out.Answers = make(map[string]string, len(s.Answers))
		for k, v := range s.Answers {
			out.Answers[k] = v
		}
	}
	if s.ErrorCount != nil {
		out.ErrorCount = make(map[Step]int, len(s.ErrorCount))
		for k, v := range s.ErrorCount {
			out.ErrorCount[k] = v
		}
	}
	return out
}
