// Package extraction holds the intake data model: the question catalog
// (blueprint), the per-session extraction record and the invariants that
// tie them together.
package extraction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Answer is the recorded value for one question. Optional fields are nil
// when they do not apply to the question type. Pointed-to values are never
// mutated after construction, so copies may share them.
type Answer struct {
	QuestionID    int      `json:"question_id"`
	QuestionText  string   `json:"question_text,omitempty"`
	QuestionStamp string   `json:"question_frontend_stamp,omitempty"`
	AnswerID      *int     `json:"answer_id,omitempty"`
	AnswerText    *string  `json:"answer_text,omitempty"`
	AnswerStamp   *string  `json:"answer_frontend_stamp,omitempty"`
	Type          string   `json:"type,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty"`
	Evidence      string   `json:"evidence,omitempty"`
}

// Unanswered references a question that has no answer yet. Text and stamp
// are cached copies; the blueprint is authoritative.
type Unanswered struct {
	QuestionID    int    `json:"question_id"`
	QuestionText  string `json:"question_text,omitempty"`
	QuestionStamp string `json:"question_frontend_stamp,omitempty"`
}

// UnmarshalJSON accepts both the object form and a bare integer id, which
// is what the batch extractor historically produced.
func (u *Unanswered) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] != '{' {
		var id int
		if err := json.Unmarshal(trimmed, &id); err != nil {
			return fmt.Errorf("unanswered entry must be an object or integer id: %w", err)
		}
		*u = Unanswered{QuestionID: id}
		return nil
	}
	type plain Unanswered
	var p plain
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return err
	}
	*u = Unanswered(p)
	return nil
}

// Extraction is the partially filled questionnaire for one session.
type Extraction struct {
	Answers    []Answer       `json:"answers"`
	Unanswered []Unanswered   `json:"unanswered"`
	Derived    map[string]any `json:"derived"`
	Warnings   []string       `json:"warnings"`
}

// Clone returns a copy whose slices and derived map can be modified
// without affecting e.
func (e Extraction) Clone() Extraction {
	out := Extraction{
		Answers:    make([]Answer, len(e.Answers)),
		Unanswered: make([]Unanswered, len(e.Unanswered)),
		Derived:    make(map[string]any, len(e.Derived)),
		Warnings:   make([]string, len(e.Warnings)),
	}
	copy(out.Answers, e.Answers)
	copy(out.Unanswered, e.Unanswered)
	copy(out.Warnings, e.Warnings)
	for k, v := range e.Derived {
		out.Derived[k] = v
	}
	return out
}

func (e Extraction) AnswerFor(questionID int) (Answer, bool) {
	for _, a := range e.Answers {
		if a.QuestionID == questionID {
			return a, true
		}
	}
	return Answer{}, false
}

func (e Extraction) IsUnanswered(questionID int) bool {
	for _, u := range e.Unanswered {
		if u.QuestionID == questionID {
			return true
		}
	}
	return false
}

// Normalize returns a copy of e in which every blueprint question appears in
// exactly one of Answers or Unanswered. Duplicate answers collapse onto the
// first position with the last value winning, answered ids are removed from
// Unanswered, and blueprint ids missing from both lists are appended to
// Unanswered in catalog order. Ids unknown to the blueprint are kept as-is.
func (e Extraction) Normalize(bp *Blueprint) Extraction {
	out := Extraction{
		Answers:    make([]Answer, 0, len(e.Answers)),
		Unanswered: make([]Unanswered, 0, len(e.Unanswered)),
		Derived:    make(map[string]any, len(e.Derived)),
		Warnings:   make([]string, 0, len(e.Warnings)),
	}
	out.Warnings = append(out.Warnings, e.Warnings...)
	for k, v := range e.Derived {
		out.Derived[k] = v
	}

	answered := make(map[int]int, len(e.Answers))
	for _, a := range e.Answers {
		if i, ok := answered[a.QuestionID]; ok {
			out.Answers[i] = a
			continue
		}
		answered[a.QuestionID] = len(out.Answers)
		out.Answers = append(out.Answers, a)
	}

	pending := make(map[int]struct{}, len(e.Unanswered))
	for _, u := range e.Unanswered {
		if _, ok := answered[u.QuestionID]; ok {
			continue
		}
		if _, ok := pending[u.QuestionID]; ok {
			continue
		}
		pending[u.QuestionID] = struct{}{}
		out.Unanswered = append(out.Unanswered, u)
	}

	if bp != nil {
		for _, q := range bp.questions {
			if _, ok := answered[q.ID]; ok {
				continue
			}
			if _, ok := pending[q.ID]; ok {
				continue
			}
			pending[q.ID] = struct{}{}
			out.Unanswered = append(out.Unanswered, Unanswered{
				QuestionID:    q.ID,
				QuestionText:  q.Text,
				QuestionStamp: q.Stamp,
			})
		}
	}
	return out
}

// PartitionError lists blueprint ids that are missing from both lists or
// present in both.
type PartitionError struct {
	Missing    []int
	Duplicated []int
}

func (e *PartitionError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing %v", e.Missing))
	}
	if len(e.Duplicated) > 0 {
		parts = append(parts, fmt.Sprintf("duplicated %v", e.Duplicated))
	}
	return "extraction partition violated: " + strings.Join(parts, ", ")
}

// CheckPartition reports whether every blueprint question id occurs exactly
// once across Answers and Unanswered.
func (e Extraction) CheckPartition(bp *Blueprint) error {
	if bp == nil {
		return nil
	}
	counts := make(map[int]int, bp.Len())
	for _, a := range e.Answers {
		counts[a.QuestionID]++
	}
	for _, u := range e.Unanswered {
		counts[u.QuestionID]++
	}

	var perr PartitionError
	for _, q := range bp.questions {
		switch n := counts[q.ID]; {
		case n == 0:
			perr.Missing = append(perr.Missing, q.ID)
		case n > 1:
			perr.Duplicated = append(perr.Duplicated, q.ID)
		}
	}
	if len(perr.Missing) == 0 && len(perr.Duplicated) == 0 {
		return nil
	}
	sort.Ints(perr.Missing)
	sort.Ints(perr.Duplicated)
	return &perr
}
