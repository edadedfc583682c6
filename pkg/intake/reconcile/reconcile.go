// Package reconcile applies updateAnswer tool calls to an extraction.
package reconcile

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/vango-go/intake-live/pkg/intake/extraction"
)

// ToolName is the single tool the live engine is allowed to call.
const ToolName = "updateAnswer"

// MalformedError reports an updateAnswer payload that cannot be applied.
type MalformedError struct {
	Field  string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s: %s %s", ToolName, e.Field, e.Reason)
}

// Outcome describes a successful reconciliation.
type Outcome struct {
	Answer  extraction.Answer
	Created bool
	// Ack is the tool-result payload for the engine.
	Ack map[string]any
}

// Ack returns the acknowledgement payload sent for an applied answer.
func Ack() map[string]any {
	return map[string]any{"ok": true}
}

// Apply upserts the answer described by args into current and removes the
// question from Unanswered. current is never modified.
//
// On a malformed payload the returned extraction equals current plus one
// warning and the error is a *MalformedError; no answer or unanswered entry
// changes. Applying the same args twice gives the same result as applying
// them once. bp may be nil; when set it fills missing question metadata
// and derived fields are recomputed.
func Apply(current extraction.Extraction, args map[string]any, bp *extraction.Blueprint) (extraction.Extraction, Outcome, error) {
	p, err := parsePatch(args)
	if err != nil {
		next := current.Clone()
		next.Warnings = append(next.Warnings, fmt.Sprintf("%s ignored: %v", ToolName, err))
		return next, Outcome{}, err
	}

	next := current.Clone()
	idx := -1
	for i, a := range next.Answers {
		if a.QuestionID == p.questionID {
			idx = i
			break
		}
	}

	base := extraction.Answer{QuestionID: p.questionID}
	if idx >= 0 {
		base = next.Answers[idx]
	}
	merged := p.mergeInto(base)
	if q, ok := bp.Lookup(p.questionID); ok {
		if merged.QuestionText == "" {
			merged.QuestionText = q.Text
		}
		if merged.QuestionStamp == "" {
			merged.QuestionStamp = q.Stamp
		}
		if merged.Type == "" {
			merged.Type = q.Type
		}
	}
	if idx >= 0 {
		next.Answers[idx] = merged
	} else {
		next.Answers = append(next.Answers, merged)
	}

	remaining := next.Unanswered[:0]
	for _, u := range next.Unanswered {
		if u.QuestionID != p.questionID {
			remaining = append(remaining, u)
		}
	}
	next.Unanswered = remaining

	if bp != nil {
		next = next.WithDerived(bp)
	}
	return next, Outcome{Answer: merged, Created: idx < 0, Ack: Ack()}, nil
}

type patch struct {
	questionID    int
	questionText  *string
	questionStamp *string
	answerID      *int
	answerText    *string
	answerStamp   *string
	typ           *string
	confidence    *float64
	evidence      *string
}

func (p patch) mergeInto(a extraction.Answer) extraction.Answer {
	if p.questionText != nil {
		a.QuestionText = *p.questionText
	}
	if p.questionStamp != nil {
		a.QuestionStamp = *p.questionStamp
	}
	if p.answerID != nil {
		a.AnswerID = p.answerID
	}
	if p.answerText != nil {
		a.AnswerText = p.answerText
	}
	if p.answerStamp != nil {
		a.AnswerStamp = p.answerStamp
	}
	if p.typ != nil {
		a.Type = *p.typ
	}
	if p.confidence != nil {
		a.Confidence = p.confidence
	}
	if p.evidence != nil {
		a.Evidence = *p.evidence
	}
	return a
}

// parsePatch validates args. Absent and null fields leave the stored value
// untouched.
func parsePatch(args map[string]any) (patch, error) {
	var p patch
	raw, ok := args["question_id"]
	if !ok || raw == nil {
		return p, &MalformedError{Field: "question_id", Reason: "is required"}
	}
	id, ok := asInt(raw)
	if !ok {
		return p, &MalformedError{Field: "question_id", Reason: "must be an integer"}
	}
	p.questionID = id

	var err error
	if p.questionText, err = optString(args, "question_text"); err != nil {
		return p, err
	}
	if p.questionStamp, err = optString(args, "question_frontend_stamp"); err != nil {
		return p, err
	}
	if p.answerText, err = optString(args, "answer_text"); err != nil {
		return p, err
	}
	if p.answerStamp, err = optString(args, "answer_frontend_stamp"); err != nil {
		return p, err
	}
	if p.typ, err = optString(args, "type"); err != nil {
		return p, err
	}
	if p.evidence, err = optString(args, "evidence"); err != nil {
		return p, err
	}

	if v, present := args["answer_id"]; present && v != nil {
		n, ok := asInt(v)
		if !ok {
			return p, &MalformedError{Field: "answer_id", Reason: "must be an integer"}
		}
		p.answerID = &n
	}

	if v, present := args["confidence"]; present && v != nil {
		f, ok := asFloat(v)
		if !ok {
			return p, &MalformedError{Field: "confidence", Reason: "must be a number"}
		}
		if f < 0 || f > 1 {
			return p, &MalformedError{Field: "confidence", Reason: "must be within [0,1]"}
		}
		p.confidence = &f
	}
	return p, nil
}

func optString(args map[string]any, key string) (*string, error) {
	v, present := args[key]
	if !present || v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, &MalformedError{Field: key, Reason: "must be a string"}
	}
	return &s, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	f, ok := asFloat(v)
	if !ok || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}
