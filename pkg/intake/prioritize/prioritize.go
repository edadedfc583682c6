// Package prioritize selects which unanswered questions the live engine
// should ask about first.
package prioritize

import (
	"sort"

	"github.com/vango-go/intake-live/pkg/intake/extraction"
)

const (
	DefaultTopK     = 5
	WildcardWeight  = 50
	wildcardStampID = "*"
)

// Weights maps question stamps to priority. Stamps not present in the table
// use the wildcard weight.
type Weights struct {
	table    map[string]int
	wildcard int
}

// DefaultWeights is the stamp table of the weight loss consultation.
func DefaultWeights() Weights {
	return NewWeights(map[string]int{
		"initial_height":                       100,
		"initial_moshy_weight":                 100,
		"initial_dob":                          95,
		"initial_sex":                          90,
		"initial_weight_diabetes":              80,
		"initial_weight_diabetes_history":      75,
		"initial_weight_more_issues_following": 68,
		"initial_medications":                  65,
	}, WildcardWeight)
}

// NewWeights copies table. A "*" entry overrides wildcard.
func NewWeights(table map[string]int, wildcard int) Weights {
	w := Weights{table: make(map[string]int, len(table)), wildcard: wildcard}
	for stamp, weight := range table {
		if stamp == wildcardStampID {
			w.wildcard = weight
			continue
		}
		w.table[stamp] = weight
	}
	return w
}

func (w Weights) For(stamp string) int {
	if v, ok := w.table[stamp]; ok {
		return v
	}
	if w.table == nil && w.wildcard == 0 {
		return WildcardWeight
	}
	return w.wildcard
}

// OptionDescriptor is one answer option as shown to the engine.
type OptionDescriptor struct {
	ID    int    `json:"answer_id"`
	Text  string `json:"answer_text"`
	Stamp string `json:"answer_frontend_stamp"`
}

// Descriptor carries everything the engine needs to ask a question verbatim.
type Descriptor struct {
	ID      int                `json:"question_id"`
	Text    string             `json:"question_text"`
	Stamp   string             `json:"question_frontend_stamp"`
	Type    string             `json:"question_type"`
	Options []OptionDescriptor `json:"answers"`
	Weight  int                `json:"-"`
}

// Anomaly is an unanswered reference that could not be ranked.
type Anomaly struct {
	QuestionID int
	Reason     string
}

type ranked struct {
	desc     Descriptor
	position int
}

// PickTop returns at most k descriptors ordered by descending weight, with
// ties resolved by blueprint catalog order. References unknown to the
// blueprint and repeated ids are skipped and reported as anomalies. k <= 0
// selects DefaultTopK. PickTop has no side effects.
func PickTop(unanswered []extraction.Unanswered, bp *extraction.Blueprint, weights Weights, k int) ([]Descriptor, []Anomaly) {
	if k <= 0 {
		k = DefaultTopK
	}

	var anomalies []Anomaly
	seen := make(map[int]struct{}, len(unanswered))
	candidates := make([]ranked, 0, len(unanswered))
	for _, ref := range unanswered {
		if _, dup := seen[ref.QuestionID]; dup {
			anomalies = append(anomalies, Anomaly{QuestionID: ref.QuestionID, Reason: "duplicate reference"})
			continue
		}
		seen[ref.QuestionID] = struct{}{}

		q, ok := bp.Lookup(ref.QuestionID)
		if !ok {
			anomalies = append(anomalies, Anomaly{QuestionID: ref.QuestionID, Reason: "not in blueprint"})
			continue
		}
		pos, _ := bp.Position(ref.QuestionID)

		stamp := ref.QuestionStamp
		if stamp == "" {
			stamp = q.Stamp
		}
		candidates = append(candidates, ranked{desc: describe(q, weights.For(stamp)), position: pos})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].desc.Weight != candidates[j].desc.Weight {
			return candidates[i].desc.Weight > candidates[j].desc.Weight
		}
		return candidates[i].position < candidates[j].position
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]Descriptor, len(candidates))
	for i, c := range candidates {
		out[i] = c.desc
	}
	return out, anomalies
}

func describe(q extraction.Question, weight int) Descriptor {
	d := Descriptor{
		ID:      q.ID,
		Text:    q.Text,
		Stamp:   q.Stamp,
		Type:    q.Type,
		Options: make([]OptionDescriptor, 0, len(q.Options)),
		Weight:  weight,
	}
	for _, o := range q.Options {
		d.Options = append(d.Options, OptionDescriptor{ID: o.ID, Text: o.Text, Stamp: o.Stamp})
	}
	return d
}
