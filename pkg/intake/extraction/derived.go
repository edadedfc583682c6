package extraction

import (
	"math"
	"strconv"
	"strings"
)

const (
	StampHeight = "initial_height"
	StampWeight = "initial_moshy_weight"

	DerivedHeightCM = "height_cm"
	DerivedWeightKG = "weight_kg"
	DerivedBMI      = "bmi"
)

// BMI rounds to one decimal place.
func BMI(heightCM, weightKG float64) float64 {
	m := heightCM / 100
	return math.Round(weightKG/(m*m)*10) / 10
}

// WithDerived returns a copy of e with height_cm, weight_kg and bmi
// recomputed from the height and weight answers. Values that cannot be
// determined are nil. Other derived keys are preserved.
func (e Extraction) WithDerived(bp *Blueprint) Extraction {
	out := e.Clone()
	height, hasHeight := e.measure(bp, StampHeight, "cm")
	weight, hasWeight := e.measure(bp, StampWeight, "kg", "kgs")

	out.Derived[DerivedHeightCM] = nil
	out.Derived[DerivedWeightKG] = nil
	out.Derived[DerivedBMI] = nil
	if hasHeight {
		out.Derived[DerivedHeightCM] = height
	}
	if hasWeight {
		out.Derived[DerivedWeightKG] = weight
	}
	if hasHeight && hasWeight {
		out.Derived[DerivedBMI] = BMI(height, weight)
	}
	return out
}

func (e Extraction) measure(bp *Blueprint, stamp string, units ...string) (float64, bool) {
	for _, a := range e.Answers {
		s := a.QuestionStamp
		if s == "" {
			if q, ok := bp.Lookup(a.QuestionID); ok {
				s = q.Stamp
			}
		}
		if s != stamp || a.AnswerText == nil {
			continue
		}
		if v, ok := parseMeasure(*a.AnswerText, units...); ok {
			return v, true
		}
	}
	return 0, false
}

func parseMeasure(raw string, units ...string) (float64, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	for _, u := range units {
		if strings.HasSuffix(s, u) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u))
			break
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, false
	}
	return v, true
}
