package prioritize

import (
	"reflect"
	"testing"

	"github.com/vango-go/intake-live/pkg/intake/extraction"
)

func mustBlueprint(t *testing.T, qs ...extraction.Question) *extraction.Blueprint {
	t.Helper()
	bp, err := extraction.NewBlueprint(qs)
	if err != nil {
		t.Fatalf("NewBlueprint: %v", err)
	}
	return bp
}

func ids(ds []Descriptor) []int {
	out := make([]int, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}

func TestPickTop_HeightBeforeMedications(t *testing.T) {
	bp := mustBlueprint(t,
		extraction.Question{ID: 1317, Text: "meds", Stamp: "initial_medications"},
		extraction.Question{ID: 1277, Text: "height", Stamp: "initial_height"},
	)
	got, anomalies := PickTop([]extraction.Unanswered{{QuestionID: 1317}, {QuestionID: 1277}}, bp, DefaultWeights(), 5)
	if len(anomalies) != 0 {
		t.Fatalf("anomalies = %+v", anomalies)
	}
	if !reflect.DeepEqual(ids(got), []int{1277, 1317}) {
		t.Fatalf("order = %v, want [1277 1317]", ids(got))
	}
}

func TestPickTop_TiesFollowCatalogOrder(t *testing.T) {
	bp := mustBlueprint(t,
		extraction.Question{ID: 30, Stamp: "misc_a"},
		extraction.Question{ID: 10, Stamp: "misc_b"},
		extraction.Question{ID: 20, Stamp: "misc_c"},
	)
	refs := []extraction.Unanswered{{QuestionID: 20}, {QuestionID: 10}, {QuestionID: 30}}
	got, _ := PickTop(refs, bp, DefaultWeights(), 5)
	if !reflect.DeepEqual(ids(got), []int{30, 10, 20}) {
		t.Fatalf("order = %v, want catalog order [30 10 20]", ids(got))
	}
}

func TestPickTop_Deterministic(t *testing.T) {
	bp := extraction.DefaultBlueprint()
	var refs []extraction.Unanswered
	for _, q := range bp.Questions() {
		refs = append(refs, extraction.Unanswered{QuestionID: q.ID})
	}
	first, _ := PickTop(refs, bp, DefaultWeights(), 5)
	for i := 0; i < 20; i++ {
		again, _ := PickTop(refs, bp, DefaultWeights(), 5)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs: %v vs %v", i, ids(first), ids(again))
		}
	}
	if len(first) != 5 {
		t.Fatalf("len = %d, want 5", len(first))
	}
	if first[0].Weight < first[len(first)-1].Weight {
		t.Fatalf("weights not descending: %+v", first)
	}
}

func TestPickTop_ReferenceStampOverridesBlueprint(t *testing.T) {
	bp := mustBlueprint(t,
		extraction.Question{ID: 1, Stamp: "misc"},
		extraction.Question{ID: 2, Stamp: "initial_sex"},
	)
	refs := []extraction.Unanswered{{QuestionID: 1, QuestionStamp: "initial_height"}, {QuestionID: 2}}
	got, _ := PickTop(refs, bp, DefaultWeights(), 5)
	if !reflect.DeepEqual(ids(got), []int{1, 2}) {
		t.Fatalf("order = %v, want [1 2]", ids(got))
	}
}

func TestPickTop_DropsUnknownAndDuplicates(t *testing.T) {
	bp := mustBlueprint(t, extraction.Question{ID: 1, Stamp: "initial_sex"})
	got, anomalies := PickTop([]extraction.Unanswered{{QuestionID: 1}, {QuestionID: 404}, {QuestionID: 1}}, bp, DefaultWeights(), 5)
	if !reflect.DeepEqual(ids(got), []int{1}) {
		t.Fatalf("ids = %v", ids(got))
	}
	if len(anomalies) != 2 {
		t.Fatalf("anomalies = %+v, want 2", anomalies)
	}
	if anomalies[1].QuestionID != 404 && anomalies[0].QuestionID != 404 {
		t.Fatalf("unknown id not reported: %+v", anomalies)
	}
}

func TestPickTop_TruncatesAndCarriesOptions(t *testing.T) {
	bp := mustBlueprint(t,
		extraction.Question{ID: 1, Text: "Sex?", Type: "single_choice", Stamp: "initial_sex", Options: []extraction.Option{{ID: 11, Text: "Male", Stamp: "male"}}},
		extraction.Question{ID: 2}, extraction.Question{ID: 3}, extraction.Question{ID: 4},
	)
	refs := []extraction.Unanswered{{QuestionID: 4}, {QuestionID: 3}, {QuestionID: 2}, {QuestionID: 1}}
	got, _ := PickTop(refs, bp, DefaultWeights(), 2)
	if !reflect.DeepEqual(ids(got), []int{1, 2}) {
		t.Fatalf("ids = %v, want [1 2]", ids(got))
	}
	d := got[0]
	if d.Text != "Sex?" || d.Type != "single_choice" || d.Stamp != "initial_sex" {
		t.Fatalf("descriptor = %+v", d)
	}
	if len(d.Options) != 1 || d.Options[0] != (OptionDescriptor{ID: 11, Text: "Male", Stamp: "male"}) {
		t.Fatalf("options = %+v", d.Options)
	}
}

func TestPickTop_NonPositiveKUsesDefault(t *testing.T) {
	var qs []extraction.Question
	var refs []extraction.Unanswered
	for i := 1; i <= 8; i++ {
		qs = append(qs, extraction.Question{ID: i})
		refs = append(refs, extraction.Unanswered{QuestionID: i})
	}
	got, _ := PickTop(refs, mustBlueprint(t, qs...), DefaultWeights(), 0)
	if len(got) != DefaultTopK {
		t.Fatalf("len = %d, want %d", len(got), DefaultTopK)
	}
}

func TestWeights_WildcardOverride(t *testing.T) {
	w := NewWeights(map[string]int{"a": 10, "*": 3}, 50)
	if w.For("a") != 10 || w.For("zzz") != 3 {
		t.Fatalf("For(a)=%d For(zzz)=%d", w.For("a"), w.For("zzz"))
	}
}
