package extraction

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
)

//go:embed default_blueprint.yaml
var defaultBlueprintYAML []byte

// Option is one selectable answer of a blueprint question.
type Option struct {
	ID    int    `json:"id"`
	Text  string `json:"answer_text"`
	Stamp string `json:"answer_frontend_stamp"`
}

// Question is an immutable catalog entry.
type Question struct {
	ID      int      `json:"id"`
	Text    string   `json:"question_text"`
	Type    string   `json:"question_type"`
	Stamp   string   `json:"question_frontend_stamp"`
	Options []Option `json:"answer_list"`
}

// Blueprint is the ordered question catalog. Catalog order is the
// tie-break order for prioritization.
type Blueprint struct {
	questions []Question
	index     map[int]int
}

func NewBlueprint(questions []Question) (*Blueprint, error) {
	bp := &Blueprint{
		questions: make([]Question, 0, len(questions)),
		index:     make(map[int]int, len(questions)),
	}
	for _, q := range questions {
		if _, dup := bp.index[q.ID]; dup {
			return nil, fmt.Errorf("blueprint: duplicate question id %d", q.ID)
		}
		q.Options = append([]Option(nil), q.Options...)
		bp.index[q.ID] = len(bp.questions)
		bp.questions = append(bp.questions, q)
	}
	return bp, nil
}

func (b *Blueprint) Len() int {
	if b == nil {
		return 0
	}
	return len(b.questions)
}

// Questions returns the catalog in order.
func (b *Blueprint) Questions() []Question {
	if b == nil {
		return nil
	}
	out := make([]Question, len(b.questions))
	copy(out, b.questions)
	return out
}

func (b *Blueprint) Lookup(id int) (Question, bool) {
	if b == nil {
		return Question{}, false
	}
	i, ok := b.index[id]
	if !ok {
		return Question{}, false
	}
	return b.questions[i], true
}

// Position returns the catalog index of id.
func (b *Blueprint) Position(id int) (int, bool) {
	if b == nil {
		return 0, false
	}
	i, ok := b.index[id]
	return i, ok
}

type rawOption struct {
	ID                  int    `yaml:"id" json:"id"`
	AnswerText          string `yaml:"answer_text" json:"answer_text"`
	FrontendStamp       string `yaml:"frontend_stamp" json:"frontend_stamp"`
	AnswerFrontendStamp string `yaml:"answer_frontend_stamp" json:"answer_frontend_stamp"`
}

type rawQuestion struct {
	ID                    int         `yaml:"id" json:"id"`
	QuestionText          string      `yaml:"question_text" json:"question_text"`
	QuestionType          string      `yaml:"question_type" json:"question_type"`
	FrontendStamp         string      `yaml:"frontend_stamp" json:"frontend_stamp"`
	QuestionFrontendStamp string      `yaml:"question_frontend_stamp" json:"question_frontend_stamp"`
	AnswerList            []rawOption `yaml:"answer_list" json:"answer_list"`
}

// ParseBlueprint decodes a YAML or JSON array of quiz questions. Both the
// raw quiz shape (frontend_stamp) and the slim shape
// (question_frontend_stamp / answer_frontend_stamp) are accepted.
func ParseBlueprint(data []byte) (*Blueprint, error) {
	var raw []rawQuestion
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("blueprint: decode: %w", err)
	}
	questions := make([]Question, 0, len(raw))
	for _, rq := range raw {
		q := Question{
			ID:    rq.ID,
			Text:  rq.QuestionText,
			Type:  strings.TrimSpace(rq.QuestionType),
			Stamp: firstStamp(rq.QuestionFrontendStamp, rq.FrontendStamp),
		}
		if q.Type == "" {
			q.Type = "unknown"
		}
		for _, ro := range rq.AnswerList {
			q.Options = append(q.Options, Option{
				ID:    ro.ID,
				Text:  ro.AnswerText,
				Stamp: firstStamp(ro.AnswerFrontendStamp, ro.FrontendStamp),
			})
		}
		questions = append(questions, q)
	}
	return NewBlueprint(questions)
}

// LoadBlueprint reads a catalog file. An empty path yields the embedded
// default catalog.
func LoadBlueprint(path string) (*Blueprint, error) {
	if strings.TrimSpace(path) == "" {
		return ParseBlueprint(defaultBlueprintYAML)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("blueprint: read %q: %w", path, err)
	}
	return ParseBlueprint(data)
}

// DefaultBlueprint returns the embedded catalog.
func DefaultBlueprint() *Blueprint {
	bp, err := ParseBlueprint(defaultBlueprintYAML)
	if err != nil {
		panic(err)
	}
	return bp
}

func firstStamp(candidates ...string) string {
	for _, s := range candidates {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}
