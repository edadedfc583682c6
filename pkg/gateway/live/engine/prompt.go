package engine

import (
	"encoding/json"
	"strconv"
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/intake-live/pkg/intake/prioritize"
	"github.com/vango-go/intake-live/pkg/intake/reconcile"
)

const questionsTurnPrefix = "FOLLOW-UP QUESTIONS JSON:\n"

const instructionsTemplate = `You are a friendly and empathetic clinical intake assistant conducting a follow-up interview.

Your role:
- Start by saying: "Thanks for sharing your summary. I have a few follow-up questions to complete your file."
- Ask one provided question at a time, in the order given.
- Acknowledge each response before moving on and ask clarifying questions when an answer is unclear or incomplete.
- When you reach confidence of at least {{threshold}}, call the updateAnswer tool immediately.

Tool usage:
- Call updateAnswer with: {question_id, question_text, question_frontend_stamp, answer_id?, answer_text?, answer_frontend_stamp?, type, confidence, evidence}.
- Use answer_id and answer_frontend_stamp from the provided answer options for choice questions.
- Evidence should be a direct quote or a short summary of what the user said.
- After calling updateAnswer, move to the next question.
- When all questions are complete, say "Thank you! I have all the information I need."

Communication style:
- Conversational, warm and concise.
- Avoid medical jargon unless necessary.
- Never give medical advice.`

// Instructions renders the default system instructions.
func Instructions(threshold float64) string {
	return strings.ReplaceAll(instructionsTemplate, "{{threshold}}", strconv.FormatFloat(threshold, 'f', -1, 64))
}

// QuestionsTurn renders the opening client turn listing the questions the
// engine should ask.
func QuestionsTurn(questions []prioritize.Descriptor) (string, error) {
	if questions == nil {
		questions = []prioritize.Descriptor{}
	}
	payload, err := json.Marshal(struct {
		Followups []prioritize.Descriptor `json:"unanswered_followups"`
	}{Followups: questions})
	if err != nil {
		return "", err
	}
	return questionsTurnPrefix + string(payload), nil
}

// UpdateAnswerDeclaration declares the updateAnswer tool.
func UpdateAnswerDeclaration() *genai.FunctionDeclaration {
	nullable := genai.Ptr(true)
	return &genai.FunctionDeclaration{
		Name:        reconcile.ToolName,
		Description: "Record the answer to one follow-up question once the user's response is clear.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"question_id":             {Type: genai.TypeInteger},
				"question_text":           {Type: genai.TypeString},
				"question_frontend_stamp": {Type: genai.TypeString},
				"answer_id":               {Type: genai.TypeInteger, Nullable: nullable},
				"answer_text":             {Type: genai.TypeString, Nullable: nullable},
				"answer_frontend_stamp":   {Type: genai.TypeString, Nullable: nullable},
				"type":                    {Type: genai.TypeString},
				"confidence":              {Type: genai.TypeNumber},
				"evidence":                {Type: genai.TypeString},
			},
			Required: []string{"question_id", "question_text", "question_frontend_stamp", "type", "confidence", "evidence"},
		},
	}
}
