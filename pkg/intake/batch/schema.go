package batch

import "google.golang.org/genai"

const ExtractorInstructions = `You are an intake-extraction engine for a medical onboarding quiz.

GOAL
- From a single free-form user transcript, infer as many quiz answers as possible.
- Output only valid JSON conforming to the provided schema. No prose, no explanations.
- Do not ask follow-up questions. Do not provide medical advice.

INPUTS
- quiz_spec: array of question objects (id, question_frontend_stamp, question_type, answer_list).
- transcript: the user's narrative speech text.

NORMALIZE
- Height to centimeters; weight to kilograms.
- Dates ISO 8601 (YYYY-MM-DD).
- Map single_choice to one answer_id by matching answer_text.
- Put numbers and free text in answer_text.

RULES
- If unsure, omit the answer and list the question id in "unanswered".
- Never invent sensitive attributes that were not clearly stated.
- If the transcript contradicts itself, keep the most recent statement and add a warning.

OUTPUT
- JSON only.`

// ResponseSchema constrains the extraction model output to the extraction
// record shape.
func ResponseSchema() *genai.Schema {
	nullable := genai.Ptr(true)
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"answers": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"question_id":             {Type: genai.TypeInteger},
						"question_text":           {Type: genai.TypeString, Nullable: nullable},
						"question_frontend_stamp": {Type: genai.TypeString, Nullable: nullable},
						"answer_id":               {Type: genai.TypeInteger, Nullable: nullable},
						"answer_text":             {Type: genai.TypeString, Nullable: nullable},
						"answer_frontend_stamp":   {Type: genai.TypeString, Nullable: nullable},
						"type":                    {Type: genai.TypeString, Nullable: nullable},
						"confidence":              {Type: genai.TypeNumber},
						"evidence":                {Type: genai.TypeString},
					},
					Required: []string{"question_id", "type", "confidence", "evidence"},
				},
			},
			"derived": {
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"height_cm": {Type: genai.TypeNumber, Nullable: nullable},
					"weight_kg": {Type: genai.TypeNumber, Nullable: nullable},
					"bmi":       {Type: genai.TypeNumber, Nullable: nullable},
				},
			},
			"unanswered": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"question_id":             {Type: genai.TypeInteger},
						"question_text":           {Type: genai.TypeString, Nullable: nullable},
						"question_frontend_stamp": {Type: genai.TypeString, Nullable: nullable},
					},
					Required: []string{"question_id"},
				},
			},
			"warnings": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		},
		Required: []string{"answers", "derived", "unanswered", "warnings"},
	}
}
