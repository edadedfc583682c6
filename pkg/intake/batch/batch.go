// Package batch turns a finished audio recording into a transcript and an
// extraction in two model calls.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"google.golang.org/genai"

	"github.com/vango-go/intake-live/pkg/intake/extraction"
)

const (
	DefaultTranscribeModel = "gemini-2.5-flash"
	DefaultExtractModel    = "gemini-2.0-flash-001"

	TranscribePrompt = "Transcribe this audio verbatim in English. Output only the transcript text."

	// InvalidJSONWarning is recorded when the extractor output cannot be
	// parsed even after repair.
	InvalidJSONWarning = "Invalid JSON from model"
)

// ErrEmptyTranscript is returned when the transcription model returns no text.
var ErrEmptyTranscript = errors.New("transcription failed")

// Generator is the subset of genai.Models used here.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Processor struct {
	Models          Generator
	TranscribeModel string
	ExtractModel    string
	Blueprint       *extraction.Blueprint
	Logger          *slog.Logger
}

// Result is the response body of the batch endpoint.
type Result struct {
	Transcript string                `json:"transcript"`
	Parsed     extraction.Extraction `json:"parsed"`
}

func NewProcessor(client *genai.Client, blueprint *extraction.Blueprint, logger *slog.Logger) *Processor {
	p := &Processor{Blueprint: blueprint, Logger: logger}
	if client != nil {
		p.Models = client.Models
	}
	return p
}

// Process transcribes audio and extracts answers from the transcript.
func (p *Processor) Process(ctx context.Context, audio []byte, mimeType string) (Result, error) {
	transcript, err := p.Transcribe(ctx, audio, mimeType)
	if err != nil {
		return Result{}, err
	}
	parsed, err := p.Extract(ctx, transcript)
	if err != nil {
		return Result{}, err
	}
	return Result{Transcript: transcript, Parsed: parsed}, nil
}

func (p *Processor) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if p.Models == nil {
		return "", errors.New("batch: model client is not configured")
	}
	if len(audio) == 0 {
		return "", errors.New("batch: audio is empty")
	}
	if strings.TrimSpace(mimeType) == "" {
		mimeType = "application/octet-stream"
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(audio, mimeType),
			genai.NewPartFromText(TranscribePrompt),
		}, genai.RoleUser),
	}
	resp, err := p.Models.GenerateContent(ctx, p.transcribeModel(), contents, nil)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	text := strings.TrimSpace(responseText(resp))
	if text == "" {
		return "", ErrEmptyTranscript
	}
	p.logger().Info("transcription finished", "model", p.transcribeModel(), "audio_bytes", len(audio), "transcript_chars", len(text))
	return text, nil
}

// Extract asks the extraction model for answers found in transcript. Output
// that is not valid JSON is repaired when possible; otherwise the result is
// an empty extraction with InvalidJSONWarning. The returned extraction is
// normalized against the blueprint with derived fields recomputed.
func (p *Processor) Extract(ctx context.Context, transcript string) (extraction.Extraction, error) {
	if p.Models == nil {
		return extraction.Extraction{}, errors.New("batch: model client is not configured")
	}
	bp := p.Blueprint
	if bp == nil {
		bp = extraction.DefaultBlueprint()
	}

	catalog, err := json.Marshal(bp.Questions())
	if err != nil {
		return extraction.Extraction{}, fmt.Errorf("encode question catalog: %w", err)
	}
	contents := []*genai.Content{
		genai.NewContentFromText(ExtractorInstructions, genai.RoleUser),
		genai.NewContentFromText("quiz_spec:\n"+string(catalog), genai.RoleUser),
		genai.NewContentFromText("transcript:\n"+transcript, genai.RoleUser),
	}
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   ResponseSchema(),
	}
	resp, err := p.Models.GenerateContent(ctx, p.extractModel(), contents, cfg)
	if err != nil {
		return extraction.Extraction{}, fmt.Errorf("extract: %w", err)
	}

	parsed, err := parseExtraction(responseText(resp))
	if err != nil {
		p.logger().Warn("extractor returned invalid JSON", "model", p.extractModel(), "error", err)
		parsed = extraction.Extraction{Warnings: []string{InvalidJSONWarning}}
	}
	out := parsed.Normalize(bp).WithDerived(bp)
	p.logger().Info("extraction finished",
		"model", p.extractModel(),
		"answers", len(out.Answers),
		"unanswered", len(out.Unanswered),
		"warnings", len(out.Warnings),
	)
	return out, nil
}

func parseExtraction(text string) (extraction.Extraction, error) {
	var out extraction.Extraction
	err := json.Unmarshal([]byte(text), &out)
	if err == nil {
		return out, nil
	}
	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) {
		return extraction.Extraction{}, err
	}
	fixed, rerr := jsonrepair.JSONRepair(text)
	if rerr != nil {
		return extraction.Extraction{}, fmt.Errorf("repair: %w", rerr)
	}
	out = extraction.Extraction{}
	if err := json.Unmarshal([]byte(fixed), &out); err != nil {
		return extraction.Extraction{}, err
	}
	return out, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	return resp.Text()
}

func (p *Processor) transcribeModel() string {
	if m := strings.TrimSpace(p.TranscribeModel); m != "" {
		return m
	}
	return DefaultTranscribeModel
}

func (p *Processor) extractModel() string {
	if m := strings.TrimSpace(p.ExtractModel); m != "" {
		return m
	}
	return DefaultExtractModel
}

func (p *Processor) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// GuessMIME maps common audio file extensions to a MIME type.
func GuessMIME(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".webm":
		return "audio/webm"
	case ".ogg":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}
