package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vango-go/intake-live/pkg/intake/extraction"
	"github.com/vango-go/intake-live/pkg/intake/prioritize"
)

type questionsOutput struct {
	Questions []prioritize.Descriptor `json:"questions"`
	Skipped   []skippedReference      `json:"skipped,omitempty"`
}

type skippedReference struct {
	QuestionID int    `json:"question_id"`
	Reason     string `json:"reason"`
}

func newQuestionsCmd(deps appDeps, flags *rootFlags, stdout io.Writer) *cobra.Command {
	var (
		topK          int
		blueprintPath string
	)
	cmd := &cobra.Command{
		Use:   "questions [extraction.json]",
		Short: "Print the prioritized unanswered questions for an extraction",
		Long: `Read an extraction snapshot (from a file or stdin), normalize it
against the question catalog and print the top-K unanswered questions
in the order a live session would ask them.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			if blueprintPath == "" && deps.loadConfig != nil {
				if cfg, err := deps.loadConfig(flags.configPath); err == nil {
					blueprintPath = cfg.BlueprintPath
					if !cmd.Flags().Changed("top-k") {
						topK = cfg.TopK
					}
				}
			}
			bp, err := loadBlueprint(blueprintPath)
			if err != nil {
				return fmt.Errorf("load blueprint: %w", err)
			}
			return printQuestions(in, stdout, bp, topK)
		},
	}
	cmd.Flags().IntVarP(&topK, "top-k", "k", prioritize.DefaultTopK, "number of questions to select")
	cmd.Flags().StringVar(&blueprintPath, "blueprint", "", "question catalog (YAML or JSON); embedded default when empty")
	return cmd
}

func printQuestions(in io.Reader, out io.Writer, bp *extraction.Blueprint, topK int) error {
	var ext extraction.Extraction
	if err := json.NewDecoder(in).Decode(&ext); err != nil {
		return fmt.Errorf("decode extraction: %w", err)
	}
	ext = ext.Normalize(bp)

	picked, anomalies := prioritize.PickTop(ext.Unanswered, bp, prioritize.DefaultWeights(), topK)
	res := questionsOutput{Questions: picked}
	if res.Questions == nil {
		res.Questions = []prioritize.Descriptor{}
	}
	for _, a := range anomalies {
		res.Skipped = append(res.Skipped, skippedReference{QuestionID: a.QuestionID, Reason: a.Reason})
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
