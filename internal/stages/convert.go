package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/Aman-CERP/qaserve/internal/pipeline"
	"github.com/Aman-CERP/qaserve/internal/store"
)

// MaxFileSize bounds files read by TextConverter.
const MaxFileSize = 32 << 20

// NameMetaKey is the meta field holding the source file name.
const NameMetaKey = "name"

// TextConverter reads plain-text files into documents.
type TextConverter struct {
	// RemoveNumericTables drops lines made mostly of digits.
	RemoveNumericTables bool
}

var _ pipeline.Stage = (*TextConverter)(nil)

func (c *TextConverter) Type() string          { return TypeTextConverter }
func (c *TextConverter) Input() pipeline.Kind  { return pipeline.KindFiles }
func (c *TextConverter) Output() pipeline.Kind { return pipeline.KindDocuments }

// Run converts every file in p.Files. Empty files produce no document.
func (c *TextConverter) Run(ctx context.Context, p *pipeline.Payload) error {
	docs := make([]*store.Document, 0, len(p.Files))
	for _, path := range p.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		text, err := readText(path)
		if err != nil {
			return err
		}
		if c.RemoveNumericTables {
			text = removeNumericLines(text)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}

		meta := make(map[string]string, len(p.FileMeta)+1)
		for k, v := range p.FileMeta {
			meta[k] = v
		}
		meta[NameMetaKey] = filepath.Base(path)
		docs = append(docs, store.NewDocument(text, meta))
	}
	p.Documents = docs
	return nil
}

func readText(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > MaxFileSize {
		return "", fmt.Errorf("%s exceeds %d bytes", path, MaxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%s is not valid UTF-8 text", path)
	}
	return string(data), nil
}

var digitRegex = regexp.MustCompile(`\d`)

func removeNumericLines(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && len(digitRegex.FindAllString(trimmed, -1))*2 > len(trimmed) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// Split units for PreProcessor.
const (
	SplitByWord     = "word"
	SplitBySentence = "sentence"
	SplitByPassage  = "passage"
)

// PreProcessorConfig configures a PreProcessor.
type PreProcessorConfig struct {
	CleanWhitespace bool
	CleanEmptyLines bool
	// SplitBy is word, sentence or passage. Empty disables splitting.
	SplitBy      string
	SplitLength  int
	SplitOverlap int
}

// DefaultPreProcessorConfig splits into 200-word passages.
func DefaultPreProcessorConfig() PreProcessorConfig {
	return PreProcessorConfig{
		CleanWhitespace: true,
		CleanEmptyLines: true,
		SplitBy:         SplitByWord,
		SplitLength:     200,
	}
}

// PreProcessor cleans documents and splits them into smaller ones.
type PreProcessor struct {
	cfg PreProcessorConfig
}

var _ pipeline.Stage = (*PreProcessor)(nil)

// NewPreProcessor validates cfg.
func NewPreProcessor(cfg PreProcessorConfig) (*PreProcessor, error) {
	switch cfg.SplitBy {
	case "", SplitByWord, SplitBySentence, SplitByPassage:
	default:
		return nil, fmt.Errorf("%s: unknown split_by %q", TypePreProcessor, cfg.SplitBy)
	}
	if cfg.SplitBy != "" && cfg.SplitLength <= 0 {
		return nil, fmt.Errorf("%s: split_length must be positive", TypePreProcessor)
	}
	if cfg.SplitOverlap < 0 || (cfg.SplitBy != "" && cfg.SplitOverlap >= cfg.SplitLength) {
		return nil, fmt.Errorf("%s: split_overlap must be in [0, split_length)", TypePreProcessor)
	}
	return &PreProcessor{cfg: cfg}, nil
}

func (pp *PreProcessor) Type() string          { return TypePreProcessor }
func (pp *PreProcessor) Input() pipeline.Kind  { return pipeline.KindDocuments }
func (pp *PreProcessor) Output() pipeline.Kind { return pipeline.KindDocuments }

var (
	blankLinesRegex = regexp.MustCompile(`\n\s*\n+`)
	spaceRunRegex   = regexp.MustCompile(`[ \t]+`)
	sentenceRegex   = regexp.MustCompile(`[^.!?]+[.!?]*\s*`)
)

func (pp *PreProcessor) Run(_ context.Context, p *pipeline.Payload) error {
	out := make([]*store.Document, 0, len(p.Documents))
	for _, d := range p.Documents {
		text := pp.clean(d.Content)
		for i, part := range pp.split(text) {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			meta := make(map[string]string, len(d.Meta)+1)
			for k, v := range d.Meta {
				meta[k] = v
			}
			meta["_split_id"] = fmt.Sprint(i)
			out = append(out, store.NewDocument(part, meta))
		}
	}
	p.Documents = out
	return nil
}

func (pp *PreProcessor) clean(text string) string {
	if pp.cfg.CleanWhitespace {
		lines := strings.Split(text, "\n")
		for i, l := range lines {
			lines[i] = strings.TrimSpace(spaceRunRegex.ReplaceAllString(l, " "))
		}
		text = strings.Join(lines, "\n")
	}
	if pp.cfg.CleanEmptyLines {
		text = blankLinesRegex.ReplaceAllString(text, "\n\n")
	}
	return strings.TrimSpace(text)
}

func (pp *PreProcessor) split(text string) []string {
	var units []string
	var sep string
	switch pp.cfg.SplitBy {
	case "":
		return []string{text}
	case SplitByWord:
		units, sep = strings.Fields(text), " "
	case SplitBySentence:
		units, sep = sentenceRegex.FindAllString(text, -1), ""
	case SplitByPassage:
		units, sep = strings.Split(text, "\n\n"), "\n\n"
	}

	step := pp.cfg.SplitLength - pp.cfg.SplitOverlap
	var parts []string
	for lo := 0; lo < len(units); lo += step {
		hi := min(lo+pp.cfg.SplitLength, len(units))
		parts = append(parts, strings.Join(units[lo:hi], sep))
		if hi == len(units) {
			break
		}
	}
	return parts
}
