package core

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// MaxPromptLen bounds prompt text; upstream remixing already enforces this,
// the check here guards direct CLI input.
const MaxPromptLen = 2000

// PromptRow is one generation request produced by upstream prompt remixing.
// Rows are immutable once loaded; this core consumes them read-only.
type PromptRow struct {
	Prompt      string   `json:"prompt"`
	SourceImage string   `json:"sourceImage,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Seed        *int64   `json:"seed,omitempty"`
	Meta        *RowMeta `json:"_meta,omitempty"`
}

// RowMeta carries bookkeeping attached by the remixer.
type RowMeta struct {
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// Validate checks the row against the data-model bounds.
func (r *PromptRow) Validate() error {
	trimmed := strings.TrimSpace(r.Prompt)
	if trimmed == "" {
		return fmt.Errorf("core: empty prompt")
	}
	if len(r.Prompt) > MaxPromptLen {
		return fmt.Errorf("core: prompt exceeds %d chars (%d)", MaxPromptLen, len(r.Prompt))
	}
	return nil
}

// LoadPromptRows reads prompt rows from a JSONL file, one row per line.
// Blank lines are skipped; any invalid row aborts the load with its line
// number so the caller can fix the input.
func LoadPromptRows(path string) ([]PromptRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("core: open prompts: %w", err)
	}
	defer f.Close()

	var rows []PromptRow
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var row PromptRow
		if err := json.Unmarshal([]byte(text), &row); err != nil {
			return nil, fmt.Errorf("core: prompts line %d: %w", line, err)
		}
		if err := row.Validate(); err != nil {
			return nil, fmt.Errorf("core: prompts line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("core: read prompts: %w", err)
	}
	return rows, nil
}
