package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// loadDirectives reads the bank's hard rules. Missing bank or empty column
// yields nil.
func (e *Engine) loadDirectives(ctx context.Context, bankID uuid.UUID) ([]string, error) {
	var directives []string
	err := e.pool.QueryRow(ctx,
		`SELECT directives FROM banks WHERE id = $1`, bankID,
	).Scan(&directives)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(directives))
	for _, d := range directives {
		if strings.TrimSpace(d) != "" {
			out = append(out, d)
		}
	}
	return out, nil
}

// buildDirectivesSection renders the mandatory-rules block placed at the top
// of the reflect system prompt.
func buildDirectivesSection(directives []string) string {
	if len(directives) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## ディレクティブ（必須）\n\n")
	b.WriteString("以下は必ず遵守しなければならないルールです。他の指示よりも優先されます。\n\n")
	for i, d := range directives {
		fmt.Fprintf(&b, "%d. %s\n", i+1, d)
	}
	b.WriteString("\nこれらのディレクティブに違反することは、いかなる状況でも許可されません。\n")
	return b.String()
}

// buildDirectivesReminder renders the closing reminder. Placing the rules
// last again exploits the recency effect.
func buildDirectivesReminder(directives []string) string {
	if len(directives) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("---\n\n")
	b.WriteString("**回答前の確認**: 以下のディレクティブを遵守していることを確認してください:\n\n")
	for i, d := range directives {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, d)
	}
	return b.String()
}
