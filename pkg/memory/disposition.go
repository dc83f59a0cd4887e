package memory

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const dispositionDefault = 3

// Disposition is the bank's three-axis personality, each on a 1-5 scale.
// Axes at the midpoint produce no prompt guidance.
type Disposition struct {
	Skepticism int `json:"skepticism"`
	Literalism int `json:"literalism"`
	Empathy    int `json:"empathy"`
}

func defaultDisposition() Disposition {
	return Disposition{
		Skepticism: dispositionDefault,
		Literalism: dispositionDefault,
		Empathy:    dispositionDefault,
	}
}

func (e *Engine) loadDisposition(ctx context.Context, bankID uuid.UUID) Disposition {
	var raw []byte
	err := e.pool.QueryRow(ctx,
		`SELECT disposition FROM banks WHERE id = $1`, bankID,
	).Scan(&raw)
	if err != nil {
		if err != pgx.ErrNoRows {
			e.logger.Warn("Failed to load disposition", "bank", bankID, "error", err)
		}
		return defaultDisposition()
	}
	if len(raw) == 0 {
		return defaultDisposition()
	}

	var values map[string]int
	if err := json.Unmarshal(raw, &values); err != nil {
		return defaultDisposition()
	}

	get := func(key string) int {
		if v, ok := values[key]; ok {
			return clampAxis(v)
		}
		return dispositionDefault
	}
	return Disposition{
		Skepticism: get("skepticism"),
		Literalism: get("literalism"),
		Empathy:    get("empathy"),
	}
}

func clampAxis(v int) int {
	if v < 1 {
		return 1
	}
	if v > 5 {
		return 5
	}
	return v
}

// buildDispositionPrompt renders soft reasoning guidance. Empty when every
// axis is neutral.
func buildDispositionPrompt(d Disposition) string {
	var guidelines []string

	if d.Skepticism >= 4 {
		guidelines = append(guidelines,
			"主張に懐疑的に対応してください。矛盾する証拠を積極的に探し、裏付けのない主張には注意を促してください。")
	} else if d.Skepticism <= 2 {
		guidelines = append(guidelines,
			"提供された情報を信頼し、額面通りに受け取ってください。特に疑わしい点がなければ追加検証は不要です。")
	}

	if d.Literalism >= 4 {
		guidelines = append(guidelines,
			"文字通りに解釈してください。正確な約束、具体的な数値、明示的に述べられた事実に注目してください。")
	} else if d.Literalism <= 2 {
		guidelines = append(guidelines,
			"行間を読み、暗示的な意味を考慮してください。文脈から推測される意図やニュアンスも回答に反映してください。")
	}

	if d.Empathy >= 4 {
		guidelines = append(guidelines,
			"感情状態や置かれた状況を考慮してください。共感的な視点を持ち、心理的な側面にも注目してください。")
	} else if d.Empathy <= 2 {
		guidelines = append(guidelines,
			"事実と結果に焦点を当ててください。客観的なデータと論理的な分析を優先してください。")
	}

	if len(guidelines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## 推論ガイダンス\n\n")
	for _, g := range guidelines {
		b.WriteString("- " + g + "\n")
	}
	return b.String()
}
