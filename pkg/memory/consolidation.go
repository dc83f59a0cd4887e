package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/openai/openai-go"
	"github.com/pgvector/pgvector-go"
)

const (
	consolidationBatchSize         = 10
	observationSimilarityThreshold = 0.3
	maxRelatedObservations         = 10
	maxSourceMemoriesPerObs        = 5

	consolidationWorkers    = 3
	consolidationJobTimeout = 10 * time.Minute
)

const consolidationSystemPrompt = `あなたは記憶統合システムです。事実から永続的な知識（Observation）を抽出し、既存の知識と適切にマージする役割を担います。

有効な JSON のみを出力してください。マークダウンのコードブロックや追加テキストは不要です。

## 永続的知識の抽出（一時的状態ではなく）

事実はイベントやアクションを記述することが多いです。一時的な状態ではなく、事実が示す永続的な知識を抽出してください。

永続的知識の抽出例:
- 「ユーザーが203号室に移動した」→「203号室が存在する」（現在位置ではなく）
- 「Acme社を105号室で訪問した」→「Acme社は105号室にある」
- 「サラとロビーで会った」→「サラはロビーにいることがある」

ユーザーの現在位置・状態を知識として追跡しないでください（常に変化するため）。
ユーザーの行動から学んだ永続的な事実を追跡してください。

## 具体的な詳細を保持

名前、場所、数値、その他の具体的情報を保持してください。以下はしないでください:
- 一般的な原則に抽象化する
- ビジネスインサイトを生成する
- 知識を汎用的にする

良い例:
- 事実: 「太郎はピザが好き」→「太郎はピザが好き」
- 事実: 「花子はGoogleで働いている」→「花子はGoogleで働いている」

悪い例:
- 「太郎はピザが好き」→「食の好みを理解することは...」（抽象化しすぎ）
- 「ユーザーは203号室にいる」→「ユーザーは現在203号室にいる」（一時的状態）

## マージルール（既存 Observation との比較時）:
1. REDUNDANT: 同じ情報の言い換え → 既存を更新（proof_count 増加）
2. CONTRADICTION: 同じトピックについて矛盾する情報 → 時間マーカー付きで更新
   例: 「太郎は以前ピザが好きだったが、今は嫌い」
3. UPDATE: 古い状態を新しい状態に更新 → 「以前はX、現在はY」で変遷を示す

## 重要な制約:
- 異なる人物の事実を絶対にマージしない
- 無関係なトピック（食の好み vs 仕事 vs 趣味）をマージしない
- 矛盾をマージする場合、text には必ず両方の状態を時間マーカーで記録する:
  * 「以前はX、現在はY」「XからYに変わった」
  * 新しい事実だけを述べない — 必ず変化を示す
- 1つの Observation は1人の特定トピックに焦点を当てる
- text には永続的知識を記述し、一時的状態は含めない`

const consolidationUserTemplate = `この新しい事実を分析し、知識に統合してください。
%s
新しい事実: %s

既存の Observations（JSON 配列、根拠となる元の記憶付き）:
%s

各 Observation の構造:
- id: 更新用の一意識別子
- text: Observation の内容
- proof_count: 根拠となる記憶の数
- source_memories: 根拠となる元の記憶（テキストと日付）

手順:
1. 新しい事実から永続的知識を抽出する（一時的状態ではなく）
2. 既存 Observations の source_memories を確認して根拠を理解する
3. 日付を確認して矛盾や更新を検出する
4. Observations と比較する:
   - 同じトピック → learning_id 付きで UPDATE
   - 新しいトピック → 新規 CREATE
   - 純粋に一時的 → 空配列 [] を返す

出力 JSON 配列:
[
  {"action": "update", "learning_id": "既存ObservationのUUID", "text": "更新された知識", "reason": "更新理由"},
  {"action": "create", "text": "新しい永続的知識", "reason": "作成理由"}
]

永続的知識がない場合は [] を返してください。`

type consolidationAction struct {
	Action     string `json:"action"`
	LearningID string `json:"learning_id"`
	Text       string `json:"text"`
	Reason     string `json:"reason"`
}

type unconsolidatedFact struct {
	ID            uuid.UUID
	Text          string
	FactType      string
	EventDate     *time.Time
	OccurredStart *time.Time
	OccurredEnd   *time.Time
	MentionedAt   *time.Time
}

type relatedObservation struct {
	ID              uuid.UUID
	Text            string
	ProofCount      int
	History         []ObservationRevision
	SourceMemoryIDs []uuid.UUID
	SourceMemories  []sourceMemory
}

type sourceMemory struct {
	Text          string  `json:"text"`
	EventDate     *string `json:"event_date"`
	OccurredStart *string `json:"occurred_start"`
}

// bankConsolidationJob runs one bank's consolidation inside the worker pool.
type bankConsolidationJob struct {
	engine *Engine
	bankID uuid.UUID
}

func (j bankConsolidationJob) Process(ctx context.Context) (*ConsolidationStats, error) {
	return j.engine.ConsolidateBank(ctx, j.bankID)
}

// consolidateAllBanks fans out over every bank holding unconsolidated
// facts. A failing bank is logged and skipped; the next cycle retries it.
func (e *Engine) consolidateAllBanks(ctx context.Context) (*ConsolidationRun, error) {
	startedAt := time.Now()

	rows, err := e.pool.Query(ctx, `
		SELECT DISTINCT bank_id
		FROM memory_units
		WHERE consolidated_at IS NULL
		  AND fact_type IN ('world', 'experience')`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing banks with pending facts: %w", err)
	}
	var bankIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		bankIDs = append(bankIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	run := &ConsolidationRun{Results: make(map[string]ConsolidationStats)}
	if len(bankIDs) == 0 {
		run.ElapsedMs = time.Since(startedAt).Milliseconds()
		return run, nil
	}

	jobs := make([]bankConsolidationJob, len(bankIDs))
	for i, bankID := range bankIDs {
		jobs[i] = bankConsolidationJob{engine: e, bankID: bankID}
	}

	pool := NewWorkerPool[bankConsolidationJob, *ConsolidationStats](consolidationWorkers, e.logger)
	for result := range pool.Process(ctx, jobs, consolidationJobTimeout) {
		if result.Error != nil {
			e.logger.Error("Bank consolidation failed", "bank", result.Job.bankID, "error", result.Error)
			continue
		}
		run.BanksProcessed++
		run.TotalProcessed += result.Result.Processed
		run.Results[result.Job.bankID.String()] = *result.Result
	}

	run.ElapsedMs = time.Since(startedAt).Milliseconds()
	e.logger.Info("Consolidation run complete",
		"banks", run.BanksProcessed, "processed", run.TotalProcessed, "elapsed_ms", run.ElapsedMs)
	return run, nil
}

// ConsolidateBank promotes the bank's unconsolidated facts into
// observations, then runs the freshness pass and mental model maintenance.
func (e *Engine) ConsolidateBank(ctx context.Context, bankID uuid.UUID) (*ConsolidationStats, error) {
	var mission string
	err := e.pool.QueryRow(ctx, `SELECT mission FROM banks WHERE id = $1`, bankID).Scan(&mission)
	if err != nil && err != pgx.ErrNoRows {
		return nil, fmt.Errorf("loading bank mission: %w", err)
	}

	stats := &ConsolidationStats{}
	var affectedObservationIDs []uuid.UUID

	for {
		facts, err := e.fetchUnconsolidatedFacts(ctx, bankID)
		if err != nil {
			return stats, fmt.Errorf("fetching unconsolidated facts: %w", err)
		}
		if len(facts) == 0 {
			break
		}

		for _, fact := range facts {
			created, updated, skipped, obsIDs, err := e.processFact(ctx, bankID, fact, mission)
			if err != nil {
				// consolidated_at stays NULL so the next cycle retries.
				e.logger.Error("Failed to process fact", "fact", fact.ID, "error", err)
				stats.Failed++
				continue
			}

			stats.Processed++
			stats.Created += created
			stats.Updated += updated
			if skipped {
				stats.Skipped++
			}
			affectedObservationIDs = append(affectedObservationIDs, obsIDs...)

			// Marked per fact so a crash mid-batch loses at most one.
			// Skips are marked too: no durable knowledge means no retry.
			if _, err := e.pool.Exec(ctx, `
				UPDATE memory_units SET consolidated_at = NOW() WHERE id = $1`,
				fact.ID,
			); err != nil {
				return stats, fmt.Errorf("marking fact consolidated: %w", err)
			}
		}
	}

	if stats.Processed > 0 {
		if updated, err := e.updateFreshnessForBank(ctx, bankID); err != nil {
			e.logger.Error("Freshness pass failed", "bank", bankID, "error", err)
		} else {
			stats.FreshnessUpdated = updated
		}

		if refreshed, err := e.triggerMentalModelRefresh(ctx, bankID); err != nil {
			e.logger.Error("Mental model refresh failed", "bank", bankID, "error", err)
		} else {
			stats.ModelsRefreshed = refreshed
		}

		if generated, err := e.triggerMentalModelGeneration(ctx, bankID, affectedObservationIDs, mission); err != nil {
			e.logger.Error("Mental model generation failed", "bank", bankID, "error", err)
		} else {
			stats.ModelsGenerated = generated
		}
	}

	e.logger.Info("Consolidation complete", "bank", bankID,
		"processed", stats.Processed, "created", stats.Created,
		"updated", stats.Updated, "skipped", stats.Skipped,
		"mm_refreshed", stats.ModelsRefreshed, "mm_generated", stats.ModelsGenerated)
	return stats, nil
}

func (e *Engine) fetchUnconsolidatedFacts(ctx context.Context, bankID uuid.UUID) ([]unconsolidatedFact, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT id, text, fact_type, event_date,
		       occurred_start, occurred_end, mentioned_at
		FROM memory_units
		WHERE bank_id = $1
		  AND consolidated_at IS NULL
		  AND fact_type IN ('world', 'experience')
		ORDER BY created_at ASC
		LIMIT $2`,
		bankID, consolidationBatchSize,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var facts []unconsolidatedFact
	for rows.Next() {
		var f unconsolidatedFact
		if err := rows.Scan(&f.ID, &f.Text, &f.FactType, &f.EventDate, &f.OccurredStart, &f.OccurredEnd, &f.MentionedAt); err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

func (e *Engine) findRelatedObservations(ctx context.Context, bankID uuid.UUID, factText string) ([]relatedObservation, error) {
	raw, err := e.embeddings.Embedding(ctx, factText, e.embeddingsModel)
	if err != nil {
		return nil, fmt.Errorf("embedding fact text: %w", err)
	}
	factVec := normalizeVector(toFloat32(raw))

	rows, err := e.pool.Query(ctx, `
		SELECT id, text, proof_count, history, source_memory_ids
		FROM memory_units
		WHERE bank_id = $1
		  AND fact_type = 'observation'
		  AND embedding IS NOT NULL
		  AND (1 - (embedding <=> $2)) >= $3
		ORDER BY embedding <=> $2
		LIMIT $4`,
		bankID, pgvector.NewVector(factVec), observationSimilarityThreshold, maxRelatedObservations,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var observations []relatedObservation
	for rows.Next() {
		var obs relatedObservation
		var historyJSON []byte
		if err := rows.Scan(&obs.ID, &obs.Text, &obs.ProofCount, &historyJSON, &obs.SourceMemoryIDs); err != nil {
			return nil, err
		}
		if obs.ProofCount == 0 {
			obs.ProofCount = 1
		}
		if len(historyJSON) > 0 {
			_ = json.Unmarshal(historyJSON, &obs.History)
		}
		observations = append(observations, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range observations {
		memories, err := e.fetchSourceMemories(ctx, bankID, observations[i].SourceMemoryIDs)
		if err != nil {
			return nil, err
		}
		observations[i].SourceMemories = memories
	}
	return observations, nil
}

func (e *Engine) fetchSourceMemories(ctx context.Context, bankID uuid.UUID, sourceIDs []uuid.UUID) ([]sourceMemory, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}
	if len(sourceIDs) > maxSourceMemoriesPerObs {
		sourceIDs = sourceIDs[:maxSourceMemoriesPerObs]
	}

	rows, err := e.pool.Query(ctx, `
		SELECT text, event_date, occurred_start
		FROM memory_units
		WHERE id = ANY($1)
		  AND bank_id = $2
		ORDER BY created_at ASC
		LIMIT $3`,
		sourceIDs, bankID, maxSourceMemoriesPerObs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memories []sourceMemory
	for rows.Next() {
		var text string
		var eventDate, occurredStart *time.Time
		if err := rows.Scan(&text, &eventDate, &occurredStart); err != nil {
			return nil, err
		}
		mem := sourceMemory{Text: text}
		if eventDate != nil {
			s := eventDate.UTC().Format(time.RFC3339)
			mem.EventDate = &s
		}
		if occurredStart != nil {
			s := occurredStart.UTC().Format(time.RFC3339)
			mem.OccurredStart = &s
		}
		memories = append(memories, mem)
	}
	return memories, rows.Err()
}

// processFact adjudicates one fact against its related observations and
// executes the resulting create/update actions in one transaction.
func (e *Engine) processFact(ctx context.Context, bankID uuid.UUID, fact unconsolidatedFact, mission string) (created, updated int, skipped bool, obsIDs []uuid.UUID, err error) {
	observations, err := e.findRelatedObservations(ctx, bankID, fact.Text)
	if err != nil {
		return 0, 0, false, nil, err
	}

	actions := e.consolidateWithLLM(ctx, fact.Text, observations, mission)
	if len(actions) == 0 {
		return 0, 0, true, nil, nil
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return 0, 0, false, nil, fmt.Errorf("beginning consolidation transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, action := range actions {
		switch action.Action {
		case "create":
			obsID, err := e.executeCreateAction(ctx, tx, bankID, fact, action)
			if err != nil {
				return 0, 0, false, nil, err
			}
			created++
			obsIDs = append(obsIDs, obsID)
		case "update":
			obsID, ok, err := e.executeUpdateAction(ctx, tx, fact, action, observations)
			if err != nil {
				return 0, 0, false, nil, err
			}
			if ok {
				updated++
				obsIDs = append(obsIDs, obsID)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, false, nil, fmt.Errorf("committing consolidation transaction: %w", err)
	}
	committed = true

	if created == 0 && updated == 0 {
		return 0, 0, true, nil, nil
	}
	return created, updated, false, obsIDs, nil
}

func (e *Engine) consolidateWithLLM(ctx context.Context, factText string, observations []relatedObservation, mission string) []consolidationAction {
	observationsText := "[]"
	if len(observations) > 0 {
		type obsPayload struct {
			ID             string         `json:"id"`
			Text           string         `json:"text"`
			ProofCount     int            `json:"proof_count"`
			SourceMemories []sourceMemory `json:"source_memories,omitempty"`
		}
		payload := make([]obsPayload, len(observations))
		for i, obs := range observations {
			memories := obs.SourceMemories
			if len(memories) > 3 {
				memories = memories[:3]
			}
			payload[i] = obsPayload{
				ID:             obs.ID.String(),
				Text:           obs.Text,
				ProofCount:     obs.ProofCount,
				SourceMemories: memories,
			}
		}
		if data, err := json.Marshal(payload); err == nil {
			observationsText = string(data)
		}
	}

	missionSection := ""
	if mission != "" {
		missionSection = fmt.Sprintf("\nミッション: %s\nこのミッションに役立つ永続的知識に焦点を当ててください。\n", mission)
	}

	userMessage := fmt.Sprintf(consolidationUserTemplate, missionSection, factText, observationsText)

	llmCtx, cancel := context.WithTimeout(ctx, llmCallTimeout)
	defer cancel()

	response, err := e.completions.Completions(llmCtx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(consolidationSystemPrompt),
		openai.UserMessage(userMessage),
	}, nil, e.consolidationModel)
	if err != nil {
		e.logger.Error("Failed to call LLM for consolidation", "error", err)
		return nil
	}

	var actions []consolidationAction
	if err := json.Unmarshal(findJSONArray(response.Content), &actions); err != nil {
		e.logger.Warn("Unparseable consolidation response", "content", truncateForLog(response.Content, 200))
		return nil
	}

	valid := make([]consolidationAction, 0, len(actions))
	for _, action := range actions {
		switch {
		case action.Action == "create" && action.Text != "":
			valid = append(valid, action)
		case action.Action == "update" && action.LearningID != "" && action.Text != "":
			valid = append(valid, action)
		default:
			e.logger.Warn("Invalid consolidation action", "action", action.Action)
		}
	}
	return valid
}

func (e *Engine) executeCreateAction(ctx context.Context, tx pgx.Tx, bankID uuid.UUID, fact unconsolidatedFact, action consolidationAction) (uuid.UUID, error) {
	raw, err := e.embeddings.Embedding(ctx, action.Text, e.embeddingsModel)
	if err != nil {
		return uuid.Nil, fmt.Errorf("embedding observation text: %w", err)
	}
	embedding := normalizeVector(toFloat32(raw))

	now := time.Now().UTC()
	occurredStart := fact.OccurredStart
	if occurredStart == nil {
		occurredStart = &now
	}
	occurredEnd := fact.OccurredEnd
	if occurredEnd == nil {
		occurredEnd = &now
	}
	mentionedAt := fact.MentionedAt
	if mentionedAt == nil {
		mentionedAt = &now
	}

	var obsID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO memory_units (
			bank_id, text, embedding, fact_type,
			proof_count, source_memory_ids, history,
			event_date, occurred_start, occurred_end, mentioned_at
		) VALUES (
			$1, $2, $3, 'observation',
			1, ARRAY[$4::uuid], '[]'::jsonb,
			$5, $6, $7, $8
		)
		RETURNING id`,
		bankID, action.Text, pgvector.NewVector(embedding), fact.ID,
		fact.EventDate, occurredStart, occurredEnd, mentionedAt,
	).Scan(&obsID)
	if err != nil {
		return uuid.Nil, err
	}

	// Observation inherits the source fact's entity links.
	if _, err := tx.Exec(ctx, `
		INSERT INTO unit_entities (unit_id, entity_id)
		SELECT $1, entity_id
		FROM unit_entities
		WHERE unit_id = $2
		ON CONFLICT DO NOTHING`,
		obsID, fact.ID,
	); err != nil {
		return uuid.Nil, err
	}

	e.logger.Debug("Created observation", "observation", obsID, "fact", fact.ID)
	return obsID, nil
}

func (e *Engine) executeUpdateAction(ctx context.Context, tx pgx.Tx, fact unconsolidatedFact, action consolidationAction, observations []relatedObservation) (uuid.UUID, bool, error) {
	var target *relatedObservation
	for i := range observations {
		if observations[i].ID.String() == action.LearningID {
			target = &observations[i]
			break
		}
	}
	if target == nil {
		e.logger.Warn("Observation not found for update", "learning_id", action.LearningID)
		return uuid.Nil, false, nil
	}

	reason := action.Reason
	if reason == "" {
		reason = "Updated with new fact"
	}
	history := append(append([]ObservationRevision{}, target.History...), ObservationRevision{
		PreviousText:   target.Text,
		ChangedAt:      time.Now().UTC(),
		Reason:         reason,
		SourceMemoryID: fact.ID,
	})
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("marshalling history: %w", err)
	}

	raw, err := e.embeddings.Embedding(ctx, action.Text, e.embeddingsModel)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("embedding updated observation: %w", err)
	}
	embedding := normalizeVector(toFloat32(raw))

	if _, err := tx.Exec(ctx, `
		UPDATE memory_units
		SET text = $1,
		    embedding = $2,
		    history = $3,
		    source_memory_ids = CASE
		        WHEN $4::uuid = ANY(source_memory_ids)
		        THEN source_memory_ids
		        ELSE array_append(source_memory_ids, $4::uuid)
		    END,
		    proof_count = CASE
		        WHEN $4::uuid = ANY(source_memory_ids)
		        THEN COALESCE(array_length(source_memory_ids, 1), 0)
		        ELSE COALESCE(array_length(source_memory_ids, 1), 0) + 1
		    END,
		    occurred_start = LEAST(occurred_start, COALESCE($6, occurred_start)),
		    occurred_end = GREATEST(occurred_end, COALESCE($7, occurred_end)),
		    mentioned_at = GREATEST(mentioned_at, COALESCE($8, mentioned_at))
		WHERE id = $5`,
		action.Text, pgvector.NewVector(embedding), historyJSON, fact.ID, target.ID,
		fact.OccurredStart, fact.OccurredEnd, fact.MentionedAt,
	); err != nil {
		return uuid.Nil, false, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO unit_entities (unit_id, entity_id)
		SELECT $1, entity_id
		FROM unit_entities
		WHERE unit_id = $2
		ON CONFLICT DO NOTHING`,
		target.ID, fact.ID,
	); err != nil {
		return uuid.Nil, false, err
	}

	e.logger.Debug("Updated observation", "observation", target.ID, "fact", fact.ID)
	return target.ID, true, nil
}
