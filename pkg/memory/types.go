package memory

import (
	"time"

	"github.com/google/uuid"
)

type FactType string

const (
	FactTypeWorld       FactType = "world"
	FactTypeExperience  FactType = "experience"
	FactTypeObservation FactType = "observation"
)

type FactKind string

const (
	FactKindEvent        FactKind = "event"
	FactKindConversation FactKind = "conversation"
)

type LinkType string

const (
	LinkSemantic LinkType = "semantic"
	LinkTemporal LinkType = "temporal"
	LinkEntity   LinkType = "entity"
	LinkCauses   LinkType = "causes"
	LinkCausedBy LinkType = "caused_by"
)

// Fact is one extracted statement with its 5W1H structure.
type Fact struct {
	Text             string
	What             string
	Who              []string
	WhenDescription  string
	WhereDescription string
	WhyDescription   string
	EventDate        *time.Time
	OccurredStart    *time.Time
	OccurredEnd      *time.Time
	FactKind         FactKind
	FactType         FactType
}

// RetainResult reports what a single retain call persisted.
type RetainResult struct {
	Stored     int         `json:"stored"`
	Duplicates int         `json:"duplicates"`
	FactIDs    []uuid.UUID `json:"fact_ids"`
}

// MemoryResult is one ranked recall hit.
type MemoryResult struct {
	ID            uuid.UUID  `json:"id"`
	Text          string     `json:"text"`
	Context       string     `json:"context,omitempty"`
	FactType      FactType   `json:"fact_type"`
	FactKind      FactKind   `json:"fact_kind,omitempty"`
	EventDate     *time.Time `json:"event_date,omitempty"`
	CreatedAt     *time.Time `json:"-"`
	OccurredStart *time.Time `json:"-"`
	MentionedAt   *time.Time `json:"-"`
	Score         float64    `json:"score"`
	CEScore       float64    `json:"-"`
}

// RecallResult is the recall response envelope.
type RecallResult struct {
	Memories   []MemoryResult `json:"memories"`
	TotalFound int            `json:"total_found"`
	Returned   int            `json:"returned"`
	Budget     Budget         `json:"budget"`
}

// ReflectResult is the reflect response envelope.
type ReflectResult struct {
	Answer         string      `json:"answer"`
	MemoryIDs      []uuid.UUID `json:"memory_ids"`
	MentalModelIDs []uuid.UUID `json:"mental_model_ids"`
	ObservationIDs []uuid.UUID `json:"observation_ids"`
	Iterations     int         `json:"iterations"`
	ToolCalls      []string    `json:"tool_calls"`
	ElapsedMs      int64       `json:"elapsed_ms"`
}

// ObservationRevision is one history entry appended when consolidation
// rewrites an observation.
type ObservationRevision struct {
	PreviousText   string    `json:"previous_text"`
	ChangedAt      time.Time `json:"changed_at"`
	Reason         string    `json:"reason"`
	SourceMemoryID uuid.UUID `json:"source_memory_id"`
}

// MentalModel is a curated summary over the observation tier.
type MentalModel struct {
	ID                   uuid.UUID      `json:"id"`
	BankID               uuid.UUID      `json:"bank_id"`
	Name                 string         `json:"name"`
	Description          string         `json:"description,omitempty"`
	Content              string         `json:"content"`
	SourceQuery          string         `json:"source_query,omitempty"`
	EntityID             *uuid.UUID     `json:"entity_id,omitempty"`
	SourceObservationIDs []uuid.UUID    `json:"source_observation_ids,omitempty"`
	Tags                 []string       `json:"tags,omitempty"`
	MaxTokens            int            `json:"max_tokens"`
	Trigger              map[string]any `json:"trigger"`
	LastRefreshedAt      *time.Time     `json:"last_refreshed_at,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
	Similarity           float64        `json:"similarity,omitempty"`
	IsStale              bool           `json:"is_stale,omitempty"`
}

// ResolvedEntity is the outcome of matching one free-form name.
type ResolvedEntity struct {
	EntityID      uuid.UUID
	CanonicalName string
	EntityType    string
	IsNew         bool
}

// ScoredUnit is a (unit, score) pair returned by graph and temporal search.
type ScoredUnit struct {
	ID    uuid.UUID
	Score float64
}

// ConsolidationStats summarizes one consolidation cycle for a bank.
type ConsolidationStats struct {
	Processed        int `json:"processed"`
	Created          int `json:"created"`
	Updated          int `json:"updated"`
	Skipped          int `json:"skipped"`
	Failed           int `json:"failed"`
	ModelsRefreshed  int `json:"models_refreshed"`
	ModelsGenerated  int `json:"models_generated"`
	FreshnessUpdated int `json:"freshness_updated"`
}

// ConsolidationRun summarizes a scheduler pass over all banks.
type ConsolidationRun struct {
	BanksProcessed int                           `json:"banks_processed"`
	TotalProcessed int                           `json:"total_processed"`
	Results        map[string]ConsolidationStats `json:"results"`
	ElapsedMs      int64                         `json:"elapsed_ms"`
}
