package memory

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// === PURE FUNCTIONS ===
// Conversion and scoring helpers shared across the pipelines.

func toFloat32(embedding []float64) []float32 {
	result := make([]float32, len(embedding))
	for i, v := range embedding {
		result[i] = float32(v)
	}
	return result
}

// normalizeVector scales the vector to unit L2 norm so cosine similarity
// equals the dot product.
func normalizeVector(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return vec
	}
	result := make([]float32, len(vec))
	for i, v := range vec {
		result[i] = float32(float64(v) / norm)
	}
	return result
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func timePtr(t time.Time) *time.Time { return &t }

// bestEventTime picks the most specific timestamp a unit carries.
func bestEventTime(eventDate, occurredStart, mentionedAt *time.Time) *time.Time {
	for _, t := range []*time.Time{eventDate, occurredStart, mentionedAt} {
		if t != nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}

// resolveBestDate picks a scoring date, preferring the occurred midpoint.
func resolveBestDate(occurredStart, occurredEnd, mentionedAt *time.Time) *time.Time {
	switch {
	case occurredStart != nil && occurredEnd != nil:
		mid := occurredStart.UTC().Add(occurredEnd.UTC().Sub(occurredStart.UTC()) / 2)
		return &mid
	case occurredStart != nil:
		return timePtr(occurredStart.UTC())
	case occurredEnd != nil:
		return timePtr(occurredEnd.UTC())
	case mentionedAt != nil:
		return timePtr(mentionedAt.UTC())
	}
	return nil
}

// temporalProximity is 1.0 at the range midpoint and decays linearly to
// 0.0 at the range edges.
func temporalProximity(best, mid time.Time, totalDays float64) float64 {
	daysFromMid := math.Abs(best.Sub(mid).Seconds()) / secondsPerDay
	halfRange := totalDays / 2
	if halfRange <= 0 {
		if daysFromMid < 1 {
			return 1.0
		}
		return 0.0
	}
	return math.Max(0, 1.0-daysFromMid/halfRange)
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
