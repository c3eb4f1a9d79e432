package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/jo-hoe/landmarks/internal/backend/classifier"
	"github.com/jo-hoe/landmarks/internal/backend/database"
)

// Prediction is one ranked class. Score is a percentage like Confidence.
type Prediction struct {
	ClassIndex  int     `json:"classIndex"`
	ClassName   string  `json:"className"`
	Score       float64 `json:"score"`
	Description string  `json:"description"`
}

// Response is the body of a successful classification.
type Response struct {
	Success     bool         `json:"success"`
	ClassIndex  int          `json:"classIndex"`
	ClassName   string       `json:"className"`
	Confidence  float64      `json:"confidence"`
	Description string       `json:"description"`
	Predictions []Prediction `json:"predictions"`
}

// RecordLookup reads one class record; found=false means no record.
type RecordLookup func(ctx context.Context, index int) (database.ClassRecord, bool, error)

func PlaceholderDescription(index int) string {
	return fmt.Sprintf("no description available for class %d", index)
}

// FallbackName is the configured label for index, or "class N" outside it.
func FallbackName(index int, labels []string) string {
	if index >= 0 && index < len(labels) && labels[index] != "" {
		return labels[index]
	}
	return fmt.Sprintf("class %d", index)
}

// ToPercent converts a probability to a percentage with two decimals.
func ToPercent(p float64) float64 {
	return math.Round(p*10000) / 100
}

// Assemble joins ranked classes with their metadata. A missing record or a
// failing lookup yields a placeholder instead of an error; the affected
// indices are returned so callers can count them.
func Assemble(ctx context.Context, ranked []classifier.Ranked, lookup RecordLookup, labels []string) (Response, []int, error) {
	if len(ranked) == 0 {
		return Response{}, nil, errors.New("nothing to assemble")
	}

	var missing []int
	predictions := make([]Prediction, len(ranked))
	for i, r := range ranked {
		p := Prediction{
			ClassIndex:  r.Index,
			ClassName:   FallbackName(r.Index, labels),
			Score:       ToPercent(r.Probability),
			Description: PlaceholderDescription(r.Index),
		}

		record, found, err := lookup(ctx, r.Index)
		switch {
		case err != nil:
			slog.Warn("class metadata lookup failed, using placeholder", "class_index", r.Index, "error", err)
			missing = append(missing, r.Index)
		case !found:
			slog.Warn("no metadata for class, using placeholder", "class_index", r.Index)
			missing = append(missing, r.Index)
		default:
			if record.Name != "" {
				p.ClassName = record.Name
			}
			if record.Description != "" {
				p.Description = record.Description
			}
		}
		predictions[i] = p
	}

	best := predictions[0]
	return Response{
		Success:     true,
		ClassIndex:  best.ClassIndex,
		ClassName:   best.ClassName,
		Confidence:  best.Score,
		Description: best.Description,
		Predictions: predictions,
	}, missing, nil
}
