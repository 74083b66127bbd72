package rating

import (
	"time"

	"github.com/example/mobility-sync/internal/models"
)

// Overall is the mean of the four sub-scores of one review.
func Overall(s models.RatingScores) float64 {
	return float64(s.Punctuality+s.Safety+s.Cleanliness+s.Kindness) / 4.0
}

// Fold absorbs one review into a service's running statistics and appends
// the entry to its history. The incremental means weight the old average
// by the pre-update count; the overall rating is recomputed from the
// running sum, never mutated independently. EcoScore is owned elsewhere
// and left untouched. Inputs are assumed validated (1..5) by the caller.
func Fold(s models.Service, scores models.RatingScores, comment, mediaURL, userID string, now time.Time) models.Service {
	overall := Overall(scores)
	oldCount := float64(s.NumberOfRatings)
	newCount := s.NumberOfRatings + 1

	s.TotalRatingPoints += overall
	s.Rating = s.TotalRatingPoints / float64(newCount)
	s.AvgPunctuality = (s.AvgPunctuality*oldCount + float64(scores.Punctuality)) / float64(newCount)
	s.AvgSafety = (s.AvgSafety*oldCount + float64(scores.Safety)) / float64(newCount)
	s.AvgCleanliness = (s.AvgCleanliness*oldCount + float64(scores.Cleanliness)) / float64(newCount)
	s.AvgKindness = (s.AvgKindness*oldCount + float64(scores.Kindness)) / float64(newCount)
	s.NumberOfRatings = newCount

	entry := models.RatingEntry{
		UserID:        userID,
		Timestamp:     now,
		OverallRating: overall,
		Scores:        scores,
		Comment:       comment,
		MediaURL:      mediaURL,
	}
	history := make([]models.RatingEntry, len(s.RatingHistory), len(s.RatingHistory)+1)
	copy(history, s.RatingHistory)
	s.RatingHistory = append(history, entry)
	return s
}
