// Package matcher provides the duplicate detection engine and its configuration.
//
// Transactions of one scope are compared pairwise through four tiers, in order,
// and the first qualifying tier wins:
//   - Exact: same date, same amounts, same normalized counterparty and purpose
//   - Hybrid: same date and amount, counterparty similarity >= HybridMinSimilarity
//   - Fuzzy: dates within DateWindowDays, relative amount difference within
//     AmountTolerance, same side, counterparty similarity >= FuzzyMinSimilarity
//   - Semantic: same date and amount but dissimilar counterparties; flagged
//     for manual review
//
// The engine runs in three stages:
//  1. Candidate selection using a (side, day, log-amount) bucket index
//  2. Concurrent pair scoring over same and adjacent buckets
//  3. Union-find clustering and master selection
//
// Example usage:
//
//	config := matcher.DefaultMatchingConfig()
//	config.DateWindowDays = 2
//
//	engine, err := matcher.NewMatchingEngine(config, log)
//	groups, err := engine.Detect(transactions, 0.85)
package matcher

import (
	"fmt"
	"math"
	"runtime"

	"statement-ingest-service/pkg/errors"
)

// MatchingConfig holds configuration parameters for duplicate detection.
// Every threshold, tolerance, weight and tier confidence bound is configurable
// because together they decide which pairs cross the grouping cutoff.
//
// Use the provided factory functions for common scenarios:
//   - DefaultMatchingConfig(): balanced approach for most use cases
//   - StrictMatchingConfig(): same-day, same-amount matches only
//   - RelaxedMatchingConfig(): wider windows for noisy OCR sources
type MatchingConfig struct {
	// DateWindowDays is the maximum calendar-day distance for fuzzy matches
	DateWindowDays int `json:"date_window_days" mapstructure:"date_window_days"`

	// AmountTolerance is the maximum relative amount difference for fuzzy matches (0.005 = 0.5%)
	AmountTolerance float64 `json:"amount_tolerance" mapstructure:"amount_tolerance"`

	// HybridMinSimilarity is the counterparty similarity needed for a hybrid match
	HybridMinSimilarity float64 `json:"hybrid_min_similarity" mapstructure:"hybrid_min_similarity"`

	// FuzzyMinSimilarity is the counterparty similarity needed for a fuzzy match
	FuzzyMinSimilarity float64 `json:"fuzzy_min_similarity" mapstructure:"fuzzy_min_similarity"`

	// HybridBaseConfidence and HybridSimilarityWeight give hybrid confidence as base + weight × similarity
	HybridBaseConfidence   float64 `json:"hybrid_base_confidence" mapstructure:"hybrid_base_confidence"`
	HybridSimilarityWeight float64 `json:"hybrid_similarity_weight" mapstructure:"hybrid_similarity_weight"`

	// FuzzyMaxConfidence caps fuzzy confidence strictly below the hybrid floor
	FuzzyMaxConfidence float64 `json:"fuzzy_max_confidence" mapstructure:"fuzzy_max_confidence"`

	// EnableSemantic enables the semantic tier
	EnableSemantic bool `json:"enable_semantic" mapstructure:"enable_semantic"`

	// SemanticBaseConfidence and SemanticPurposeWeight give semantic confidence as base + weight × purpose similarity
	SemanticBaseConfidence float64 `json:"semantic_base_confidence" mapstructure:"semantic_base_confidence"`
	SemanticPurposeWeight  float64 `json:"semantic_purpose_weight" mapstructure:"semantic_purpose_weight"`

	// SemanticMaxConfidence caps semantic confidence
	SemanticMaxConfidence float64 `json:"semantic_max_confidence" mapstructure:"semantic_max_confidence"`

	// DefaultThreshold is used when a caller does not supply a threshold
	DefaultThreshold float64 `json:"default_threshold" mapstructure:"default_threshold"`

	// MaxWorkers bounds concurrent bucket scoring
	MaxWorkers int `json:"max_workers" mapstructure:"max_workers"`

	// Weights combine the fuzzy tier's proximity components
	Weights MatchingWeights `json:"weights" mapstructure:"weights"`
}

// MatchingWeights defines the relative importance of the fuzzy tier's components
type MatchingWeights struct {
	DateWeight   float64 `json:"date_weight" mapstructure:"date_weight"`
	AmountWeight float64 `json:"amount_weight" mapstructure:"amount_weight"`
	TextWeight   float64 `json:"text_weight" mapstructure:"text_weight"`
}

// DefaultMatchingConfig returns a configuration with sensible defaults
func DefaultMatchingConfig() *MatchingConfig {
	return &MatchingConfig{
		DateWindowDays:         1,
		AmountTolerance:        0.005,
		HybridMinSimilarity:    0.9,
		FuzzyMinSimilarity:     0.75,
		HybridBaseConfidence:   0.85,
		HybridSimilarityWeight: 0.15,
		FuzzyMaxConfidence:     0.8499,
		EnableSemantic:         true,
		SemanticBaseConfidence: 0.6,
		SemanticPurposeWeight:  0.15,
		SemanticMaxConfidence:  0.7499,
		DefaultThreshold:       0.85,
		MaxWorkers:             runtime.NumCPU(),
		Weights: MatchingWeights{
			DateWeight:   0.25,
			AmountWeight: 0.35,
			TextWeight:   0.40,
		},
	}
}

// StrictMatchingConfig returns a configuration that never links across days or amounts
func StrictMatchingConfig() *MatchingConfig {
	config := DefaultMatchingConfig()
	config.DateWindowDays = 0
	config.AmountTolerance = 0
	config.HybridMinSimilarity = 0.95
	config.FuzzyMinSimilarity = 0.85
	config.EnableSemantic = false
	config.DefaultThreshold = 0.95
	return config
}

// RelaxedMatchingConfig returns a configuration for noisy sources
func RelaxedMatchingConfig() *MatchingConfig {
	config := DefaultMatchingConfig()
	config.DateWindowDays = 3
	config.AmountTolerance = 0.01
	config.HybridMinSimilarity = 0.85
	config.FuzzyMinSimilarity = 0.7
	config.DefaultThreshold = 0.6
	config.Weights = MatchingWeights{
		DateWeight:   0.2,
		AmountWeight: 0.3,
		TextWeight:   0.5,
	}
	return config
}

// Validate checks if the matching configuration is valid
func (mc *MatchingConfig) Validate() error {
	if mc.DateWindowDays < 0 {
		return fmt.Errorf("date window days cannot be negative: %d", mc.DateWindowDays)
	}

	if mc.AmountTolerance < 0 || mc.AmountTolerance >= 1 {
		return fmt.Errorf("amount tolerance must be in [0, 1): %f", mc.AmountTolerance)
	}

	for name, v := range map[string]float64{
		"hybrid min similarity":    mc.HybridMinSimilarity,
		"fuzzy min similarity":     mc.FuzzyMinSimilarity,
		"hybrid base confidence":   mc.HybridBaseConfidence,
		"hybrid similarity weight": mc.HybridSimilarityWeight,
		"fuzzy max confidence":     mc.FuzzyMaxConfidence,
		"semantic base confidence": mc.SemanticBaseConfidence,
		"semantic purpose weight":  mc.SemanticPurposeWeight,
		"semantic max confidence":  mc.SemanticMaxConfidence,
	} {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return fmt.Errorf("%s must be between 0.0 and 1.0: %f", name, v)
		}
	}

	if mc.FuzzyMinSimilarity > mc.HybridMinSimilarity {
		return fmt.Errorf("fuzzy min similarity (%f) cannot exceed hybrid min similarity (%f)",
			mc.FuzzyMinSimilarity, mc.HybridMinSimilarity)
	}

	if mc.HybridBaseConfidence+mc.HybridSimilarityWeight > 1.0+1e-9 {
		return fmt.Errorf("hybrid confidence can exceed 1.0: base %f + weight %f",
			mc.HybridBaseConfidence, mc.HybridSimilarityWeight)
	}

	if mc.FuzzyMaxConfidence >= mc.HybridBaseConfidence {
		return fmt.Errorf("fuzzy max confidence (%f) must be below the hybrid floor (%f)",
			mc.FuzzyMaxConfidence, mc.HybridBaseConfidence)
	}

	if mc.SemanticMaxConfidence < mc.SemanticBaseConfidence {
		return fmt.Errorf("semantic max confidence (%f) cannot be below its base (%f)",
			mc.SemanticMaxConfidence, mc.SemanticBaseConfidence)
	}

	if err := ValidateThreshold(mc.DefaultThreshold); err != nil {
		return err
	}

	if mc.MaxWorkers <= 0 {
		return fmt.Errorf("max workers must be positive: %d", mc.MaxWorkers)
	}

	if err := mc.Weights.Validate(); err != nil {
		return fmt.Errorf("invalid weights: %w", err)
	}

	return nil
}

// Validate checks if the matching weights are valid
func (mw *MatchingWeights) Validate() error {
	if mw.DateWeight < 0.0 || mw.DateWeight > 1.0 {
		return fmt.Errorf("date weight must be between 0.0 and 1.0: %f", mw.DateWeight)
	}

	if mw.AmountWeight < 0.0 || mw.AmountWeight > 1.0 {
		return fmt.Errorf("amount weight must be between 0.0 and 1.0: %f", mw.AmountWeight)
	}

	if mw.TextWeight < 0.0 || mw.TextWeight > 1.0 {
		return fmt.Errorf("text weight must be between 0.0 and 1.0: %f", mw.TextWeight)
	}

	total := mw.DateWeight + mw.AmountWeight + mw.TextWeight
	if math.Abs(total-1.0) > 0.001 {
		return fmt.Errorf("weights must sum to 1.0, got %f", total)
	}

	return nil
}

// ValidateThreshold checks that a grouping threshold is in (0, 1]
func ValidateThreshold(threshold float64) error {
	if math.IsNaN(threshold) || threshold <= 0 || threshold > 1 {
		return errors.ValidationError(errors.CodeOutOfRange, "threshold", threshold, nil).
			WithSuggestion("threshold must be greater than 0 and at most 1")
	}
	return nil
}

// Clone creates a copy of the matching configuration
func (mc *MatchingConfig) Clone() *MatchingConfig {
	if mc == nil {
		return nil
	}
	clone := *mc
	return &clone
}

// amountBucketWidth is the log-space width that keeps any pair within
// AmountTolerance in the same or an adjacent bucket. Zero means exact amounts.
func (mc *MatchingConfig) amountBucketWidth() float64 {
	if mc.AmountTolerance <= 0 {
		return 0
	}
	return -math.Log(1 - mc.AmountTolerance)
}

// String returns a human-readable description of the configuration
func (mc *MatchingConfig) String() string {
	return fmt.Sprintf("MatchingConfig{DateWindow: %d days, AmountTolerance: %.3f%%, Hybrid>=%.2f, Fuzzy>=%.2f, Semantic: %t, Threshold: %.2f}",
		mc.DateWindowDays, mc.AmountTolerance*100, mc.HybridMinSimilarity, mc.FuzzyMinSimilarity, mc.EnableSemantic, mc.DefaultThreshold)
}
