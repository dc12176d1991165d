package matcher

import (
	"math"
	"sort"

	"github.com/sourcegraph/conc/pool"

	"statement-ingest-service/internal/models"
	"statement-ingest-service/pkg/errors"
	"statement-ingest-service/pkg/logger"
)

// comparisonsPerTask batches small bucket pairs into one scoring task
const comparisonsPerTask = 512

// Matched field names reported on group members
const (
	FieldDate           = "date"
	FieldAmount         = "amount"
	FieldCounterparty   = "counterparty"
	FieldPurpose        = "purpose"
	FieldDocumentNumber = "documentNumber"
)

// MatchingEngine scores transaction pairs and clusters duplicates
type MatchingEngine struct {
	config *MatchingConfig
	logger logger.Logger
}

// PairScore is the outcome of comparing two transactions
type PairScore struct {
	Qualified              bool             `json:"qualified"`
	MatchType              models.MatchType `json:"matchType,omitempty"`
	Confidence             float64          `json:"confidence"`
	CounterpartySimilarity float64          `json:"counterpartySimilarity"`
	DayDifference          int              `json:"dayDifference"`
	AmountDifference       float64          `json:"amountDifference"`
	MatchedFields          []string         `json:"matchedFields"`
	NeedsReview            bool             `json:"needsReview,omitempty"`
}

// edge is a qualifying pair between two indexes, i < j
type edge struct {
	i, j  int
	score PairScore
}

// NewMatchingEngine creates a new matching engine with the specified configuration
func NewMatchingEngine(config *MatchingConfig, log logger.Logger) (*MatchingEngine, error) {
	if config == nil {
		config = DefaultMatchingConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "matching", config.String(), err)
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &MatchingEngine{config: config, logger: log.WithComponent("matcher")}, nil
}

// Config returns the engine configuration
func (me *MatchingEngine) Config() *MatchingConfig {
	return me.config
}

// ScorePair compares two transactions through the tiers in order and returns
// the first qualifying one. The result is symmetric.
func (me *MatchingEngine) ScorePair(a, b *models.TransactionRecord) PairScore {
	return me.score(newFeatures(0, a), newFeatures(1, b))
}

func (me *MatchingEngine) score(a, b *features) PairScore {
	cfg := me.config

	sameDate := a.day == b.day
	sameAmount := a.tx.Debit == b.tx.Debit && a.tx.Credit == b.tx.Credit
	days := int(math.Abs(float64(a.day - b.day)))

	result := PairScore{
		DayDifference:    days,
		AmountDifference: relativeDifference(a.amount, b.amount),
		MatchedFields:    matchedFields(a, b, sameDate, sameAmount),
	}

	// Exact
	if sameDate && sameAmount && a.counterparty.value == b.counterparty.value && a.purpose.value == b.purpose.value {
		result.CounterpartySimilarity = 1
		return result.qualify(models.MatchTypeExact, 1.0)
	}

	result.CounterpartySimilarity = textSimilarity(a.counterparty, b.counterparty)
	sim := result.CounterpartySimilarity

	// Hybrid
	if sameDate && sameAmount && sim >= cfg.HybridMinSimilarity {
		return result.qualify(models.MatchTypeHybrid, math.Min(1, cfg.HybridBaseConfidence+cfg.HybridSimilarityWeight*sim))
	}

	// Fuzzy
	if a.side == b.side && days <= cfg.DateWindowDays && sim >= cfg.FuzzyMinSimilarity {
		if amountProximity, ok := me.amountProximity(result.AmountDifference); ok {
			dateProximity := 1 - float64(days)/float64(cfg.DateWindowDays+1)
			w := cfg.Weights
			confidence := w.DateWeight*dateProximity + w.AmountWeight*amountProximity + w.TextWeight*sim
			return result.qualify(models.MatchTypeFuzzy, math.Min(confidence, cfg.FuzzyMaxConfidence))
		}
	}

	// Semantic
	if cfg.EnableSemantic && sameDate && sameAmount && sim < cfg.FuzzyMinSimilarity {
		purposeSim := textSimilarity(a.purpose, b.purpose)
		confidence := math.Min(cfg.SemanticBaseConfidence+cfg.SemanticPurposeWeight*purposeSim, cfg.SemanticMaxConfidence)
		result.NeedsReview = true
		return result.qualify(models.MatchTypeSemantic, confidence)
	}

	return result
}

func (s PairScore) qualify(matchType models.MatchType, confidence float64) PairScore {
	s.Qualified = true
	s.MatchType = matchType
	s.Confidence = confidence
	return s
}

// amountProximity maps a relative difference to [0, 1]; ok is false when the
// difference exceeds the tolerance.
func (me *MatchingEngine) amountProximity(rel float64) (float64, bool) {
	tol := me.config.AmountTolerance
	if tol <= 0 {
		return 1, rel == 0
	}
	if rel > tol+1e-12 {
		return 0, false
	}
	return math.Max(0, 1-rel/tol), true
}

// relativeDifference is |a-b| / max(a, b)
func relativeDifference(a, b int64) float64 {
	if a == b {
		return 0
	}
	hi, lo := a, b
	if lo > hi {
		hi, lo = lo, hi
	}
	if hi <= 0 {
		return 1
	}
	return float64(hi-lo) / float64(hi)
}

func matchedFields(a, b *features, sameDate, sameAmount bool) []string {
	fields := make([]string, 0, 5)
	if sameDate {
		fields = append(fields, FieldDate)
	}
	if sameAmount {
		fields = append(fields, FieldAmount)
	}
	if a.counterparty.value == b.counterparty.value {
		fields = append(fields, FieldCounterparty)
	}
	if a.purpose.value == b.purpose.value {
		fields = append(fields, FieldPurpose)
	}
	if a.tx.DocumentNumber != "" && a.tx.DocumentNumber == b.tx.DocumentNumber {
		fields = append(fields, FieldDocumentNumber)
	}
	return fields
}

// Detect groups duplicates among txs. It is read-only and deterministic:
// the same input in any order yields the same groups.
func (me *MatchingEngine) Detect(txs []*models.TransactionRecord, threshold float64) ([]models.DuplicateGroup, error) {
	if err := ValidateThreshold(threshold); err != nil {
		return nil, err
	}

	ordered := make([]*models.TransactionRecord, len(txs))
	copy(ordered, txs)
	sortByMasterOrder(ordered)

	items := make([]*features, len(ordered))
	for i, tx := range ordered {
		items[i] = newFeatures(i, tx)
	}

	index := newBucketIndex(items, me.config)
	edges := me.scoreBuckets(index, threshold)
	groups := me.cluster(items, edges, threshold)

	me.logger.WithFields(logger.Fields{
		"transactions": len(items),
		"buckets":      index.BucketCount(),
		"edges":        len(edges),
		"groups":       len(groups),
		"threshold":    threshold,
	}).Debug("Duplicate detection completed")

	return groups, nil
}

// scoreBuckets scores all candidate pairs concurrently and returns the
// qualifying edges sorted by (i, j).
func (me *MatchingEngine) scoreBuckets(index *BucketIndex, threshold float64) []edge {
	var tasks [][]bucketPair
	var current []bucketPair
	load := 0
	for _, p := range index.pairs() {
		current = append(current, p)
		load += index.comparisons(p)
		if load >= comparisonsPerTask {
			tasks = append(tasks, current)
			current, load = nil, 0
		}
	}
	if len(current) > 0 {
		tasks = append(tasks, current)
	}

	p := pool.NewWithResults[[]edge]().WithMaxGoroutines(me.config.MaxWorkers)
	for _, task := range tasks {
		task := task
		p.Go(func() []edge {
			return me.scoreTask(index, task, threshold)
		})
	}

	var edges []edge
	for _, part := range p.Wait() {
		edges = append(edges, part...)
	}

	sort.Slice(edges, func(a, b int) bool {
		if edges[a].i != edges[b].i {
			return edges[a].i < edges[b].i
		}
		return edges[a].j < edges[b].j
	})
	return edges
}

func (me *MatchingEngine) scoreTask(index *BucketIndex, task []bucketPair, threshold float64) []edge {
	var out []edge
	add := func(x, y *features) {
		if x.index > y.index {
			x, y = y, x
		}
		s := me.score(x, y)
		if s.Qualified && s.Confidence >= threshold {
			out = append(out, edge{i: x.index, j: y.index, score: s})
		}
	}

	for _, p := range task {
		left := index.buckets[p.a]
		if p.a == p.b {
			for i := 0; i < len(left); i++ {
				for j := i + 1; j < len(left); j++ {
					add(left[i], left[j])
				}
			}
			continue
		}
		right := index.buckets[p.b]
		for _, x := range left {
			for _, y := range right {
				add(x, y)
			}
		}
	}
	return out
}
