package matcher

import (
	"math"
	"sort"
	"time"

	"statement-ingest-service/internal/models"
	"statement-ingest-service/internal/normalizer"
)

// bucketEpsilon widens log buckets so that a pair exactly at the tolerance
// never lands two buckets apart through floating point error.
const bucketEpsilon = 1e-9

// features caches everything the scorer reads from one transaction
type features struct {
	index        int
	tx           *models.TransactionRecord
	side         models.TransactionType
	day          int64
	amount       int64
	counterparty text
	purpose      text
}

func newFeatures(index int, tx *models.TransactionRecord) *features {
	counterparty := tx.NormalizedCounterparty
	if counterparty == "" && tx.CounterpartyName != "" {
		counterparty = normalizer.NormalizeText(tx.CounterpartyName)
	}
	return &features{
		index:        index,
		tx:           tx,
		side:         tx.Type(),
		day:          dayNumber(tx.TransactionDate),
		amount:       tx.Amount(),
		counterparty: newText(counterparty),
		purpose:      newText(normalizer.NormalizeText(tx.PaymentPurpose)),
	}
}

func dayNumber(t time.Time) int64 {
	return models.DateOnly(t).Unix() / 86400
}

// bucketKey groups transactions that may be compared
type bucketKey struct {
	side   models.TransactionType
	day    int64
	amount int64
}

func (k bucketKey) less(o bucketKey) bool {
	if k.side != o.side {
		return k.side < o.side
	}
	if k.day != o.day {
		return k.day < o.day
	}
	return k.amount < o.amount
}

// bucketPair is a unit of scoring work: every transaction of a against every
// transaction of b (i < j when a == b)
type bucketPair struct {
	a, b bucketKey
}

// BucketIndex pre-filters candidate pairs. Transactions are bucketed by side,
// calendar day and log-amount; only transactions in the same bucket or in an
// adjacent amount bucket within the date window are ever scored.
type BucketIndex struct {
	window  int
	width   float64
	buckets map[bucketKey][]*features
	keys    []bucketKey
}

// newBucketIndex builds the index over items
func newBucketIndex(items []*features, config *MatchingConfig) *BucketIndex {
	bi := &BucketIndex{
		window:  config.DateWindowDays,
		width:   config.amountBucketWidth(),
		buckets: make(map[bucketKey][]*features),
	}
	if bi.width > 0 {
		bi.width *= 1 + bucketEpsilon
	}

	for _, f := range items {
		key := bucketKey{side: f.side, day: f.day, amount: bi.amountBucket(f.amount)}
		if _, exists := bi.buckets[key]; !exists {
			bi.keys = append(bi.keys, key)
		}
		bi.buckets[key] = append(bi.buckets[key], f)
	}

	sort.Slice(bi.keys, func(i, j int) bool {
		return bi.keys[i].less(bi.keys[j])
	})
	return bi
}

func (bi *BucketIndex) amountBucket(amount int64) int64 {
	if bi.width <= 0 || amount <= 0 {
		return amount
	}
	return int64(math.Floor(math.Log(float64(amount)) / bi.width))
}

// BucketCount returns the number of non-empty buckets
func (bi *BucketIndex) BucketCount() int {
	return len(bi.keys)
}

// pairs lists every bucket pair to score, each unordered pair exactly once,
// in deterministic order.
func (bi *BucketIndex) pairs() []bucketPair {
	amountSpread := int64(1)
	if bi.width <= 0 {
		amountSpread = 0
	}

	var out []bucketPair
	for _, key := range bi.keys {
		for dd := 0; dd <= bi.window; dd++ {
			for db := -amountSpread; db <= amountSpread; db++ {
				if dd == 0 && db < 0 {
					continue
				}
				other := bucketKey{side: key.side, day: key.day + int64(dd), amount: key.amount + db}
				if _, exists := bi.buckets[other]; exists {
					out = append(out, bucketPair{a: key, b: other})
				}
			}
		}
	}
	return out
}

// comparisons returns the number of transaction pairs in p
func (bi *BucketIndex) comparisons(p bucketPair) int {
	na := len(bi.buckets[p.a])
	if p.a == p.b {
		return na * (na - 1) / 2
	}
	return na * len(bi.buckets[p.b])
}
