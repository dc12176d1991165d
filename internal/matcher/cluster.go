package matcher

import (
	"sort"

	"statement-ingest-service/internal/models"
)

// unionFind tracks connected components over transaction indexes
type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	switch {
	case uf.rank[ra] < uf.rank[rb]:
		uf.parent[ra] = rb
	case uf.rank[ra] > uf.rank[rb]:
		uf.parent[rb] = ra
	default:
		uf.parent[rb] = ra
		uf.rank[ra]++
	}
}

// masterLess is the master tie-break chain: earliest transaction date, then
// earliest creation time, then lowest id.
func masterLess(a, b *models.TransactionRecord) bool {
	da, db := models.DateOnly(a.TransactionDate), models.DateOnly(b.TransactionDate)
	if !da.Equal(db) {
		return da.Before(db)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// sortByMasterOrder sorts txs so that the first transaction of any group is its master
func sortByMasterOrder(txs []*models.TransactionRecord) {
	sort.SliceStable(txs, func(i, j int) bool {
		return masterLess(txs[i], txs[j])
	})
}

// SelectMaster returns the transaction that would master a group of txs
func SelectMaster(txs []*models.TransactionRecord) *models.TransactionRecord {
	var master *models.TransactionRecord
	for _, tx := range txs {
		if master == nil || masterLess(tx, master) {
			master = tx
		}
	}
	return master
}

// MemberRelation relates one member of a group to the group's master
type MemberRelation struct {
	// Score is the direct pair when it qualifies. Otherwise it is the weakest
	// edge of the strongest path to the master, carrying the matched fields
	// of the direct pair.
	Score PairScore
	// Reached is false when no qualifying path leads to the master
	Reached    bool
	Transitive bool
	// Via is the previous node on the path, 0 being the master
	Via      int
	ViaScore PairScore
}

// relateToMaster relates nodes 1..n-1 to node 0. pair returns the raw score
// of two nodes and whether it links them. Nodes with a linking direct pair
// keep it; the others take the path whose weakest edge is strongest.
func relateToMaster(n int, pair func(i, j int) (PairScore, bool)) []MemberRelation {
	rels := make([]MemberRelation, n)
	direct := make([]PairScore, n)
	done := make([]bool, n)
	rels[0].Reached = true
	done[0] = true

	for k := 1; k < n; k++ {
		s, ok := pair(0, k)
		direct[k] = s
		if ok {
			rels[k] = MemberRelation{Score: s, Reached: true, ViaScore: s}
		}
	}

	for {
		u := -1
		for k := 1; k < n; k++ {
			if done[k] || !rels[k].Reached {
				continue
			}
			if u < 0 || rels[k].Score.Confidence > rels[u].Score.Confidence {
				u = k
			}
		}
		if u < 0 {
			break
		}
		done[u] = true

		for v := 1; v < n; v++ {
			if done[v] || (rels[v].Reached && !rels[v].Transitive) {
				continue
			}
			s, ok := pair(u, v)
			if !ok {
				continue
			}
			path := weaker(rels[u].Score, s)
			if rels[v].Reached && path.Confidence <= rels[v].Score.Confidence {
				continue
			}
			rels[v] = MemberRelation{Score: path, Reached: true, Transitive: true, Via: u, ViaScore: s}
		}
	}

	for k := 1; k < n; k++ {
		if rels[k].Transitive {
			rels[k].Score.MatchedFields = direct[k].MatchedFields
			rels[k].Score.CounterpartySimilarity = direct[k].CounterpartySimilarity
			rels[k].Score.DayDifference = direct[k].DayDifference
			rels[k].Score.AmountDifference = direct[k].AmountDifference
		}
	}
	return rels
}

// weaker returns the lower-confidence score; review flags propagate
func weaker(a, b PairScore) PairScore {
	w := a
	if b.Confidence < a.Confidence {
		w = b
	}
	w.NeedsReview = a.NeedsReview || b.NeedsReview
	return w
}

// RelateGroup relates each member to master the way Detect does, without a
// threshold. Via indexes members, -1 standing for the master.
func (me *MatchingEngine) RelateGroup(master *models.TransactionRecord, members []*models.TransactionRecord) []MemberRelation {
	nodes := make([]*features, 0, len(members)+1)
	nodes = append(nodes, newFeatures(0, master))
	for i, tx := range members {
		nodes = append(nodes, newFeatures(i+1, tx))
	}

	rels := relateToMaster(len(nodes), func(i, j int) (PairScore, bool) {
		s := me.score(nodes[i], nodes[j])
		return s, s.Qualified
	})

	out := rels[1:]
	for i := range out {
		out[i].Via--
	}
	return out
}

// cluster turns edges into groups. Items are in master order, so the lowest
// index of a component is its master. Members are related to the master by
// their direct pair when it qualifies at threshold, otherwise through the
// strongest path of edges and flagged transitive.
func (me *MatchingEngine) cluster(items []*features, edges []edge, threshold float64) []models.DuplicateGroup {
	if len(edges) == 0 {
		return []models.DuplicateGroup{}
	}

	type pairKey struct{ i, j int }
	scores := make(map[pairKey]PairScore, len(edges))
	linked := make([]bool, len(items))
	uf := newUnionFind(len(items))
	for _, e := range edges {
		uf.union(e.i, e.j)
		scores[pairKey{e.i, e.j}] = e.score
		linked[e.i], linked[e.j] = true, true
	}

	components := make(map[int][]int)
	var roots []int
	for i := range items {
		if !linked[i] {
			continue
		}
		root := uf.find(i)
		if _, seen := components[root]; !seen {
			roots = append(roots, root)
		}
		components[root] = append(components[root], i)
	}

	groups := make([]models.DuplicateGroup, 0, len(roots))
	for _, root := range roots {
		component := components[root]
		master := items[component[0]]

		rels := relateToMaster(len(component), func(a, b int) (PairScore, bool) {
			x, y := component[a], component[b]
			if a == 0 {
				s := me.score(master, items[y])
				return s, s.Qualified && s.Confidence >= threshold
			}
			if x > y {
				x, y = y, x
			}
			s, ok := scores[pairKey{x, y}]
			return s, ok
		})

		type ranked struct {
			index  int
			member models.GroupMember
		}
		members := make([]ranked, 0, len(component)-1)
		for k, idx := range component[1:] {
			rel := rels[k+1]
			member := models.GroupMember{
				Transaction:   items[idx].tx,
				Similarity:    rel.Score.Confidence,
				MatchType:     rel.Score.MatchType,
				MatchedFields: rel.Score.MatchedFields,
				NeedsReview:   rel.Score.NeedsReview,
			}
			if rel.Transitive {
				member.Transitive = true
				member.ViaID = items[component[rel.Via]].tx.ID
				member.ViaSimilarity = rel.ViaScore.Confidence
			}
			members = append(members, ranked{index: idx, member: member})
		}

		sort.SliceStable(members, func(a, b int) bool {
			if members[a].member.Similarity != members[b].member.Similarity {
				return members[a].member.Similarity > members[b].member.Similarity
			}
			return members[a].index < members[b].index
		})

		group := models.DuplicateGroup{Master: master.tx, Members: make([]models.GroupMember, len(members))}
		for i, r := range members {
			group.Members[i] = r.member
		}
		groups = append(groups, group)
	}

	return groups
}
