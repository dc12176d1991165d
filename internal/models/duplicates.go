package models

import "fmt"

// MatchType is the tier that qualified a duplicate pair
type MatchType string

const (
	MatchTypeExact    MatchType = "exact"
	MatchTypeHybrid   MatchType = "hybrid"
	MatchTypeFuzzy    MatchType = "fuzzy"
	MatchTypeSemantic MatchType = "semantic"
)

// String returns the string representation of MatchType
func (m MatchType) String() string {
	return string(m)
}

// IsValid checks if the match type is one of the four tiers
func (m MatchType) IsValid() bool {
	switch m {
	case MatchTypeExact, MatchTypeHybrid, MatchTypeFuzzy, MatchTypeSemantic:
		return true
	}
	return false
}

// Rank orders tiers from strongest (0) to weakest (3)
func (m MatchType) Rank() int {
	switch m {
	case MatchTypeExact:
		return 0
	case MatchTypeHybrid:
		return 1
	case MatchTypeFuzzy:
		return 2
	case MatchTypeSemantic:
		return 3
	}
	return 4
}

// GroupMember is a duplicate reported relative to its group's master
type GroupMember struct {
	Transaction   *TransactionRecord `json:"transaction"`
	Similarity    float64            `json:"similarity"`
	MatchType     MatchType          `json:"matchType"`
	MatchedFields []string           `json:"matchedFields"`
	NeedsReview   bool               `json:"needsReview,omitempty"`
	Transitive    bool               `json:"transitive,omitempty"`
	ViaID         string             `json:"viaId,omitempty"`
	ViaSimilarity float64            `json:"viaSimilarity,omitempty"`
}

// DuplicateGroup is a derived view: a master and its duplicates
type DuplicateGroup struct {
	Master  *TransactionRecord `json:"master"`
	Members []GroupMember      `json:"members"`
}

// MemberIDs returns the ids of all members in order
func (g *DuplicateGroup) MemberIDs() []string {
	ids := make([]string, len(g.Members))
	for i, m := range g.Members {
		ids[i] = m.Transaction.ID
	}
	return ids
}

// NeedsReview reports whether any member was matched semantically
func (g *DuplicateGroup) NeedsReview() bool {
	for _, m := range g.Members {
		if m.NeedsReview {
			return true
		}
	}
	return false
}

// String returns a string representation of the DuplicateGroup
func (g *DuplicateGroup) String() string {
	return fmt.Sprintf("DuplicateGroup{Master: %s, Members: %d}", g.Master.ID, len(g.Members))
}

// MarkGroup is a caller-confirmed group to persist
type MarkGroup struct {
	MasterID     string   `json:"masterId"`
	DuplicateIDs []string `json:"duplicateIds"`
}

// IDs returns the master id followed by the duplicate ids
func (g MarkGroup) IDs() []string {
	return append([]string{g.MasterID}, g.DuplicateIDs...)
}

// DuplicateLink is the value written onto a duplicate when a group is marked
type DuplicateLink struct {
	TransactionID string    `json:"transactionId"`
	MasterID      string    `json:"masterId"`
	Confidence    float64   `json:"confidence"`
	MatchType     MatchType `json:"matchType"`
}

// FailedGroup reports why a group could not be marked
type FailedGroup struct {
	MasterID     string   `json:"masterId"`
	DuplicateIDs []string `json:"duplicateIds"`
	Code         string   `json:"code"`
	Message      string   `json:"message"`
}

// MarkResult summarizes a mark call
type MarkResult struct {
	MarkedCount  int           `json:"markedCount"`
	FailedGroups []FailedGroup `json:"failedGroups"`
}
