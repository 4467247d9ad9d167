package names

import "github.com/warp/invoice-recon/billing"

// Candidate is one normalized name a user answers to. A user contributes one
// candidate for its own name and one per alias.
type Candidate struct {
	UserID         billing.UserID
	NameNormalized string
}

type MatchKind string

const (
	MatchExact MatchKind = "exact"
	MatchNone  MatchKind = "none"
)

// Match is the outcome of resolving one manager string. UserID is nil when
// By is MatchNone.
type Match struct {
	UserID *billing.UserID
	By     MatchKind
}

// Matcher resolves a manager string against candidates. Implementations must
// accept raw or already-normalized input and never fail.
type Matcher interface {
	Match(manager string, candidates []Candidate) Match
}

// ExactMatcher resolves by equality of normalized names. The first candidate
// in slice order wins when a name appears more than once.
type ExactMatcher struct{}

func NewExactMatcher() ExactMatcher { return ExactMatcher{} }

func (ExactMatcher) Match(manager string, candidates []Candidate) Match {
	key := Normalize(manager)
	if key == "" {
		return Match{By: MatchNone}
	}
	for _, c := range candidates {
		if c.NameNormalized == key {
			id := c.UserID
			return Match{UserID: &id, By: MatchExact}
		}
	}
	return Match{By: MatchNone}
}
