package names

import (
	"sort"

	"github.com/warp/invoice-recon/billing"
)

// UserNameNormalized returns the cached normalized name, normalizing the
// display name on the fly when nothing is cached.
func UserNameNormalized(u billing.User) string {
	if u.NameNormalized != "" {
		return u.NameNormalized
	}
	return Normalize(u.Name)
}

// ExpandCandidates turns users into matcher candidates ordered by user id:
// each user's own name first, then its aliases in stored order.
func ExpandCandidates(users []billing.User) []Candidate {
	sorted := make([]billing.User, len(users))
	copy(sorted, users)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var out []Candidate
	for _, u := range sorted {
		if n := UserNameNormalized(u); n != "" {
			out = append(out, Candidate{UserID: u.ID, NameNormalized: n})
		}
		for _, a := range u.ManagerAliases {
			if a == "" {
				continue
			}
			out = append(out, Candidate{UserID: u.ID, NameNormalized: a})
		}
	}
	return out
}

// NormalizeAliases normalizes raw aliases into an ordered set: empty results
// are dropped and later duplicates removed.
func NormalizeAliases(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, a := range raw {
		n := Normalize(a)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// CheckAliasConflicts reports every alias that another user already answers
// to, either as an alias or as its own normalized name. It returns nil when
// userID may claim all of them.
func CheckAliasConflicts(userID billing.UserID, aliases []string, users []billing.User) *billing.AliasConflictError {
	owners := make(map[string]billing.UserID)
	for _, c := range ExpandCandidates(users) {
		if c.UserID == userID {
			continue
		}
		if _, taken := owners[c.NameNormalized]; !taken {
			owners[c.NameNormalized] = c.UserID
		}
	}

	var conflicts []billing.AliasConflict
	for _, a := range aliases {
		if owner, ok := owners[a]; ok {
			conflicts = append(conflicts, billing.AliasConflict{Alias: a, OwnerID: owner})
		}
	}
	if len(conflicts) == 0 {
		return nil
	}
	return &billing.AliasConflictError{UserID: userID, Conflicts: conflicts}
}
