package names_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/invoice-recon/billing"
	"github.com/warp/invoice-recon/names"
)

// =============================================================================
// NORMALIZER
// =============================================================================

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"José-Luís 123!!":       "JOSE LUIS 123",
		"  toni   navarrete ":   "TONI NAVARRETE",
		"Ñúñez, Àngels":         "NUNEZ ANGELS",
		"l'Hospitalet\tde  Ll.": "L HOSPITALET DE LL",
		"":                      "",
		"   \t\n ":              "",
		"!!!":                   "",
		"already NORMAL":        "ALREADY NORMAL",
	}
	for in, want := range cases {
		assert.Equal(t, want, names.Normalize(in), "input %q", in)
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"José-Luís 123!!", "Çava & Co.", "ÅSA  ödegård", "x y", "Straße 5", "日本 abc", "",
	}
	for _, in := range inputs {
		once := names.Normalize(in)
		assert.Equal(t, once, names.Normalize(once), "input %q", in)
	}
}

// =============================================================================
// MATCHER
// =============================================================================

func TestExactMatcher(t *testing.T) {
	candidates := []names.Candidate{
		{UserID: 1, NameNormalized: "TONI NAVARRETE"},
		{UserID: 2, NameNormalized: "MARIA PUIG"},
		{UserID: 3, NameNormalized: "MARIA PUIG"},
	}
	m := names.NewExactMatcher()

	t.Run("raw input is normalized", func(t *testing.T) {
		got := m.Match("toni  Navarrete.", candidates)
		require.NotNil(t, got.UserID)
		assert.Equal(t, int64(1), *got.UserID)
		assert.Equal(t, names.MatchExact, got.By)
	})

	t.Run("first candidate wins on duplicates", func(t *testing.T) {
		got := m.Match("MARIA PUIG", candidates)
		require.NotNil(t, got.UserID)
		assert.Equal(t, int64(2), *got.UserID)
	})

	t.Run("no partial matching", func(t *testing.T) {
		got := m.Match("Toni", candidates)
		assert.Nil(t, got.UserID)
		assert.Equal(t, names.MatchNone, got.By)
	})

	t.Run("empty name never matches", func(t *testing.T) {
		got := m.Match("  ", append(candidates, names.Candidate{UserID: 9, NameNormalized: ""}))
		assert.Nil(t, got.UserID)
		assert.Equal(t, names.MatchNone, got.By)
	})
}

// =============================================================================
// CANDIDATES AND ALIASES
// =============================================================================

func TestExpandCandidates(t *testing.T) {
	users := []billing.User{
		{ID: 2, Name: "Maria Puig", ManagerAliases: []string{"M PUIG"}},
		{ID: 1, Name: "Toni Navarrete", NameNormalized: "TONI NAVARRETE"},
		{ID: 3, Name: ""},
	}

	got := names.ExpandCandidates(users)

	assert.Equal(t, []names.Candidate{
		{UserID: 1, NameNormalized: "TONI NAVARRETE"},
		{UserID: 2, NameNormalized: "MARIA PUIG"},
		{UserID: 2, NameNormalized: "M PUIG"},
	}, got)
}

func TestNormalizeAliases(t *testing.T) {
	got := names.NormalizeAliases([]string{"Toni N.", "toni n", "", "  ", "A. Navarrete"})
	assert.Equal(t, []string{"TONI N", "A NAVARRETE"}, got)
}

func TestCheckAliasConflicts(t *testing.T) {
	users := []billing.User{
		{ID: 1, Name: "Toni Navarrete", ManagerAliases: []string{"TONI N"}},
		{ID: 2, Name: "Maria Puig"},
	}

	t.Run("alias owned by another user", func(t *testing.T) {
		err := names.CheckAliasConflicts(2, []string{"TONI N", "MPUIG"}, users)
		require.NotNil(t, err)
		assert.True(t, errors.Is(err, billing.ErrAliasConflict))
		assert.Equal(t, []string{"TONI N"}, err.Aliases())
		assert.Equal(t, int64(1), err.Conflicts[0].OwnerID)
	})

	t.Run("another user's own name is claimed too", func(t *testing.T) {
		err := names.CheckAliasConflicts(2, []string{"TONI NAVARRETE"}, users)
		require.NotNil(t, err)
		assert.Equal(t, []string{"TONI NAVARRETE"}, err.Aliases())
	})

	t.Run("re-claiming own aliases is fine", func(t *testing.T) {
		assert.Nil(t, names.CheckAliasConflicts(1, []string{"TONI N", "TONI"}, users))
	})
}
