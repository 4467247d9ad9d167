package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/invoice-recon/billing"
	"github.com/warp/invoice-recon/billing/store"
)

func TestSetManagerAliases_ConcurrentClaimsOneWinner(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	// GIVEN: eight users
	var ids []billing.UserID
	for _, email := range []string{"a@x", "b@x", "c@x", "d@x", "e@x", "f@x", "g@x", "h@x"} {
		u, err := m.SaveUser(ctx, billing.User{Email: email, Name: email, NameNormalized: email})
		require.NoError(t, err)
		ids = append(ids, u.ID)
	}

	// WHEN: all of them claim the same alias at once
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		refusals int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id billing.UserID) {
			defer wg.Done()
			err := m.SetManagerAliases(ctx, id, []string{"TONI NAVARRETE"})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners++
				return
			}
			assert.ErrorIs(t, err, billing.ErrAliasConflict)
			refusals++
		}(id)
	}
	wg.Wait()

	// THEN: exactly one user owns it
	assert.Equal(t, 1, winners)
	assert.Equal(t, len(ids)-1, refusals)

	users, err := m.ListUsers(ctx)
	require.NoError(t, err)
	owners := 0
	for _, u := range users {
		if len(u.ManagerAliases) > 0 {
			owners++
		}
	}
	assert.Equal(t, 1, owners)
}

func TestReplaceSource_NegativeTotalChangesNothing(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	line := func(total string) billing.InvoiceLine {
		return billing.InvoiceLine{
			Date:       time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC),
			Year:       2025,
			Month:      time.June,
			Units:      decimal.NewFromInt(1),
			Total:      decimal.RequireFromString(total),
			SourceFile: "june.xlsx",
			ClientID:   1,
			ServiceID:  1,
		}
	}

	// GIVEN: one line from june.xlsx
	_, ids, err := m.ReplaceSource(ctx, "june.xlsx", []billing.InvoiceLine{line("10")})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	// WHEN: the replacement carries a negative total
	_, _, err = m.ReplaceSource(ctx, "june.xlsx", []billing.InvoiceLine{line("20"), line("-1")})

	// THEN
	assert.ErrorIs(t, err, billing.ErrNegativeTotal)
	got, err := m.GetLine(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, got.Total.Equal(decimal.NewFromInt(10)))

	// AND: a valid replacement swaps the line
	n, newIDs, err := m.ReplaceSource(ctx, "june.xlsx", []billing.InvoiceLine{line("20"), line("30")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, newIDs, 2)
	_, err = m.GetLine(ctx, ids[0])
	assert.ErrorIs(t, err, billing.ErrLineNotFound)
}
