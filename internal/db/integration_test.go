package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/david/opportunity-oasis/internal/config"
	"github.com/david/opportunity-oasis/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// openTestStore connects to OASIS_TEST_DATABASE_URL, applies migrations and
// empties the table. The database is shared, so these tests do not run in
// parallel.
func openTestStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	url := os.Getenv("OASIS_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("OASIS_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := Connect(ctx, config.DBConfig{URL: url, MaxConns: 4, ConnectTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, ApplyMigrations(ctx, pool, zap.NewNop()))
	_, err = pool.Exec(ctx, "TRUNCATE opportunities RESTART IDENTITY")
	require.NoError(t, err)

	return NewStore(pool, 5*time.Second, zap.NewNop()), pool
}

func mustCreate(t *testing.T, s *Store, name, details string, deadline *string) *models.Opportunity {
	t.Helper()
	o, err := s.Create(context.Background(), models.Draft{
		Name:         name,
		Details:      details,
		Deadline:     deadline,
		DocumentURI:  "data:text/plain;base64,aGVsbG8=",
		DocumentType: models.DocumentText,
	})
	require.NoError(t, err)
	return o
}

func TestIntegration_CreateThenGet(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	created := mustCreate(t, s, "Quantum Fellowship", "Two-year research position", strPtr("2025-01-31"))
	assert.Positive(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := s.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Name, got.Name)
	assert.Equal(t, created.Details, got.Details)
	require.NotNil(t, got.Deadline)
	assert.Equal(t, "2025-01-31", *got.Deadline)

	blank := mustCreate(t, s, "Rolling", "No deadline", strPtr("  "))
	assert.Nil(t, blank.Deadline)
}

func TestIntegration_ListPagingAndDeadlineOrder(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "A", "first", strPtr("2025-01-31"))
	mustCreate(t, s, "B", "second", nil)
	mustCreate(t, s, "C", "third", strPtr("2024-11-30"))
	mustCreate(t, s, "D", "fourth", strPtr("2024-12-15"))

	res, err := s.List(ctx, ListParams{Page: 1, PageSize: 10, SortField: "deadline", SortDirection: "asc"})
	require.NoError(t, err)
	require.Len(t, res.Items, 4)
	assert.Equal(t, []string{"C", "D", "A", "B"}, names(res.Items))
	assert.False(t, res.HasMore)

	res, err = s.List(ctx, ListParams{Page: 1, PageSize: 10, SortField: "deadline", SortDirection: "desc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "D", "C", "B"}, names(res.Items))

	res, err = s.List(ctx, ListParams{Page: 1, PageSize: 3, SortField: "deadline", SortDirection: "asc"})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Total)
	assert.True(t, res.HasMore)

	res, err = s.List(ctx, ListParams{Page: 2, PageSize: 3, SortField: "deadline", SortDirection: "asc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, names(res.Items))
	assert.False(t, res.HasMore)
}

func TestIntegration_SearchMatchesDetailsAndSharesCount(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "Plain name", "Funding for QUANTUM computing", nil)
	mustCreate(t, s, "Other", "Unrelated", strPtr("2024-12-15"))
	mustCreate(t, s, "100% match", "literal percent", nil)

	res, err := s.List(ctx, ListParams{Page: 1, PageSize: 6, Search: "quantum"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, []string{"Plain name"}, names(res.Items))

	res, err = s.List(ctx, ListParams{Page: 1, PageSize: 6, Search: "2024-12"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Other"}, names(res.Items))

	res, err = s.List(ctx, ListParams{Page: 1, PageSize: 6, Search: "%"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
}

func TestIntegration_UpdateOnlyTouchesSuppliedFields(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	o := mustCreate(t, s, "Before", "Details stay", strPtr("2025-01-31"))

	updated, err := s.Update(ctx, o.ID, models.Patch{Name: strPtr("X")})
	require.NoError(t, err)
	assert.Equal(t, "X", updated.Name)
	assert.Equal(t, o.Details, updated.Details)
	assert.Equal(t, o.Deadline, updated.Deadline)
	assert.Equal(t, o.DocumentURI, updated.DocumentURI)
	assert.True(t, updated.UpdatedAt.After(o.UpdatedAt))

	cleared, err := s.Update(ctx, o.ID, models.Patch{Deadline: strPtr("")})
	require.NoError(t, err)
	assert.Nil(t, cleared.Deadline)

	_, err = s.Update(ctx, o.ID+1000, models.Patch{Name: strPtr("ghost")})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIntegration_DeleteTwice(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	o := mustCreate(t, s, "Gone", "soon", nil)

	deleted, err := s.Delete(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete(ctx, o.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = s.GetByID(ctx, o.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIntegration_DueOn(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "Due", "x", strPtr("2025-03-10"))
	mustCreate(t, s, "Later", "x", strPtr("2025-03-11"))
	mustCreate(t, s, "Never", "x", nil)

	due, err := s.DueOn(ctx, "2025-03-10")
	require.NoError(t, err)
	assert.Equal(t, []string{"Due"}, names(due))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.WithDeadline)
}

func names(items []models.Opportunity) []string {
	out := make([]string, 0, len(items))
	for _, o := range items {
		out = append(out, o.Name)
	}
	return out
}
