package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/david/opportunity-oasis/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

var (
	ErrNotFound = errors.New("opportunity not found")
	// ErrPersistence wraps every storage-layer failure: connectivity, pool
	// timeouts and constraint violations that reach the engine.
	ErrPersistence = errors.New("persistence failure")
)

const (
	DefaultPageSize = 6
	MaxPageSize     = 100
)

// DBTX is the subset of *pgxpool.Pool the store needs. Each call acquires a
// pooled connection and releases it before returning.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db        DBTX
	opTimeout time.Duration
	logger    *zap.Logger
}

func NewStore(db DBTX, opTimeout time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	return &Store{db: db, opTimeout: opTimeout, logger: logger}
}

type ListParams struct {
	Page          int
	PageSize      int
	SortField     string
	SortDirection string
	Search        string
}

type ListResult struct {
	Items    []models.Opportunity `json:"items"`
	Total    int                  `json:"total"`
	HasMore  bool                 `json:"hasMore"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"pageSize"`
}

type Stats struct {
	Total        int `json:"total"`
	WithDeadline int `json:"withDeadline"`
	DueThisWeek  int `json:"dueThisWeek"`
}

const selectCols = `id, name, details, to_char(deadline, 'YYYY-MM-DD'), document_uri, document_type, created_at, updated_at`

func scanOpportunity(scan func(dest ...any) error) (models.Opportunity, error) {
	var o models.Opportunity
	var docType string
	err := scan(&o.ID, &o.Name, &o.Details, &o.Deadline, &o.DocumentURI, &docType, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return o, err
	}
	o.DocumentType = models.DocumentType(docType)
	return o, nil
}

// nilIfEmpty returns nil for absent values so NULL is stored.
func nilIfEmpty(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// Create validates and inserts a reviewed draft.
func (s *Store) Create(ctx context.Context, draft models.Draft) (*models.Opportunity, error) {
	d, err := draft.Normalize()
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRow(ctx, `
		INSERT INTO opportunities (name, details, deadline, document_uri, document_type)
		VALUES ($1, $2, $3::date, $4, $5)
		RETURNING `+selectCols,
		d.Name, d.Details, nilIfEmpty(d.Deadline), d.DocumentURI, string(d.DocumentType),
	)
	o, err := scanOpportunity(row.Scan)
	if err != nil {
		return nil, persistence("insert opportunity", err)
	}
	return &o, nil
}

func (s *Store) GetByID(ctx context.Context, id int64) (*models.Opportunity, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRow(ctx, "SELECT "+selectCols+" FROM opportunities WHERE id = $1", id)
	o, err := scanOpportunity(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistence("get opportunity", err)
	}
	return &o, nil
}

// List returns one page of opportunities matching the search text, together
// with the number of matching rows.
func (s *Store) List(ctx context.Context, params ListParams) (*ListResult, error) {
	if params.Page < 1 {
		return nil, &models.ValidationError{Field: "page", Message: "must be at least 1"}
	}
	if params.PageSize < 1 || params.PageSize > MaxPageSize {
		return nil, &models.ValidationError{Field: "pageSize", Message: fmt.Sprintf("must be between 1 and %d", MaxPageSize)}
	}

	field, direction, coerced := normalizeSort(params.SortField, params.SortDirection)
	if coerced {
		s.logger.Debug("coerced unknown sort field", zap.String("requested", params.SortField), zap.String("used", field))
	}

	where, args := buildListFilter(params.Search)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var total int
	if err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM opportunities"+where, args...).Scan(&total); err != nil {
		return nil, persistence("count opportunities", err)
	}

	offset := (params.Page - 1) * params.PageSize
	pageSQL := "SELECT " + selectCols + " FROM opportunities" + where + buildOrderBy(field, direction) +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	pageArgs := append(append([]any{}, args...), params.PageSize, offset)

	items, err := s.queryOpportunities(ctx, "list opportunities", pageSQL, pageArgs...)
	if err != nil {
		return nil, err
	}

	return &ListResult{
		Items:    items,
		Total:    total,
		HasMore:  params.Page*params.PageSize < total,
		Page:     params.Page,
		PageSize: params.PageSize,
	}, nil
}

// Update applies the supplied fields of the patch and refreshes updated_at.
// An empty patch is rejected before any storage access.
func (s *Store) Update(ctx context.Context, id int64, patch models.Patch) (*models.Opportunity, error) {
	p, err := patch.Normalize()
	if err != nil {
		return nil, err
	}
	sql, args, err := buildUpdate(id, p)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	o, err := scanOpportunity(s.db.QueryRow(ctx, sql, args...).Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistence("update opportunity", err)
	}
	return &o, nil
}

// Delete removes the row and reports whether one existed.
func (s *Store) Delete(ctx context.Context, id int64) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.db.Exec(ctx, "DELETE FROM opportunities WHERE id = $1", id)
	if err != nil {
		return false, persistence("delete opportunity", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DueOn returns the opportunities whose deadline is exactly date (YYYY-MM-DD).
func (s *Store) DueOn(ctx context.Context, date string) ([]models.Opportunity, error) {
	return s.DueBetween(ctx, date, date)
}

// DueBetween returns opportunities with a deadline in [from, to], soonest first.
func (s *Store) DueBetween(ctx context.Context, from, to string) ([]models.Opportunity, error) {
	for _, d := range []string{from, to} {
		if _, err := time.Parse(models.DateLayout, d); err != nil {
			return nil, &models.ValidationError{Field: "date", Message: "must be a calendar date in YYYY-MM-DD format"}
		}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.queryOpportunities(ctx, "list due opportunities",
		"SELECT "+selectCols+" FROM opportunities WHERE deadline BETWEEN $1::date AND $2::date ORDER BY deadline ASC, id ASC",
		from, to)
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var st Stats
	err := s.db.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(deadline),
			COUNT(*) FILTER (WHERE deadline BETWEEN CURRENT_DATE AND CURRENT_DATE + 7)
		FROM opportunities
	`).Scan(&st.Total, &st.WithDeadline, &st.DueThisWeek)
	if err != nil {
		return nil, persistence("stats", err)
	}
	return &st, nil
}

func (s *Store) queryOpportunities(ctx context.Context, op, sql string, args ...any) ([]models.Opportunity, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, persistence(op, err)
	}
	defer rows.Close()

	opps := []models.Opportunity{}
	for rows.Next() {
		o, err := scanOpportunity(rows.Scan)
		if err != nil {
			return nil, persistence(op+": scan", err)
		}
		opps = append(opps, o)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence(op+": rows", err)
	}
	return opps, nil
}
