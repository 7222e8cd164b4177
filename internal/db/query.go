package db

import (
	"fmt"
	"strings"

	"github.com/david/opportunity-oasis/internal/models"
)

// Sort fields accepted by List. Anything else is coerced to SortCreatedAt so
// caller-controlled identifiers never reach the query text.
const (
	SortCreatedAt = "created_at"
	SortDeadline  = "deadline"
	SortName      = "name"
	SortID        = "id"

	SortAsc  = "ASC"
	SortDesc = "DESC"
)

var sortColumns = map[string]string{
	SortCreatedAt: "created_at",
	SortDeadline:  "deadline",
	SortName:      "name",
	SortID:        "id",
}

// clauseBuilder accumulates SQL fragments together with their bound values.
// Values only ever enter the statement as $n placeholders.
type clauseBuilder struct {
	parts []string
	args  []any
}

func (b *clauseBuilder) bind(value any) string {
	b.args = append(b.args, value)
	return fmt.Sprintf("$%d", len(b.args))
}

// assign records "column = $n" for value.
func (b *clauseBuilder) assign(column string, value any) {
	b.parts = append(b.parts, column+" = "+b.bind(value))
}

// assignExpr records "column = expr" for a server-side expression.
func (b *clauseBuilder) assignExpr(column, expr string) {
	b.parts = append(b.parts, column+" = "+expr)
}

func (b *clauseBuilder) predicate(expr string) {
	b.parts = append(b.parts, expr)
}

func (b *clauseBuilder) empty() bool {
	return len(b.parts) == 0
}

func (b *clauseBuilder) where() string {
	if b.empty() {
		return ""
	}
	return " WHERE " + strings.Join(b.parts, " AND ")
}

func (b *clauseBuilder) set() string {
	return " SET " + strings.Join(b.parts, ", ")
}

// buildListFilter produces the WHERE clause shared by the count and the page
// query of List.
func buildListFilter(search string) (string, []any) {
	var b clauseBuilder
	if term := strings.TrimSpace(search); term != "" {
		p := b.bind("%" + escapeLike(term) + "%")
		b.predicate(fmt.Sprintf(
			"(name ILIKE %[1]s OR details ILIKE %[1]s OR to_char(deadline, 'YYYY-MM-DD') ILIKE %[1]s)", p))
	}
	return b.where(), b.args
}

// escapeLike neutralises LIKE metacharacters so user text matches literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// normalizeSort maps arbitrary input onto the allow-listed sort field and
// direction. It reports whether the field had to be coerced.
func normalizeSort(field, direction string) (string, string, bool) {
	f := strings.ToLower(strings.TrimSpace(field))
	coerced := false
	if _, ok := sortColumns[f]; !ok {
		f = SortCreatedAt
		coerced = strings.TrimSpace(field) != ""
	}

	d := strings.ToUpper(strings.TrimSpace(direction))
	if d != SortAsc {
		d = SortDesc
	}
	return f, d, coerced
}

// buildOrderBy renders the ORDER BY clause. Deadline sorts keep rows without a
// deadline last in both directions; id breaks ties so pages are stable.
func buildOrderBy(field, direction string) string {
	field, direction, _ = normalizeSort(field, direction)
	column := sortColumns[field]

	order := " ORDER BY " + column + " " + direction
	if field == SortDeadline {
		order += " NULLS LAST"
	}
	if field != SortID {
		order += ", id " + direction
	}
	return order
}

// buildUpdate renders an UPDATE for the supplied patch fields. A patch with no
// fields yields models.ErrEmptyPatch and no statement.
func buildUpdate(id int64, p models.Patch) (string, []any, error) {
	var b clauseBuilder
	if p.Name != nil {
		b.assign("name", *p.Name)
	}
	if p.Details != nil {
		b.assign("details", *p.Details)
	}
	if p.Deadline != nil {
		if *p.Deadline == "" {
			b.assignExpr("deadline", "NULL")
		} else {
			b.assign("deadline", *p.Deadline)
		}
	}
	if p.DocumentURI != nil {
		b.assign("document_uri", *p.DocumentURI)
	}
	if p.DocumentType != nil {
		b.assign("document_type", string(*p.DocumentType))
	}

	if b.empty() {
		return "", nil, models.ErrEmptyPatch
	}
	b.assignExpr("updated_at", "clock_timestamp()")

	idArg := b.bind(id)
	sql := "UPDATE opportunities" + b.set() + " WHERE id = " + idArg + " RETURNING " + selectCols
	return sql, b.args, nil
}
