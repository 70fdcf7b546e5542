package option

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"licensing-controlplane/pkg/db/pagination"
)

// QueryOption mutates a gorm query before execution.
type QueryOption func(tx *gorm.DB) *gorm.DB

type Operator string

const (
	EQ  Operator = "="
	GT  Operator = ">"
	GTE Operator = ">="
	LT  Operator = "<"
	LTE Operator = "<="
)

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	Allow   map[string]bool
}

func ApplyPagination(p pagination.Pagination) QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		limit := p.Limit
		if limit <= 0 {
			limit = 10
		}
		if cursor, err := pagination.DecodeCursor(p.Cursor); err == nil && cursor != nil && cursor.CreatedAt != "" {
			tx = tx.Where("created_at < ?", cursor.CreatedAt)
		}
		return tx.Limit(limit)
	}
}

func ApplyOperator(conds ...Condition) QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		for _, c := range conds {
			tx = tx.Where(fmt.Sprintf("%s %s ?", c.Field, c.Operator), c.Value)
		}
		return tx
	}
}

func WithSortBy(sort QuerySortBy) QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		if sort.SortBy != "" && sort.Allow != nil && !sort.Allow[sort.SortBy] {
			return tx
		}
		column := sort.SortBy
		if column == "" {
			column = "created_at"
		}
		desc := sort.OrderBy == "desc" || sort.OrderBy == "DESC"
		return tx.Order(clause.OrderByColumn{
			Column: clause.Column{Name: column},
			Desc:   desc,
		})
	}
}

// WithLockingUpdate adds FOR UPDATE to the query. Skipped on sqlite, which
// has no row-level locking and serializes writers anyway.
func WithLockingUpdate() QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		return LockingUpdate(tx)
	}
}

// LockingUpdate is the scope form, usable via tx.Scopes(option.LockingUpdate).
func LockingUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector != nil && tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}
