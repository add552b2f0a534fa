package domain

import (
	"fmt"
	"math"
	"strings"
)

// ListFilter selects which generations a listing returns. It is one of
// FilterAll, FilterMine or FilterPublished.
type ListFilter interface {
	isListFilter()
}

// FilterAll matches the requester's own generations plus every completed,
// published generation.
type FilterAll struct {
	Email string
}

// FilterMine matches the requester's own generations in any status.
type FilterMine struct {
	Email string
}

// FilterPublished matches completed, published generations of any owner.
type FilterPublished struct{}

func (FilterAll) isListFilter()       {}
func (FilterMine) isListFilter()      {}
func (FilterPublished) isListFilter() {}

// ParseListFilter builds the filter named by mode for requester email.
func ParseListFilter(mode, email string) (ListFilter, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "all":
		return FilterAll{Email: email}, nil
	case "mine":
		return FilterMine{Email: email}, nil
	case "published":
		return FilterPublished{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown filter %q", ErrInvalidInput, mode)
	}
}

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 50

	// maxPageNumber keeps Offset within int range.
	maxPageNumber = math.MaxInt / MaxPageLimit
)

// Page is a 1-based offset page request.
type Page struct {
	Number int
	Limit  int
}

// NewPage clamps number to >= 1 and limit to [1, MaxPageLimit]; zero values
// fall back to the defaults.
func NewPage(number, limit int) Page {
	if number < 1 {
		number = 1
	}
	if number > maxPageNumber {
		number = maxPageNumber
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return Page{Number: number, Limit: limit}
}

// Offset returns the number of rows to skip.
func (p Page) Offset() int {
	return (p.Number - 1) * p.Limit
}

// Pagination describes a returned page.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// Paginate computes the page count for total rows.
func (p Page) Paginate(total int) Pagination {
	pages := 0
	if total > 0 {
		pages = (total + p.Limit - 1) / p.Limit
	}
	return Pagination{Page: p.Number, Limit: p.Limit, Total: total, Pages: pages}
}
