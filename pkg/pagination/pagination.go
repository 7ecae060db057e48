package pagination

import (
	"fmt"
	"strconv"

	"huddle-backend/pkg/constants"
)

// Params represents page-based query parameters
type Params struct {
	Page   int `json:"page"`
	Limit  int `json:"limit"`
	Offset int `json:"-"`
}

// Page wraps one page of results
type Page struct {
	Page    int         `json:"page"`
	Limit   int         `json:"limit"`
	HasMore bool        `json:"has_more"`
	Items   interface{} `json:"items"`
}

// Parse reads page and limit query values. Empty values take defaults and
// limit is clamped to [1, constants.MaxPageSize].
func Parse(pageStr, limitStr string) (*Params, error) {
	page := 1
	limit := constants.DefaultPageSize

	if pageStr != "" {
		p, err := strconv.Atoi(pageStr)
		if err != nil {
			return nil, fmt.Errorf("invalid page parameter: %w", err)
		}
		if p > 1 {
			page = p
		}
	}

	if limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, fmt.Errorf("invalid limit parameter: %w", err)
		}
		switch {
		case l < 1:
			limit = 1
		case l > constants.MaxPageSize:
			limit = constants.MaxPageSize
		default:
			limit = l
		}
	}

	return &Params{Page: page, Limit: limit, Offset: (page - 1) * limit}, nil
}

// NewPage builds a page. Callers fetch Limit+1 rows and pass them all as n
// so the extra row only signals that another page exists.
func NewPage(p *Params, items interface{}, n int) *Page {
	return &Page{Page: p.Page, Limit: p.Limit, HasMore: n > p.Limit, Items: items}
}
