package pagination

import (
	"errors"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// ErrInvalidParams is returned for a non-numeric or negative limit/offset.
var ErrInvalidParams = errors.New("limit and offset must be non-negative integers")

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext extracts pagination parameters from the echo context. A
// missing or zero limit means DefaultLimit; larger limits are capped at
// MaxLimit.
func FromContext(c echo.Context) (Params, error) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return Params{}, err
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		return Params{}, err
	}
	return Params{Limit: limit, Offset: offset}.Normalize(), nil
}

func queryInt(c echo.Context, name string) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, ErrInvalidParams
	}
	return n, nil
}

// Normalize applies the default and maximum limit and clamps the offset.
func (p Params) Normalize() Params {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Probe is the row count to request so that one extra row reveals whether
// another page exists.
func (p Params) Probe() int {
	return p.Limit + 1
}

// Page trims items fetched with Probe to the page size and reports whether
// more rows follow.
func Page[T any](items []T, p Params) ([]T, bool) {
	if len(items) > p.Limit {
		return items[:p.Limit], true
	}
	return items, false
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset returns the offset for the previous page.
// Returns 0 if the result would be negative.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Limit
	if prev < 0 {
		return 0
	}
	return prev
}

// Response wraps a paginated API response.
type Response struct {
	Data       any  `json:"data"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"hasMore"`
	NextOffset *int `json:"nextOffset,omitempty"`
}

func NewResponse(data any, p Params, hasMore bool) *Response {
	r := &Response{
		Data:    data,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: hasMore,
	}
	if hasMore {
		next := p.NextOffset()
		r.NextOffset = &next
	}
	return r
}
