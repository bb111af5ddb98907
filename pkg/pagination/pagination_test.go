package pagination

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextFor(target string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext_Defaults(t *testing.T) {
	p, err := FromContext(contextFor("/"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p, err := FromContext(contextFor("/?limit=25&offset=10"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Limit != 25 {
		t.Errorf("expected limit 25, got %d", p.Limit)
	}
	if p.Offset != 10 {
		t.Errorf("expected offset 10, got %d", p.Offset)
	}
}

func TestFromContext_MaxLimit(t *testing.T) {
	p, err := FromContext(contextFor("/?limit=10000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Limit != MaxLimit {
		t.Errorf("expected limit capped at %d, got %d", MaxLimit, p.Limit)
	}
}

func TestFromContext_Invalid(t *testing.T) {
	for _, target := range []string{"/?limit=abc", "/?limit=-1", "/?offset=x", "/?offset=-5"} {
		if _, err := FromContext(contextFor(target)); !errors.Is(err, ErrInvalidParams) {
			t.Errorf("%s: expected ErrInvalidParams, got %v", target, err)
		}
	}
}

func TestPage(t *testing.T) {
	p := Params{Limit: 3}
	items, more := Page([]int{1, 2, 3, 4}, p)
	if !more || len(items) != 3 {
		t.Errorf("expected 3 items and more, got %v %v", items, more)
	}
	items, more = Page([]int{1, 2}, p)
	if more || len(items) != 2 {
		t.Errorf("expected 2 items and no more, got %v %v", items, more)
	}
	if p.Probe() != 4 {
		t.Errorf("expected probe 4, got %d", p.Probe())
	}
}

func TestParams_Offsets(t *testing.T) {
	p := Params{Limit: 20, Offset: 10}
	if !p.HasPrevious() {
		t.Error("expected previous page")
	}
	if p.NextOffset() != 30 {
		t.Errorf("expected next offset 30, got %d", p.NextOffset())
	}
	if p.PreviousOffset() != 0 {
		t.Errorf("expected previous offset clamped to 0, got %d", p.PreviousOffset())
	}
	if (Params{Limit: 20}).HasPrevious() {
		t.Error("first page has no previous")
	}
}

func TestNewResponse(t *testing.T) {
	r := NewResponse([]string{"a"}, Params{Limit: 1, Offset: 4}, true)
	if !r.HasMore || r.NextOffset == nil || *r.NextOffset != 5 {
		t.Errorf("unexpected response: %+v", r)
	}
	r = NewResponse([]string{}, Params{Limit: 1}, false)
	if r.HasMore || r.NextOffset != nil {
		t.Errorf("last page must not carry a next offset: %+v", r)
	}
}
