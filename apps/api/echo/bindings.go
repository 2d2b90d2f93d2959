package echoapi

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

// Pagination binds the history paging query parameters. An offset of N skips
// the N newest messages; limit is clamped to the configured page size by the
// service.
type Pagination struct {
	Limit  int
	Offset int
}

func (p *Pagination) Bind(ctx echo.Context) {
	data := ctx.QueryParams()
	if val := data.Get("limit"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			p.Limit = n
		}
	}
	if val := data.Get("offset"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			p.Offset = n
		}
	}
}
