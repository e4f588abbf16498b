package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"arbiter/internal/orderflow"
	"arbiter/internal/ownership"
	"arbiter/internal/registry"
	"arbiter/internal/repository"
)

func intQuery(c *gin.Context, key string, def int) int {
	if val := c.Query(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return def
}

func boolQueryPtr(c *gin.Context, key string) *bool {
	if val := c.Query(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return &b
		}
	}
	return nil
}

func strQueryPtr(c *gin.Context, key string) *string {
	if val := strings.TrimSpace(c.Query(key)); val != "" {
		return &val
	}
	return nil
}

func timeQueryPtr(c *gin.Context, key string) *time.Time {
	if val := strings.TrimSpace(c.Query(key)); val != "" {
		if t, err := time.Parse(time.RFC3339, val); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func csvQuery(c *gin.Context, key string) []string {
	var out []string
	for _, part := range strings.Split(c.Query(key), ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func uint64Param(c *gin.Context, key string) uint64 {
	v, err := strconv.ParseUint(strings.TrimSpace(c.Param(key)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func boolPtr(v bool) *bool { return &v }

func paginationMeta(limit, offset int, total int64) map[string]any {
	if limit <= 0 {
		limit = 0
	}
	if offset < 0 {
		offset = 0
	}
	hasNext := int64(offset+limit) < total
	return map[string]any{
		"limit":    limit,
		"offset":   offset,
		"total":    total,
		"has_next": hasNext,
	}
}

// errorStatus maps domain errors onto HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, registry.ErrUnknownStrategy), errors.Is(err, registry.ErrNotFound), errors.Is(err, orderflow.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, orderflow.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, orderflow.ErrInvalidProposal), errors.Is(err, orderflow.ErrInvalidEvent),
		errors.Is(err, ownership.ErrInvalidRequest), errors.Is(err, registry.ErrInvalidStrategy):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrConcurrencyViolation):
		return http.StatusInternalServerError
	}
	return http.StatusBadGateway
}

func fail(c *gin.Context, err error) {
	Error(c, errorStatus(err), err.Error(), nil)
}

// guarded prepends auth to h when auth is set.
func guarded(auth gin.HandlerFunc, h gin.HandlerFunc) []gin.HandlerFunc {
	if auth == nil {
		return []gin.HandlerFunc{h}
	}
	return []gin.HandlerFunc{auth, h}
}

func secondsDuration(s int64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s) * time.Second
}
