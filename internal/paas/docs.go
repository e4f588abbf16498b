package paas

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func RegisterDocs(r *gin.Engine) {
	r.GET("/docs", func(c *gin.Context) {
		c.Header("Content-Type", "text/markdown; charset=utf-8")
		c.String(http.StatusOK, `# Arbiter

Arbitration core for multi-strategy trading: position ownership, guardrail
validation and the order lifecycle.

## Auth

Operator routes (approve, reject, cancel, close-review, strategy and
ownership administration, settings writes) require a Bearer JWT signed with
the configured secret. Health endpoints are public.

## Routes

- GET /healthz
- GET /readyz
- GET /swagger/index.html
- POST /api/v1/proposals
- POST /api/v1/executions/events
- GET /api/v1/orders
- GET /api/v1/orders/:id
- GET /api/v1/orders/:id/transitions
- POST /api/v1/orders/:id/approve
- POST /api/v1/orders/:id/reject
- POST /api/v1/orders/:id/cancel
- POST /api/v1/orders/:id/close-review
- GET /api/v1/strategies
- GET /api/v1/strategies/:name
- PUT /api/v1/strategies/:name
- POST /api/v1/strategies/:name/activate
- POST /api/v1/strategies/:name/deactivate
- GET /api/v1/ownerships
- GET /api/v1/ownerships/:ticker
- POST /api/v1/ownerships/:ticker/release
- GET /api/v1/conflicts
- GET /api/v1/events/ws
- GET /api/v1/settings
- GET /api/v1/settings/switches
- PUT /api/v1/settings/switches/:name
- GET /api/v1/settings/:key
- PUT /api/v1/settings/:key
`)
	})
}
