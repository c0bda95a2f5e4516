package main

import (
	"errors"
	"net/http"
	"time"

	"call-platform/internal/records"
	"call-platform/internal/relay"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, authMW gin.HandlerFunc, signaling *relay.Handler, recordSvc *records.Service) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Signaling websocket. Browsers cannot set an Authorization header on
	// websocket upgrades, so the auth middleware also accepts ?token=.
	r.GET("/call-signaling/:sessionKey", authMW, signaling.HandleSignaling)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		calls := v1.Group("/calls")
		{
			calls.GET("/:sessionKey/history", func(c *gin.Context) {
				recs, err := recordSvc.History(c.Request.Context(), c.Param("sessionKey"))
				if err != nil {
					if errors.Is(err, records.ErrInvalidRecord) {
						c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "session key required"})
						return
					}
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
					return
				}
				c.JSON(http.StatusOK, gin.H{"records": recs})
			})

			calls.GET("/summary", func(c *gin.Context) {
				from, err1 := time.Parse(time.RFC3339, c.Query("from"))
				to, err2 := time.Parse(time.RFC3339, c.Query("to"))
				if err1 != nil || err2 != nil {
					c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from and to must be RFC3339 timestamps"})
					return
				}
				out, err := recordSvc.Summary(c.Request.Context(), records.TimeRange{From: from, To: to})
				if err != nil {
					if errors.Is(err, records.ErrInvalidRecord) {
						c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid time range"})
						return
					}
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "summary failed"})
					return
				}
				c.JSON(http.StatusOK, gin.H{"summaries": out})
			})
		}
	}
}
