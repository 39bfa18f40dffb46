package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/signalbox/internal/coordinator"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	maxBodyBytes         = 64 << 10
	healthTimeout        = 2 * time.Second
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	v1 := router.Group("/api/v1")
	v1.POST("/messages", handleSendMessage(opts.Coordinator))
	v1.GET("/requests/:idempotencyKey", handleRequestStatus(opts.Coordinator))

	router.GET("/healthz", handleHealth(opts.DB))
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}
}

type messageRequest struct {
	Content        string `json:"content"`
	SessionID      string `json:"sessionId"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type messageResponse struct {
	RequestID string          `json:"requestId"`
	Cached    bool            `json:"cached"`
	Result    json.RawMessage `json:"result"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

func handleSendMessage(coord *coordinator.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetString(ctxRequestID)
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)

		var body messageRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			writeError(c, requestID, &coordinator.Error{
				Kind:    coordinator.InvalidInput,
				Message: "request body must be a JSON object: " + err.Error(),
			})
			return
		}
		if body.IdempotencyKey == "" {
			body.IdempotencyKey = c.GetHeader(headerIdempotencyKey)
		}

		resp, err := coord.Handle(c.Request.Context(), coordinator.Request{
			SessionID:      body.SessionID,
			Content:        body.Content,
			IdempotencyKey: body.IdempotencyKey,
			RequestID:      requestID,
		})
		if err != nil {
			writeError(c, requestID, err)
			return
		}
		if resp.Cached {
			c.Header(headerReplayed, "true")
		}
		result := resp.Result
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		c.JSON(http.StatusOK, messageResponse{
			RequestID: resp.RequestID,
			Cached:    resp.Cached,
			Result:    result,
		})
	}
}

func writeError(c *gin.Context, requestID string, err error) {
	var ce *coordinator.Error
	if !errors.As(err, &ce) {
		ce = &coordinator.Error{Kind: coordinator.StorageError, Message: "internal error", Err: err}
	}
	msg := ce.Message
	// Storage details stay in the logs.
	if ce.Kind == coordinator.StorageError {
		msg = "internal error"
	}
	c.JSON(ce.Kind.HTTPStatus(), errorResponse{
		Error:     msg,
		Kind:      string(ce.Kind),
		Retryable: ce.Kind.Retryable(),
		RequestID: requestID,
	})
}

type statusResponse struct {
	ID             uint            `json:"id"`
	IdempotencyKey string          `json:"idempotencyKey"`
	SessionID      string          `json:"sessionId"`
	RequestID      string          `json:"requestId"`
	Status         string          `json:"status"`
	RetryCount     int             `json:"retryCount"`
	CreatedAt      time.Time       `json:"createdAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
}

func toStatusResponse(e *models.LedgerEntry) statusResponse {
	out := statusResponse{
		ID:             e.ID,
		IdempotencyKey: e.IdempotencyKey,
		SessionID:      e.SessionID,
		RequestID:      e.RequestID,
		Status:         e.Status,
		RetryCount:     e.RetryCount,
		CreatedAt:      e.CreatedAt,
		CompletedAt:    e.CompletedAt,
	}
	if e.Result != nil {
		out.Result = json.RawMessage(*e.Result)
	}
	if e.ErrorMessage != nil {
		out.Error = *e.ErrorMessage
	}
	return out
}

func handleRequestStatus(coord *coordinator.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		entry, err := coord.Status(c.Request.Context(), c.Param("idempotencyKey"))
		if err != nil {
			writeError(c, c.GetString(ctxRequestID), err)
			return
		}
		c.JSON(http.StatusOK, toStatusResponse(entry))
	}
}

func handleHealth(gdb *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()
		if err := db.Ping(ctx, gdb); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
