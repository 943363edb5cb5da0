package handlers

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Guizzs26/go-scan-sync/internal/models"
	"github.com/Guizzs26/go-scan-sync/pkg/metrics"
)

const maxBodyBytes = 32 << 20

// Ingestor is the batch processing behind the routes
type Ingestor interface {
	Process(ctx context.Context, raw []json.RawMessage) (models.UploadResponse, error)
	Search(ctx context.Context, barcode string) ([]models.WireRecord, error)
}

// HandlerConfig groups dependencies for the ingest handlers
type HandlerConfig struct {
	Ingestor   Ingestor
	APIKey     string
	UploadPath string
	// Ping reports database reachability for /health; nil means always healthy
	Ping   func(ctx context.Context) error
	Logger *slog.Logger
}

// SetupRouter builds the complete ingest HTTP surface
func SetupRouter(cfg HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(cfg.Logger))

	r.GET("/health", func(c *gin.Context) {
		if cfg.Ping != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
			defer cancel()
			if err := cfg.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	RegisterIngestRoutes(r, cfg)
	return r
}

// RegisterIngestRoutes registers the upload and search routes
func RegisterIngestRoutes(r *gin.Engine, cfg HandlerConfig) {
	path := cfg.UploadPath
	if path == "" {
		path = "/upload"
	}

	r.POST(path, countRequests(), RequireAPIKey(cfg.APIKey), func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid data format"})
			return
		}

		var batch []json.RawMessage
		trimmed := bytes.TrimSpace(body)
		if !bytes.HasPrefix(trimmed, []byte("[")) || json.Unmarshal(trimmed, &batch) != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid data format"})
			return
		}

		resp, err := cfg.Ingestor.Process(c.Request.Context(), batch)
		if err != nil {
			cfg.Logger.Error("Batch rejected", "records", len(batch), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, resp)
	})

	r.GET("/search/:barcode", func(c *gin.Context) {
		rows, err := cfg.Ingestor.Search(c.Request.Context(), c.Param("barcode"))
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				cfg.Logger.Error("Search failed", "barcode", c.Param("barcode"), "error", err)
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if rows == nil {
			rows = []models.WireRecord{}
		}
		c.JSON(http.StatusOK, rows)
	})
}

// RequireAPIKey rejects requests whose X-API-KEY header does not match key
func RequireAPIKey(key string) gin.HandlerFunc {
	want := []byte(key)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader("X-API-KEY"))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

func countRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		metrics.IngestRequests.WithLabelValues(strconv.Itoa(c.Writer.Status())).Inc()
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"remote", c.ClientIP(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
