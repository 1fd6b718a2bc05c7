package api

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dolr-ai/videohash-indexer/internal/codec"
	"github.com/dolr-ai/videohash-indexer/internal/orchestrator"
	"github.com/dolr-ai/videohash-indexer/internal/store"
	"github.com/dolr-ai/videohash-indexer/pkg/models"
)

// Handler wires the orchestrator and store to HTTP.
type Handler struct {
	orch   *orchestrator.Orchestrator
	store  *store.Store
	hub    *Hub
	log    *zap.Logger
	enableSynthetic bool
}

// Options configures SetupRouter.
type Options struct {
	Orchestrator    *orchestrator.Orchestrator
	Store           *store.Store
	Hub             *Hub
	Log             *zap.Logger
	AllowedOrigins  []string
	APIAuthToken    string
	RedisClient     *redis.Client
	EnableSynthetic bool
}

// SetupRouter builds the gin engine and registers every route.
func SetupRouter(opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID(opts.Log))

	corsCfg := cors.DefaultConfig()
	if len(opts.AllowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = opts.AllowedOrigins
	}
	corsCfg.AllowCredentials = true
	corsCfg.AllowHeaders = []string{"Content-Type", "Content-Length", "Authorization", "Accept-Encoding", "X-Requested-With", "X-Request-ID"}
	corsCfg.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	r.Use(cors.New(corsCfg))

	h := &Handler{
		orch:            opts.Orchestrator,
		store:           opts.Store,
		hub:             opts.Hub,
		log:             opts.Log,
		enableSynthetic: opts.EnableSynthetic,
	}

	rateLimiter := NewRateLimiter(60, 10, opts.RedisClient, opts.Log)

	r.GET("/health", h.handleHealth)
	r.POST("/search", rateLimiter.Middleware(), h.handleSearch)
	r.DELETE("/hash/:video_id", AuthMiddleware(opts.APIAuthToken, opts.Log), h.handleDelete)

	admin := r.Group("/admin")
	admin.Use(AuthMiddleware(opts.APIAuthToken, opts.Log))
	{
		admin.GET("/entries", h.handleListEntries)
		admin.GET("/stream", opts.Hub.Subscribe)
	}

	if opts.EnableSynthetic {
		r.POST("/debug/synthetic", h.handleSynthetic)
	}

	return r
}

// handleSearch implements the lookup-or-insert endpoint.
func (h *Handler) handleSearch(c *gin.Context) {
	var req models.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	result, err := h.orch.Search(c.Request.Context(), req.VideoID, req.Hash)
	if err != nil {
		if errors.Is(err, codec.ErrBadLength) || errors.Is(err, codec.ErrBadSymbol) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.log.Error("search failed", zap.String("video_id", req.VideoID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		return
	}

	resp := models.SearchResponse{
		MatchFound: result.MatchFound,
		HashAdded:  result.HashAdded,
		BackedUp:   result.BackedUp,
	}
	if result.MatchFound {
		resp.MatchDetails = &models.MatchDetails{
			VideoID:              result.Match.VideoID,
			SimilarityPercentage: result.Match.SimilarityPercentage,
			IsDuplicate:          true,
		}
		h.hub.Emit(models.MutationEvent{Type: "duplicate_detected", VideoID: req.VideoID, Timestamp: nowRFC3339()})
	} else if result.HashAdded {
		h.hub.Emit(models.MutationEvent{Type: "hash_added", VideoID: req.VideoID, Timestamp: nowRFC3339()})
	}

	c.JSON(http.StatusOK, resp)
}

// handleDelete implements DELETE /hash/:video_id.
func (h *Handler) handleDelete(c *gin.Context) {
	videoID := c.Param("video_id")

	found, err := h.orch.Delete(c.Request.Context(), videoID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("video_id %q not found", videoID)})
		return
	}

	h.hub.Emit(models.MutationEvent{Type: "hash_removed", VideoID: videoID, Timestamp: nowRFC3339()})
	c.Status(http.StatusOK)
}

// handleHealth implements GET /health.
func (h *Handler) handleHealth(c *gin.Context) {
	report := h.orch.Health(c.Request.Context())

	indexCount := report.Index.Count
	c.JSON(http.StatusOK, models.HealthResponse{
		Status: "ok",
		Components: map[string]models.ComponentHealth{
			"index":     {Status: report.Index.Status, Count: &indexCount},
			"warehouse": {Status: report.Warehouse.Status},
		},
		Timestamp: report.Timestamp.Format(time.RFC3339),
	})
}

// handleListEntries implements GET /admin/entries, a paginated listing of
// every identifier and fingerprint currently resident.
func (h *Handler) handleListEntries(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	all := h.store.Entries()

	start := (page - 1) * limit
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}

	entries := make([]models.Entry, 0, end-start)
	for _, e := range all[start:end] {
		entries = append(entries, models.Entry{VideoID: e.ID, Hash: e.Code.Format()})
	}

	c.JSON(http.StatusOK, models.EntriesResponse{Entries: entries, Total: len(all)})
}

// handleSynthetic generates a cryptographically random 64-bit fingerprint
// for load-testing, gated behind ENABLE_SYNTHETIC.
func (h *Handler) handleSynthetic(c *gin.Context) {
	hash, err := randomHash()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate synthetic fingerprint"})
		return
	}
	c.JSON(http.StatusOK, models.SyntheticResponse{VideoID: "synthetic-" + hash[:8], Hash: hash})
}

// randomHash returns a cryptographically random 64-character binary string.
func randomHash() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.Grow(64)
	for _, by := range b {
		for bit := 7; bit >= 0; bit-- {
			if by&(1<<uint(bit)) != 0 {
				sb.WriteByte('1')
			} else {
				sb.WriteByte('0')
			}
		}
	}
	return sb.String(), nil
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
