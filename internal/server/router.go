package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/syncache/internal/cache"
	"github.com/MarcoPoloResearchLab/syncache/internal/metrics"
)

var (
	errMissingStore = errors.New("item store dependency required")
	errMissingViews = errors.New("view index dependency required")
	errMissingBus   = errors.New("reload bus dependency required")
)

// Dependencies wires the HTTP surface to the cache layer. Metrics is
// optional; a nil handle records nothing.
type Dependencies struct {
	Store   *cache.ItemStore
	Views   *cache.ViewIndex
	Bus     *cache.ReloadBus
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// NewHTTPHandler builds the read-only HTTP surface over the cache: view and
// item lookups, reload triggering, health, and metrics.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Views == nil {
		return nil, errMissingViews
	}
	if deps.Bus == nil {
		return nil, errMissingBus
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		store:   deps.Store,
		views:   deps.Views,
		bus:     deps.Bus,
		logger:  logger,
		metrics: deps.Metrics,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/cache/views/:view_id/items", handler.handleListView)
	router.GET("/cache/items/:item_id", handler.handleGetItem)
	router.POST("/cache/views/:view_id/reload", handler.handleReload)

	return router, nil
}

type httpHandler struct {
	store   *cache.ItemStore
	views   *cache.ViewIndex
	bus     *cache.ReloadBus
	logger  *zap.Logger
	metrics *metrics.Metrics
}

type itemResponse struct {
	ID        string  `json:"id"`
	TypeName  string  `json:"type_name"`
	CreatedAt string  `json:"created_at"`
	Payload   string  `json:"payload"`
	State     string  `json:"state"`
	Order     float64 `json:"order,omitempty"`
}

type reloadRequestPayload struct {
	TypeName       string   `json:"type_name"`
	ExcludeViewIDs []string `json:"exclude_view_ids"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleListView(c *gin.Context) {
	viewID, err := cache.NewViewID(c.Param("view_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_view_id"})
		return
	}
	typeName, err := cache.NewTypeName(c.Query("type_name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_type_name"})
		return
	}
	limit := cache.DefaultCacheReadLimit
	if rawLimit := c.Query("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	rows, err := h.views.ListForView(c.Request.Context(), viewID.String(), typeName.String(), limit, true)
	if err != nil {
		h.logger.Error("view listing failed", zap.String("view_id", viewID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	items := make([]itemResponse, 0, len(rows))
	for _, row := range rows {
		items = append(items, itemResponse{
			ID:        row.Item.ItemID,
			TypeName:  row.Item.TypeName,
			CreatedAt: row.Item.CreatedAt,
			Payload:   row.Item.Payload,
			State:     row.Item.State.String(),
			Order:     row.Order,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *httpHandler) handleGetItem(c *gin.Context) {
	itemID, err := cache.NewItemID(c.Param("item_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_item_id"})
		return
	}

	row, err := h.store.Get(c.Request.Context(), itemID.String())
	if err != nil {
		h.logger.Error("item lookup failed", zap.String("item_id", itemID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	if row == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, itemResponse{
		ID:        row.ItemID,
		TypeName:  row.TypeName,
		CreatedAt: row.CreatedAt,
		Payload:   row.Payload,
		State:     row.State.String(),
	})
}

func (h *httpHandler) handleReload(c *gin.Context) {
	viewID, err := cache.NewViewID(c.Param("view_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_view_id"})
		return
	}
	var request reloadRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	typeName, err := cache.NewTypeName(request.TypeName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_type_name"})
		return
	}

	h.bus.Publish(cache.ReloadEvent{
		TypeName:       typeName.String(),
		ViewID:         viewID.String(),
		ExcludeViewIDs: request.ExcludeViewIDs,
	})
	h.metrics.RecordReloadEvent()
	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}
