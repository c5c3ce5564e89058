package settings

import (
	"net/http"

	"referral-ledger/pkg/errutil"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	store *Store
}

func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/settings")
	g.GET("", h.get)
	g.POST("/reload", h.reload)
	g.PUT("/:key", h.put)
}

func (h *Handler) get(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.Current())
}

func (h *Handler) reload(c *gin.Context) {
	rates, err := h.store.Reload(c.Request.Context())
	if err != nil {
		_ = c.Error(errutil.Internal("failed to reload settings", err))
		return
	}
	c.JSON(http.StatusOK, rates)
}

type putRequest struct {
	Value string `json:"value" binding:"required"`
}

func (h *Handler) put(c *gin.Context) {
	var req putRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	rates, err := h.store.Set(c.Request.Context(), c.Param("key"), req.Value)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, rates)
}
