package orchestrator

import (
	"io"
	"net/http"
	"time"

	"referral-ledger/pkg/db/pagination"
	"referral-ledger/pkg/errutil"
	"referral-ledger/services/attribution"
	"referral-ledger/services/storefront"

	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/purchases", h.purchase)
	r.POST("/webhooks/orders/:topic", h.webhook)
	r.POST("/referrals/clicks", h.linkClick)
	r.POST("/referrals", h.establishReferral)
	r.POST("/doctors/:id/approve", h.approve)

	members := r.Group("/members")
	members.POST("", h.signup)
	members.GET("/:id/wallet", h.wallet)
	members.GET("/:id/rank", h.rank)
	members.GET("/:id/network", h.network)
	members.POST("/:id/subscription/renew", h.renew)
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return false
	}
	return true
}

func (h *Handler) purchase(c *gin.Context) {
	var req PurchaseRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.svc.Purchase(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		_ = c.Error(errutil.BadRequest("invalid body", err))
		return
	}
	if err := h.svc.VerifyWebhook(body, c.GetHeader(storefront.HeaderSignature)); err != nil {
		_ = c.Error(err)
		return
	}

	res, err := h.svc.HandleWebhook(c.Request.Context(), "orders/"+c.Param("topic"), c.GetHeader(storefront.HeaderWebhookID), body)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) linkClick(c *gin.Context) {
	var req attribution.LinkClick
	if !bind(c, &req) {
		return
	}
	if req.ClickedAt.IsZero() {
		req.ClickedAt = time.Now().UTC()
	}
	customer, created, err := h.svc.LinkClick(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"customer": customer, "created": created})
}

func (h *Handler) establishReferral(c *gin.Context) {
	var req ReferralRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.svc.EstablishReferral(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

func (h *Handler) approve(c *gin.Context) {
	res, err := h.svc.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) signup(c *gin.Context) {
	var req SignupRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.svc.Signup(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) wallet(c *gin.Context) {
	var p pagination.Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}
	if p.Limit <= 0 || p.Limit > pagination.MaxLimit {
		p.Limit = pagination.DefaultLimit
	}
	res, err := h.svc.Wallet(c.Request.Context(), c.Param("id"), p)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) rank(c *gin.Context) {
	res, err := h.svc.Rank(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) network(c *gin.Context) {
	res, err := h.svc.Network(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type renewRequest struct {
	Period time.Time `json:"period"`
}

func (h *Handler) renew(c *gin.Context) {
	var req renewRequest
	if c.Request.ContentLength > 0 && !bind(c, &req) {
		return
	}
	if req.Period.IsZero() {
		req.Period = time.Now().UTC()
	}
	entry, err := h.svc.RenewSubscription(c.Request.Context(), c.Param("id"), req.Period)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": entry != nil, "transaction": entry})
}
