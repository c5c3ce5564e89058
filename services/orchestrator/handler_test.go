package orchestrator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"referral-ledger/pkg/featureflags"
	"referral-ledger/pkg/middleware"
	"referral-ledger/services/storefront"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newRouter(f *fixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Error())
	NewHandler(f.svc).RegisterRoutes(r.Group("/v1"))
	return r
}

func do(r http.Handler, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhookEndpoint(t *testing.T) {
	f := newFixture(t, featureflags.Static())
	r := newRouter(f)

	doc := f.member(t, "doc@example.com", false)
	click, _ := json.Marshal(map[string]any{"referrerCode": doc.ReferralCode, "contactEmail": "shopper@example.com"})
	w := do(r, http.MethodPost, "/v1/referrals/clicks", click, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body, _ := json.Marshal(map[string]any{
		"id":               4401,
		"email":            "shopper@example.com",
		"total_price":      "10000.00",
		"currency":         "INR",
		"financial_status": "paid",
		"created_at":       time.Now().UTC().Add(time.Minute).Format(time.RFC3339),
	})

	w = do(r, http.MethodPost, "/v1/webhooks/orders/paid", body, map[string]string{storefront.HeaderSignature: "bogus"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Zero(t, f.balance(t, doc.ID))

	signed := map[string]string{
		storefront.HeaderSignature: storefront.Sign("shh", body),
		storefront.HeaderWebhookID: "delivery-1",
	}
	w = do(r, http.MethodPost, "/v1/webhooks/orders/paid", body, signed)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, int64(250), f.balance(t, doc.ID))

	// redelivery
	w = do(r, http.MethodPost, "/v1/webhooks/orders/paid", body, signed)
	require.Equal(t, http.StatusOK, w.Code)
	var res OrderResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.False(t, res.Applied)
	require.Equal(t, int64(250), f.balance(t, doc.ID))

	var events int64
	require.NoError(t, f.db.Model(&Event{}).Where("delivery_id = ?", "delivery-1").Count(&events).Error)
	require.Equal(t, int64(2), events)

	w = do(r, http.MethodPost, "/v1/webhooks/orders/cancelled", body, signed)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMemberEndpoints(t *testing.T) {
	f := newFixture(t, featureflags.Static())
	r := newRouter(f)

	body, _ := json.Marshal(map[string]any{"name": "Dr Rao", "email": "rao@example.com", "provisionalDoctor": true})
	w := do(r, http.MethodPost, "/v1/members", body, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var signup SignupResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &signup))
	id := signup.Member.ID

	purchase, _ := json.Marshal(map[string]any{"userId": id, "orderId": "web-1", "orderTotal": "5000"})
	w = do(r, http.MethodPost, "/v1/purchases", purchase, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, http.MethodGet, "/v1/members/"+id+"/wallet?limit=5", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var wallet struct {
		Balance int64 `json:"balance"`
		Locked  int64 `json:"locked"`
		History []any `json:"history"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &wallet))
	require.Zero(t, wallet.Balance)
	require.Equal(t, int64(50), wallet.Locked)
	require.Len(t, wallet.History, 1)

	w = do(r, http.MethodPost, "/v1/doctors/"+id+"/approve", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, http.MethodGet, "/v1/members/"+id+"/rank", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view RankView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.Equal(t, "associate", string(view.Progress.Rank))

	w = do(r, http.MethodGet, "/v1/members/"+id+"/network", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/v1/members/unknown/wallet", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}
