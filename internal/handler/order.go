package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"orderengine/internal/model"
	"orderengine/internal/mw"
	"orderengine/internal/service"
)

const (
	idempotencyHeader = "X-Idempotency-Key"
	maxBodyBytes      = 1 << 16
)

type OrderSubmitter interface {
	Submit(ctx context.Context, req service.SubmitRequest) (service.SubmitResult, error)
}

type OrderReader interface {
	Get(ctx context.Context, id string) (*model.Order, error)
}

// inputMint and outputMint are accepted as aliases of the asset fields.
type submitRequest struct {
	InputAsset  string          `json:"inputAsset"`
	InputMint   string          `json:"inputMint"`
	OutputAsset string          `json:"outputAsset"`
	OutputMint  string          `json:"outputMint"`
	Amount      decimal.Decimal `json:"amount"`
}

type submitResponse struct {
	OrderID         string `json:"orderId"`
	Message         string `json:"message"`
	SubscriptionURL string `json:"subscriptionUrl"`
}

type duplicateResponse struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

// SubscriptionLinks builds the websocket URL handed out with a new order.
type SubscriptionLinks struct {
	PublicWSURL string
	Secret      string
}

func (l SubscriptionLinks) For(orderID string) (string, error) {
	q := url.Values{}
	q.Set("orderId", orderID)
	if l.Secret != "" {
		token, err := mw.IssueSubscriptionToken(l.Secret, orderID, time.Now())
		if err != nil {
			return "", err
		}
		q.Set("token", token)
	}
	return l.PublicWSURL + "/ws?" + q.Encode(), nil
}

func SubmitOrderHandler(sub OrderSubmitter, links SubscriptionLinks, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}

		res, err := sub.Submit(r.Context(), service.SubmitRequest{
			InputAsset:     firstNonEmpty(req.InputAsset, req.InputMint),
			OutputAsset:    firstNonEmpty(req.OutputAsset, req.OutputMint),
			Amount:         req.Amount,
			IdempotencyKey: r.Header.Get(idempotencyHeader),
		})
		if err != nil {
			switch {
			case errors.Is(err, service.ErrInvalidInput), errors.Is(err, service.ErrUnknownAsset):
				writeError(w, http.StatusBadRequest, err.Error())
			case errors.Is(err, service.ErrSubmissionInProgress):
				writeError(w, http.StatusConflict, err.Error())
			default:
				log.Error("order submit failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "Internal Server Error")
			}
			return
		}

		if res.Duplicate {
			writeJSON(w, http.StatusOK, duplicateResponse{OrderID: res.OrderID, Status: "duplicate"})
			return
		}

		link, err := links.For(res.OrderID)
		if err != nil {
			log.Error("subscription link", zap.String("order_id", res.OrderID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}
		writeJSON(w, http.StatusCreated, submitResponse{
			OrderID:         res.OrderID,
			Message:         "Order queued",
			SubscriptionURL: link,
		})
	}
}

func GetOrderHandler(orders OrderReader, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o, err := orders.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, service.ErrOrderNotFound) {
				writeError(w, http.StatusNotFound, "order not found")
				return
			}
			log.Error("order read failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}
		writeJSON(w, http.StatusOK, o)
	}
}

// HealthHandler reports 503 when any dependency check fails.
func HealthHandler(checks map[string]func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status, code := map[string]string{}, http.StatusOK
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status[name] = err.Error()
				code = http.StatusServiceUnavailable
				continue
			}
			status[name] = "ok"
		}
		writeJSON(w, code, map[string]any{"status": http.StatusText(code), "checks": status})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
