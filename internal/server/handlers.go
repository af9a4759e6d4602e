package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tournevent/shipgate/internal/fulfillment"
	"github.com/tournevent/shipgate/pkg/carrier"
	"go.uber.org/zap"
)

// Merchant identity headers, set by the gateway in front of the service.
const (
	HeaderMerchantID   = "X-Merchant-ID"
	HeaderMerchantCode = "X-Merchant-Code"
)

const bodyLimit = 1 << 20

type merchantKey struct{}

func merchantIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := fulfillment.Merchant{ID: r.Header.Get(HeaderMerchantID), Code: r.Header.Get(HeaderMerchantCode)}
		if m.ID == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Kind: "unauthorized", Message: "missing " + HeaderMerchantID})
			return
		}
		if m.Code == "" {
			m.Code = m.ID
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), merchantKey{}, m)))
	})
}

func merchantFrom(ctx context.Context) fulfillment.Merchant {
	m, _ := ctx.Value(merchantKey{}).(fulfillment.Merchant)
	return m
}

type errorResponse struct {
	Kind      string `json:"kind"`
	Code      string `json:"code,omitempty"`
	Carrier   string `json:"carrier,omitempty"`
	State     string `json:"state,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

type ratesResponse struct {
	Rates    []carrier.Rate                `json:"rates"`
	Failures []fulfillment.AccountFailure `json:"failures,omitempty"`
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	var req fulfillment.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	m := merchantFrom(r.Context())

	if req.AccountID == "" {
		shop, err := s.svc.ShopRates(r.Context(), &req, m)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ratesResponse{Rates: shop.Rates, Failures: shop.Failures})
		return
	}

	rates, err := s.svc.Quote(r.Context(), &req, m)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ratesResponse{Rates: rates})
}

func (s *Server) handleCreateLabel(w http.ResponseWriter, r *http.Request) {
	var req fulfillment.Request
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := s.svc.Fulfill(r.Context(), &req, merchantFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Cancel(r.Context(), merchantFrom(r.Context()), chi.URLParam(r, "shipmentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Track(r.Context(), merchantFrom(r.Context()), chi.URLParam(r, "shipmentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Manifest(r.Context(), merchantFrom(r.Context()), chi.URLParam(r, "accountID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.ReconcileManifest(r.Context(), merchantFrom(r.Context()),
		chi.URLParam(r, "accountID"), chi.URLParam(r, "manifestID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// statusFor maps an orchestration failure to an HTTP status.
func statusFor(err error) int {
	var fe *fulfillment.Error
	if !errors.As(err, &fe) {
		return http.StatusInternalServerError
	}
	switch fe.Kind {
	case fulfillment.KindValidation:
		if fe.Code == fulfillment.CodeShipmentNotFound {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case fulfillment.KindInsufficientBalance:
		return http.StatusPaymentRequired
	case fulfillment.KindNoPriceFound, fulfillment.KindNoServiceMatch:
		return http.StatusUnprocessableEntity
	case fulfillment.KindCarrier:
		if fe.Code == carrier.CodeTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{
		Kind:      string(fulfillment.KindOf(err)),
		Message:   err.Error(),
		RequestID: middleware.GetReqID(r.Context()),
	}
	var fe *fulfillment.Error
	if errors.As(err, &fe) {
		resp.Code = fe.Code
		resp.Carrier = fe.Carrier
		resp.State = string(fe.State)
		resp.Retryable = fe.Retryable()
	}
	if status >= http.StatusInternalServerError && resp.Kind == string(fulfillment.KindInternal) {
		// storage details stay in the logs
		resp.Message = "internal error"
	}
	s.logger.Ctx(r.Context()).Debug("request failed",
		zap.String("request_id", resp.RequestID),
		zap.Int("status", status),
		zap.Error(err),
	)
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func decodeJSON[T any](w http.ResponseWriter, r *http.Request, dst *T) bool {
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: string(fulfillment.KindValidation), Message: "invalid json: " + err.Error()})
		return false
	}
	if err := dec.Decode(new(struct{})); err != io.EOF {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: string(fulfillment.KindValidation), Message: "invalid json: trailing data"})
		return false
	}
	return true
}
