// Package httpapi exposes the trading engine over HTTP with JSON payloads.
// Every failure body carries a machine-readable kind alongside the detail so
// callers can branch without parsing messages.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"papertrade/internal/broker"
	"papertrade/internal/domain"
	"papertrade/internal/engine"
)

// Server serves the trading API.
type Server struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewServer creates an HTTP API server over the given engine.
func NewServer(eng *engine.Engine, logger *slog.Logger) *Server {
	return &Server{
		engine: eng,
		logger: logger.With("component", "httpapi"),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/orders", s.handleSubmitOrder)
	mux.HandleFunc("POST /api/orders/trailing", s.handlePlaceTrailingStop)
	mux.HandleFunc("GET /api/orders", s.handleListOrders)
	mux.HandleFunc("GET /api/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("PATCH /api/orders/{id}", s.handleModifyOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", s.handleCancelOrder)
	mux.HandleFunc("GET /api/positions", s.handlePortfolio)
	mux.HandleFunc("GET /api/positions/{symbol}", s.handlePosition)
	mux.HandleFunc("DELETE /api/positions/{symbol}", s.handleLiquidate)
	mux.HandleFunc("GET /api/account", s.handleAccount)
	mux.HandleFunc("GET /api/health", s.handleHealth)
}

// Handler returns the full API handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(engine.FailValidation), "invalid request body: "+err.Error())
		return
	}
	res, err := s.engine.SubmitOrder(r.Context(), engine.SubmitParams{
		Symbol:        req.Symbol,
		Qty:           req.Qty,
		Side:          domain.OrderSide(req.Side),
		LimitPrice:    req.LimitPrice,
		TakeProfit:    req.TakeProfit,
		StopLoss:      req.StopLoss,
		TimeInForce:   domain.TimeInForce(req.TimeInForce),
		ClientOrderID: req.ClientOrderID,
	})
	if err != nil {
		s.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, convertSubmit(res))
}

func (s *Server) handlePlaceTrailingStop(w http.ResponseWriter, r *http.Request) {
	var req TrailingStopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(engine.FailValidation), "invalid request body: "+err.Error())
		return
	}
	res, err := s.engine.PlaceTrailingStop(r.Context(), engine.TrailingParams{
		Symbol:       req.Symbol,
		Qty:          req.Qty,
		Side:         domain.OrderSide(req.Side),
		TrailPercent: req.TrailPercent,
		TrailPrice:   req.TrailPrice,
	})
	if err != nil {
		s.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, convertSubmit(res))
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	view := broker.OrderView(r.URL.Query().Get("view"))
	if view == "" {
		view = broker.OrdersOpen
	}
	switch view {
	case broker.OrdersOpen, broker.OrdersClosed, broker.OrdersAll:
	default:
		writeError(w, http.StatusBadRequest, string(engine.FailValidation),
			fmt.Sprintf("unknown view %q, want open, closed, or all", view))
		return
	}
	orders, err := s.engine.Orders(r.Context(), view, r.URL.Query().Get("symbol"))
	if err != nil {
		s.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OrdersResponse{Orders: convertOrders(orders)})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.engine.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convertOrder(order))
}

func (s *Server) handleModifyOrder(w http.ResponseWriter, r *http.Request) {
	var req ModifyOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(engine.FailValidation), "invalid request body: "+err.Error())
		return
	}
	order, err := s.engine.ModifyOrder(r.Context(), r.PathValue("id"), engine.ModifyParams{
		LimitPrice: req.LimitPrice,
		StopPrice:  req.StopPrice,
		Qty:        req.Qty,
	})
	if err != nil {
		s.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convertOrder(order))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.CancelOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelOrderResponse{
		OrderID:  res.OrderID,
		Status:   string(res.Status),
		Canceled: res.Canceled,
	})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	s.writePortfolio(w, r, "all")
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	s.writePortfolio(w, r, r.PathValue("symbol"))
}

func (s *Server) writePortfolio(w http.ResponseWriter, r *http.Request, symbol string) {
	positions, err := s.engine.Portfolio(r.Context(), symbol)
	if err != nil {
		s.writeOpError(w, r, err)
		return
	}
	resp := PortfolioResponse{Positions: make([]PositionJSON, 0, len(positions))}
	for i := range positions {
		resp.Positions = append(resp.Positions, convertPosition(&positions[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.LiquidatePosition(r.Context(), r.PathValue("symbol"))
	if err != nil {
		s.writeOpError(w, r, err)
		return
	}
	resp := LiquidateResponse{
		Symbol:  res.Symbol,
		Success: res.Success,
		Cancels: make([]CancelOutcomeJSON, 0, len(res.Cancels)),
	}
	for _, c := range res.Cancels {
		out := CancelOutcomeJSON{OrderID: c.OrderID}
		if c.Err != nil {
			out.Error = c.Err.Error()
		}
		resp.Cancels = append(resp.Cancels, out)
	}
	if res.ClosingOrder != nil {
		o := convertOrder(res.ClosingOrder)
		resp.ClosingOrder = &o
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.engine.AccountSummary(r.Context())
	if err != nil {
		s.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convertAccount(account))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func statusForKind(kind engine.FailureKind) int {
	switch kind {
	case engine.FailValidation:
		return http.StatusBadRequest
	case engine.FailNotFound:
		return http.StatusNotFound
	case engine.FailMarketClosed:
		return http.StatusUnprocessableEntity
	case engine.FailBrokerReject:
		return http.StatusConflict
	case engine.FailTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writeOpError(w http.ResponseWriter, r *http.Request, err error) {
	var opErr *engine.OpError
	if errors.As(err, &opErr) {
		s.logger.Warn("operation failed",
			"method", r.Method,
			"path", r.URL.Path,
			"kind", opErr.Kind,
			"detail", opErr.Detail)
		writeError(w, statusForKind(opErr.Kind), string(opErr.Kind), opErr.Detail)
		return
	}
	s.logger.Error("unclassified error", "method", r.Method, "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal", err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, kind, detail string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorBody{Kind: kind, Detail: detail}})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
