package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/escrow"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/models"
)

// Coordinator is the part of the escrow coordinator exposed to buyers.
type Coordinator interface {
	PlaceOrder(ctx context.Context, quantity decimal.Decimal) (*escrow.Match, error)
	ReportPayment(ctx context.Context, orderID string, sellerID int64) error
}

// Ranking lists the best sellers.
type Ranking interface {
	TopSellers(ctx context.Context, limit int) ([]*models.User, error)
}

// Server serves the buyer API.
type Server struct {
	co        Coordinator
	ranking   Ranking
	apiKey    string
	topLength int
}

// NewServer creates the API server. An empty apiKey disables authorization.
func NewServer(co Coordinator, ranking Ranking, apiKey string, topLength int) *Server {
	if apiKey == "" {
		log.Warnf("No API key set, the buyer API is open to anyone who can reach it")
	}
	return &Server{
		co:        co,
		ranking:   ranking,
		apiKey:    apiKey,
		topLength: topLength,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		RespondWithOk(w, "p2p-telegram-escrow")
	}).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	ordersRouter := v1.PathPrefix("/orders").Subrouter()
	sellersRouter := v1.PathPrefix("/sellers").Subrouter()

	ordersRouter.HandleFunc("", s.useAuth(s.PlaceOrder)).Methods("POST")
	ordersRouter.HandleFunc("/{id}/paid", s.useAuth(s.ReportPayment)).Methods("POST")
	sellersRouter.HandleFunc("/top", s.useAuth(s.TopSellers)).Methods("GET")
	return r
}

// useAuth checks the API key for protected routes.
func (s *Server) useAuth(nextHandler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			nextHandler(w, r)
			return
		}
		key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			RespondWithError(w, http.StatusUnauthorized, "You are not authorized")
			return
		}
		nextHandler(w, r)
	}
}

type placeOrderReq struct {
	Quantity decimal.Decimal `json:"quantity"`
}

type matchResp struct {
	OrderID    string          `json:"order_id"`
	SellerID   int64           `json:"seller_id"`
	Card       string          `json:"card"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	TotalPrice decimal.Decimal `json:"total_price"`
}

type reportPaymentReq struct {
	SellerID int64 `json:"seller_id"`
}

type sellerResp struct {
	Name         string          `json:"name"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
}

// errorStatus maps escrow failures to HTTP statuses.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, escrow.ErrNoMatch):
		return http.StatusNotFound, "Order can't be completed. None of the sellers accepted it."
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound, "Order not found"
	case errors.Is(err, escrow.ErrConflict):
		return http.StatusConflict, "Order is not awaiting payment"
	case errors.Is(err, escrow.ErrInvalidAmount):
		return http.StatusBadRequest, "Quantity must be positive"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "Request cancelled"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}

func respondWithEscrowError(w http.ResponseWriter, err error) {
	code, msg := errorStatus(err)
	if code == http.StatusInternalServerError {
		log.Errorf("Request failed: %v", err)
	} else {
		log.Debugf("Request rejected: %v", err)
	}
	RespondWithError(w, code, msg)
}

// PlaceOrder matches the requested quantity with a seller. It blocks until a
// seller accepts or every candidate has been tried.
func (s *Server) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderReq
	if err := decodeReq(r, &req); err != nil {
		log.Debugf("Error decoding place_order req: %v", err)
		RespondWithError(w, http.StatusBadRequest, "Invalid request data sent")
		return
	}

	match, err := s.co.PlaceOrder(r.Context(), req.Quantity)
	if err != nil {
		respondWithEscrowError(w, err)
		return
	}
	RespondWithData(w, matchResp{
		OrderID:    match.OrderID,
		SellerID:   match.SellerID,
		Card:       match.Card,
		Price:      match.Price,
		Quantity:   match.Quantity,
		TotalPrice: match.TotalPrice,
	})
}

// ReportPayment completes an accepted order once the buyer has paid.
func (s *Server) ReportPayment(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]
	var req reportPaymentReq
	if err := decodeReq(r, &req); err != nil || req.SellerID == 0 {
		RespondWithError(w, http.StatusBadRequest, "Invalid request data sent")
		return
	}

	if err := s.co.ReportPayment(r.Context(), orderID, req.SellerID); err != nil {
		respondWithEscrowError(w, err)
		return
	}
	RespondWithOk(w, "Order completed")
}

// TopSellers lists the sellers with the best exchange rates.
func (s *Server) TopSellers(w http.ResponseWriter, r *http.Request) {
	top, err := s.ranking.TopSellers(r.Context(), s.topLength)
	if err != nil {
		log.Errorf("Failed to fetch top sellers: %v", err)
		RespondWithError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	resp := make([]sellerResp, 0, len(top))
	for _, u := range top {
		resp = append(resp, sellerResp{
			Name:         u.FormattedName(),
			ExchangeRate: u.ExchangeRate,
		})
	}
	RespondWithData(w, resp)
}
