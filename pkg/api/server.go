package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/instantswap/pkg/core"
	"github.com/uhyunpark/instantswap/pkg/crypto"
	"github.com/uhyunpark/instantswap/pkg/document"
	"github.com/uhyunpark/instantswap/pkg/settlement"
	"github.com/uhyunpark/instantswap/pkg/storage"
	"github.com/uhyunpark/instantswap/pkg/token"
)

// Error codes for failures outside the settlement taxonomy
const (
	CodeMalformedRequest = "MalformedRequest"
	CodeUnauthenticated  = "Unauthenticated"
	CodeNotFound         = "NotFound"
	CodeNotSupported     = "NotSupported"
)

// ReceiptLister lists the receipts of a maker
type ReceiptLister interface {
	LoadReceipts(maker common.Address) ([]*core.Receipt, error)
}

// ConsumedLister lists the consumed nonces of a maker
type ConsumedLister interface {
	ConsumedBy(maker common.Address) ([]*storage.ConsumedRecord, error)
}

// Server handles REST API and WebSocket connections
type Server struct {
	engine *settlement.Engine
	router *mux.Router
	hub    *Hub // WebSocket hub

	Logger        *zap.SugaredLogger
	SettleTimeout time.Duration
	CORSOrigins   []string
	Receipts      ReceiptLister  // optional
	Consumed      ConsumedLister // optional
	Faucet        *token.Bank    // optional, enables /dev routes
}

// NewServer creates a new API server
func NewServer(engine *settlement.Engine) *Server {
	logger := zap.NewNop().Sugar()
	s := &Server{
		engine:        engine,
		router:        mux.NewRouter(),
		hub:           NewHub(logger),
		Logger:        logger,
		SettleTimeout: 60 * time.Second,
		CORSOrigins:   []string{"*"},
	}

	s.setupRoutes()
	return s
}

// SetLogger replaces the logger of the server and its WebSocket hub
func (s *Server) SetLogger(logger *zap.SugaredLogger) {
	s.Logger = logger
	s.hub.logger = logger
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Settlement
	api.HandleFunc("/settle", s.handleSettle).Methods("POST")

	// Order endpoints
	api.HandleFunc("/orders/digest", s.handleDigest).Methods("POST")
	api.HandleFunc("/orders/{maker}/{nonce}", s.handleGetOrder).Methods("GET")

	// Maker endpoints
	api.HandleFunc("/makers/{maker}/consumed", s.handleGetConsumed).Methods("GET")
	api.HandleFunc("/makers/{maker}/receipts", s.handleGetReceipts).Methods("GET")

	// Venue endpoints
	api.HandleFunc("/domain", s.handleGetDomain).Methods("GET")
	api.HandleFunc("/tokens/{token}/balances/{account}", s.handleGetFunds).Methods("GET")

	// Local development
	api.HandleFunc("/dev/mint", s.handleMint).Methods("POST")
	api.HandleFunc("/dev/approve", s.handleApprove).Methods("POST")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Start serves until ctx is cancelled
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Infow("api_server_starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, CodeMalformedRequest, err.Error())
		return
	}

	order, signature, err := req.Decode()
	if err != nil {
		respondError(w, http.StatusBadRequest, CodeMalformedRequest, err.Error())
		return
	}

	caller, err := s.authenticateTaker(order, req.Taker, req.TakerSignature)
	if err != nil {
		respondError(w, http.StatusUnauthorized, CodeUnauthenticated, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.SettleTimeout)
	defer cancel()

	receipt, err := s.engine.Settle(ctx, order, signature, caller)
	if err != nil {
		code := settlement.Code(err)
		respondError(w, statusForCode(code), code, err.Error())
		return
	}

	respondJSON(w, newReceiptInfo(receipt))
}

// authenticateTaker checks that taker signed the Accept message for this order
func (s *Server) authenticateTaker(order *core.SwapOrder, taker, takerSignature string) (common.Address, error) {
	if !common.IsHexAddress(taker) {
		return common.Address{}, fmt.Errorf("invalid taker address %q", taker)
	}
	caller := common.HexToAddress(taker)

	sig, err := document.DecodeSignature(takerSignature)
	if err != nil {
		return common.Address{}, fmt.Errorf("taker signature: %w", err)
	}

	codec := s.engine.Codec()
	digest, err := codec.Digest(order)
	if err != nil {
		// unhashable orders are rejected by the engine as InvalidOrder
		return caller, nil
	}
	if !crypto.VerifySignature(caller, codec.AcceptDigest(digest, caller).Bytes(), sig) {
		return common.Address{}, fmt.Errorf("taker signature does not match %s", caller.Hex())
	}
	return caller, nil
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	var req DigestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Order == nil {
		respondError(w, http.StatusBadRequest, CodeMalformedRequest, "body must be {\"order\": {...}}")
		return
	}

	order, err := req.Order.ToSwapOrder()
	if err != nil {
		respondError(w, http.StatusBadRequest, CodeMalformedRequest, err.Error())
		return
	}

	codec := s.engine.Codec()
	typed, err := codec.TypedDataJSON(order)
	if err != nil {
		respondError(w, http.StatusBadRequest, settlement.CodeInvalidOrder, err.Error())
		return
	}
	encoded, err := codec.Encode(order)
	if err != nil {
		respondError(w, http.StatusBadRequest, settlement.CodeInvalidOrder, err.Error())
		return
	}
	digest, _ := codec.Digest(order)

	respondJSON(w, DigestResponse{
		Digest:          digest.Hex(),
		DomainSeparator: codec.DomainSeparator().Hex(),
		Encoded:         hexutil.Encode(encoded),
		TypedData:       typed,
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	maker, ok := parseAddress(w, "maker", vars["maker"])
	if !ok {
		return
	}
	nonce, ok := new(big.Int).SetString(vars["nonce"], 10)
	if !ok || nonce.Sign() < 0 || nonce.BitLen() > 256 {
		respondError(w, http.StatusBadRequest, CodeMalformedRequest, "nonce must be a uint256 decimal")
		return
	}
	key := core.NewOrderKey(maker, nonce)

	status, err := s.engine.Status(key)
	if err != nil {
		respondError(w, http.StatusInternalServerError, settlement.CodeInternal, err.Error())
		return
	}
	resp := OrderStatus{
		Maker:  maker.Hex(),
		Nonce:  nonce.String(),
		Status: string(status),
	}

	receipt, err := s.engine.Receipt(key)
	if err != nil {
		respondError(w, http.StatusInternalServerError, settlement.CodeInternal, err.Error())
		return
	}
	if receipt != nil {
		resp.Receipt = newReceiptInfo(receipt)
	}

	respondJSON(w, resp)
}

func (s *Server) handleGetConsumed(w http.ResponseWriter, r *http.Request) {
	if s.Consumed == nil {
		respondError(w, http.StatusNotImplemented, CodeNotSupported, "ledger backend cannot list nonces")
		return
	}
	maker, ok := parseAddress(w, "maker", mux.Vars(r)["maker"])
	if !ok {
		return
	}

	records, err := s.Consumed.ConsumedBy(maker)
	if err != nil {
		respondError(w, http.StatusInternalServerError, settlement.CodeInternal, err.Error())
		return
	}
	out := make([]ConsumedInfo, len(records))
	for i, rec := range records {
		out[i] = newConsumedInfo(rec)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetReceipts(w http.ResponseWriter, r *http.Request) {
	if s.Receipts == nil {
		respondError(w, http.StatusNotImplemented, CodeNotSupported, "receipts are not stored")
		return
	}
	maker, ok := parseAddress(w, "maker", mux.Vars(r)["maker"])
	if !ok {
		return
	}

	receipts, err := s.Receipts.LoadReceipts(maker)
	if err != nil {
		respondError(w, http.StatusInternalServerError, settlement.CodeInternal, err.Error())
		return
	}
	out := make([]*ReceiptInfo, len(receipts))
	for i, rc := range receipts {
		out[i] = newReceiptInfo(rc)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetDomain(w http.ResponseWriter, r *http.Request) {
	codec := s.engine.Codec()
	d := codec.Domain()
	respondJSON(w, DomainInfo{
		Name:              d.Name,
		Version:           d.Version,
		ChainID:           d.ChainID.String(),
		VerifyingContract: d.VerifyingContract.Hex(),
		Separator:         codec.DomainSeparator().Hex(),
	})
}

func (s *Server) handleGetFunds(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tokenAddr, ok := parseAddress(w, "token", vars["token"])
	if !ok {
		return
	}
	account, ok := parseAddress(w, "account", vars["account"])
	if !ok {
		return
	}

	balance, allowance, err := s.engine.Funds(r.Context(), tokenAddr, account)
	if errors.Is(err, token.ErrUnknownToken) {
		respondError(w, http.StatusNotFound, CodeNotFound, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusBadGateway, settlement.CodeInternal, err.Error())
		return
	}

	respondJSON(w, FundsInfo{
		Token:     tokenAddr.Hex(),
		Account:   account.Hex(),
		Spender:   s.engine.Venue().Hex(),
		Balance:   balance.String(),
		Allowance: allowance.String(),
	})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	if s.Faucet == nil {
		respondError(w, http.StatusNotFound, CodeNotFound, "dev faucet disabled")
		return
	}
	var req MintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, CodeMalformedRequest, err.Error())
		return
	}
	tokenAddr, ok := parseAddress(w, "token", req.Token)
	if !ok {
		return
	}
	account, ok := parseAddress(w, "account", req.Account)
	if !ok {
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		respondError(w, http.StatusBadRequest, CodeMalformedRequest, "amount must be a decimal string")
		return
	}

	if err := s.Faucet.Mint(tokenAddr, account, amount); err != nil {
		respondError(w, http.StatusBadRequest, CodeMalformedRequest, err.Error())
		return
	}
	s.Logger.Infow("dev_mint", "token", tokenAddr.Hex(), "account", account.Hex(), "amount", amount.String())
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if s.Faucet == nil {
		respondError(w, http.StatusNotFound, CodeNotFound, "dev faucet disabled")
		return
	}
	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, CodeMalformedRequest, err.Error())
		return
	}
	tokenAddr, ok := parseAddress(w, "token", req.Token)
	if !ok {
		return
	}
	owner, ok := parseAddress(w, "owner", req.Owner)
	if !ok {
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		respondError(w, http.StatusBadRequest, CodeMalformedRequest, "amount must be a decimal string")
		return
	}

	if err := s.Faucet.Approve(tokenAddr, owner, s.engine.Venue(), amount); err != nil {
		respondError(w, http.StatusBadRequest, CodeMalformedRequest, err.Error())
		return
	}
	s.Logger.Infow("dev_approve", "token", tokenAddr.Hex(), "owner", owner.Hex(), "amount", amount.String())
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Broadcast Methods (called from the settlement engine)
// ==============================

// BroadcastReceipt pushes a settlement to the "settlements" channel and to the
// maker and taker channels of the parties involved
func (s *Server) BroadcastReceipt(r *core.Receipt) {
	update := SettlementUpdate{
		Type:    "settlement",
		Receipt: newReceiptInfo(r),
	}
	s.hub.BroadcastToChannel("settlements", update)
	s.hub.BroadcastToChannel("maker:"+r.Maker.Hex(), update)
	s.hub.BroadcastToChannel("taker:"+r.Taker.Hex(), update)
}

// ==============================
// Helper Functions
// ==============================

// statusForCode maps taxonomy codes to HTTP statuses
func statusForCode(code string) int {
	switch code {
	case settlement.CodeInvalidOrder, settlement.CodeInvalidSignature:
		return http.StatusBadRequest
	case settlement.CodeExpired:
		return http.StatusGone
	case settlement.CodeUnauthorized:
		return http.StatusForbidden
	case settlement.CodeAlreadyConsumed:
		return http.StatusConflict
	case settlement.CodeInsufficientFunds:
		return http.StatusUnprocessableEntity
	case settlement.CodePartialTransferFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func parseAddress(w http.ResponseWriter, field, s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		respondError(w, http.StatusBadRequest, CodeMalformedRequest, fmt.Sprintf("invalid %s address %q", field, s))
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   code,
		Message: message,
	})
}

// channelName canonicalizes "maker:<addr>" and "taker:<addr>" to checksummed addresses
func channelName(ch string) string {
	prefix, addr, found := strings.Cut(ch, ":")
	if !found || !common.IsHexAddress(addr) {
		return ch
	}
	return prefix + ":" + common.HexToAddress(addr).Hex()
}
