// Package api exposes the vault router over JSON-RPC 2.0.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/luxfi/log"

	"github.com/luxfi/ppv/pkg/fixedpoint"
	"github.com/luxfi/ppv/pkg/router"
	"github.com/luxfi/ppv/pkg/vault"
)

// JSONRPCServer handles JSON-RPC 2.0 requests
type JSONRPCServer struct {
	router *router.Router
	logger log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server
func NewJSONRPCServer(r *router.Router, logger log.Logger) *JSONRPCServer {
	if logger == nil {
		logger = log.Root().New("module", "api")
	}
	return &JSONRPCServer{
		router: r,
		logger: logger,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Vault error codes, in the server-defined range.
const (
	ZeroAmount         = -32001
	CapExceeded        = -32002
	InsufficientShares = -32003
	SlippageExceeded   = -32004
	ExternalCallFailed = -32005
	VaultPaused        = -32006
	UnknownVault       = -32007
	UnsupportedToken   = -32008
	NotInitialized     = -32009
	Overflow           = -32010
)

var codes = []struct {
	err  error
	code int
}{
	{vault.ErrZeroAmount, ZeroAmount},
	{vault.ErrCapExceeded, CapExceeded},
	{vault.ErrInsufficientShares, InsufficientShares},
	{vault.ErrSlippageExceeded, SlippageExceeded},
	{vault.ErrExternalCallFailed, ExternalCallFailed},
	{vault.ErrPaused, VaultPaused},
	{router.ErrUnknownVault, UnknownVault},
	{router.ErrUnsupportedToken, UnsupportedToken},
	{vault.ErrNotInitialized, NotInitialized},
	{vault.ErrArithmeticOverflow, Overflow},
}

// toRPCError maps a vault or router error to its code. The message keeps the
// full error chain.
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return &RPCError{Code: c.code, Message: err.Error()}
		}
	}
	return &RPCError{Code: InternalError, Message: err.Error()}
}

const maxBodyBytes = 1 << 20

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.sendError(w, nil, &RPCError{Code: ParseError, Message: "Parse error"})
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, &RPCError{Code: InvalidRequest, Message: "Invalid Request"})
		return
	}

	result, err := s.handleMethod(r.Context(), req.Method, req.Params)
	if err != nil {
		rpcErr := toRPCError(err)
		s.logger.Debug("JSON-RPC call failed", "method", req.Method, "code", rpcErr.Code, "error", rpcErr.Message)
		s.sendError(w, req.ID, rpcErr)
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) handleMethod(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Vault calls
	case "vault_deposit":
		return s.deposit(ctx, params)
	case "vault_withdraw":
		return s.withdraw(ctx, params)
	case "vault_compound":
		return s.compound(ctx, params)

	// Views
	case "vault_previewDeposit":
		return s.previewDeposit(ctx, params)
	case "vault_nav":
		return s.nav(ctx, params)
	case "vault_balanceOf":
		return s.balanceOf(params)
	case "router_vaults":
		return s.vaults()

	case "ppv_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

func invalidParams(format string, args ...interface{}) *RPCError {
	return &RPCError{Code: InvalidParams, Message: fmt.Sprintf(format, args...)}
}

func decode(params json.RawMessage, v interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return invalidParams("Invalid params")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams("Invalid params: %v", err)
	}
	return nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, invalidParams("%s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(field, s string) (*uint256.Int, error) {
	x, err := fixedpoint.ParseAmount(s)
	if err != nil {
		return nil, invalidParams("%s: %v", field, err)
	}
	return x, nil
}

func (s *JSONRPCServer) entry(id string) (*router.Entry, error) {
	return s.router.Registry().Lookup(id)
}

// Deposit
func (s *JSONRPCServer) deposit(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Vault     string `json:"vault"`
		Depositor string `json:"depositor"`
		Token     string `json:"token"`
		Amount    string `json:"amount"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	depositor, err := parseAddress("depositor", p.Depositor)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", p.Amount)
	if err != nil {
		return nil, err
	}
	var token common.Address
	if p.Token == "" {
		e, err := s.entry(p.Vault)
		if err != nil {
			return nil, err
		}
		token = e.Vault.Config().Underlying
	} else if token, err = parseAddress("token", p.Token); err != nil {
		return nil, err
	}

	receipt, err := s.router.RouteDeposit(ctx, p.Vault, depositor, token, amount)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"vault":       p.Vault,
		"token":       receipt.Token,
		"amount":      receipt.Amount.Dec(),
		"underlying":  receipt.Underlying.Dec(),
		"principal":   receipt.Principal.Dec(),
		"shares":      receipt.Shares.Dec(),
		"totalShares": receipt.TotalShares.Dec(),
		"position":    receipt.Position.String(),
	}, nil
}

// Withdraw
func (s *JSONRPCServer) withdraw(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Vault     string `json:"vault"`
		Depositor string `json:"depositor"`
		Shares    string `json:"shares"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	depositor, err := parseAddress("depositor", p.Depositor)
	if err != nil {
		return nil, err
	}
	shares, err := parseAmount("shares", p.Shares)
	if err != nil {
		return nil, err
	}

	receipt, err := s.router.RouteWithdraw(ctx, p.Vault, depositor, shares)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"vault":       p.Vault,
		"shares":      receipt.Shares.Dec(),
		"owed":        receipt.Owed.Dec(),
		"amount":      receipt.Amount.Dec(),
		"realized":    receipt.Realized.String(),
		"totalShares": receipt.TotalShares.Dec(),
		"position":    receipt.Position.String(),
	}, nil
}

// Compound
func (s *JSONRPCServer) compound(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Vault string `json:"vault"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	report, err := s.router.RouteCompound(ctx, p.Vault)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"vault":       p.Vault,
		"skipped":     report.Skipped,
		"rewards":     report.Rewards.Dec(),
		"reinvested":  report.Reinvested.Dec(),
		"feeShares":   report.FeeShares.Dec(),
		"priceBefore": fixedpoint.FormatWad(report.PriceBefore),
		"priceAfter":  fixedpoint.FormatWad(report.PriceAfter),
	}, nil
}

// Preview deposit
func (s *JSONRPCServer) previewDeposit(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Vault  string `json:"vault"`
		Amount string `json:"amount"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", p.Amount)
	if err != nil {
		return nil, err
	}
	shares, err := s.router.PreviewDeposit(ctx, p.Vault, amount)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"vault":  p.Vault,
		"shares": shares.Dec(),
	}, nil
}

// NAVResult is the JSON view of a vault valuation.
type NAVResult struct {
	Vault         string `json:"vault"`
	TotalAssets   string `json:"totalAssets"`
	TotalShares   string `json:"totalShares"`
	PricePerShare string `json:"pricePerShare"`
	Idle          string `json:"idle"`
	LPValue       string `json:"lpValue"`
	PnL           string `json:"pnl"`
	Deficit       string `json:"deficit"`
	Mark          string `json:"mark"`
	Timestamp     int64  `json:"timestamp"`
}

// NewNAVResult renders nav. WAD quantities become decimals.
func NewNAVResult(symbol string, nav vault.NAV) NAVResult {
	return NAVResult{
		Vault:         symbol,
		TotalAssets:   nav.TotalAssets.Dec(),
		TotalShares:   nav.TotalShares.Dec(),
		PricePerShare: fixedpoint.FormatWad(nav.PricePerShare),
		Idle:          nav.Idle.Dec(),
		LPValue:       nav.LPValue.Dec(),
		PnL:           nav.PnL.String(),
		Deficit:       fixedpoint.Clone(nav.Deficit).Dec(),
		Mark:          fixedpoint.FormatWad(nav.Mark),
		Timestamp:     time.Now().Unix(),
	}
}

// NAV
func (s *JSONRPCServer) nav(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Vault string `json:"vault"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return LookupNAV(ctx, s.router, p.Vault)
}

// LookupNAV values the vault registered as id.
func LookupNAV(ctx context.Context, r *router.Router, id string) (NAVResult, error) {
	nav, err := r.NAV(ctx, id)
	if err != nil {
		return NAVResult{}, err
	}
	return NewNAVResult(id, nav), nil
}

// Balance of an account
func (s *JSONRPCServer) balanceOf(params json.RawMessage) (interface{}, error) {
	var p struct {
		Vault   string `json:"vault"`
		Account string `json:"account"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	account, err := parseAddress("account", p.Account)
	if err != nil {
		return nil, err
	}
	e, err := s.entry(p.Vault)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"vault":   p.Vault,
		"account": account,
		"shares":  e.Vault.BalanceOf(account).Dec(),
	}, nil
}

// Registered vaults
func (s *JSONRPCServer) vaults() (interface{}, error) {
	registry := s.router.Registry()
	out := make([]map[string]interface{}, 0, registry.Len())
	for _, id := range registry.IDs() {
		e, err := registry.Lookup(id)
		if err != nil {
			return nil, err
		}
		cfg := e.Vault.Config()
		out = append(out, map[string]interface{}{
			"id":         e.ID,
			"address":    e.Address,
			"name":       cfg.Name,
			"symbol":     cfg.Symbol,
			"underlying": cfg.Underlying,
			"leverage":   fixedpoint.FormatWad(cfg.LeverageRatio),
			"direction":  cfg.Direction(),
			"direct":     cfg.Direct(),
			"depositCap": cfg.DepositCap.Dec(),
			"tokens":     e.Tokens(),
		})
	}
	return out, nil
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, rpcErr *RPCError) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   rpcErr,
		ID:      id,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// StartJSONRPCServer serves the router on addr until ctx is done.
func StartJSONRPCServer(ctx context.Context, addr string, r *router.Router, logger log.Logger) error {
	server := NewJSONRPCServer(r, logger)

	mux := http.NewServeMux()
	mux.Handle("/", server)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	server.logger.Info("JSON-RPC server started", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
