// Package payme implements the Paycom merchant JSON-RPC protocol.
//
// Every response goes out with HTTP 200; failures live inside the JSON-RPC
// error envelope with the provider's fixed numeric codes and trilingual
// messages. Order-not-found and account-locked share code -31050 and differ
// only in message, which is how the provider defines them.
package payme

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kanalpay/kanalpay/internal/logging"
	"github.com/kanalpay/kanalpay/internal/metrics"
	"github.com/kanalpay/kanalpay/internal/order"
	"github.com/kanalpay/kanalpay/internal/payment"
)

// JSON-RPC error codes fixed by the merchant API.
const (
	codeUnauthorized   = -32504
	codeInvalidParams  = -32602
	codeMethodNotFound = -32601
	codeInternal       = -32603
	codeOrderNotFound  = -31050
	codeAccountLocked  = -31050
	codeAmountMismatch = -31001
	codeTxNotFound     = -31003
)

// basicUser is the fixed username of the provider's Basic credentials.
const basicUser = "Paycom"

// Handler serves the JSON-RPC endpoint and the checkout helpers.
type Handler struct {
	svc        *payment.Service
	key        string
	merchantID string
	returnURL  string
}

// NewHandler creates the Payme adapter. key is the merchant API password.
func NewHandler(svc *payment.Service, key, merchantID, returnURL string) *Handler {
	return &Handler{svc: svc, key: key, merchantID: merchantID, returnURL: returnURL}
}

// Register mounts the adapter's routes on the given group.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.POST("/", h.RPC)
	g.GET("/api/new-order", h.NewOrder)
	g.GET("/api/checkout-url", h.CheckoutURL)
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int        `json:"code"`
	Message rpcMessage `json:"message"`
}

type rpcMessage struct {
	UZ string `json:"uz"`
	RU string `json:"ru"`
	EN string `json:"en"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

func respond(c *gin.Context, id json.RawMessage, result interface{}) {
	if id == nil {
		id = json.RawMessage("null")
	}
	c.JSON(http.StatusOK, rpcResponse{JSONRPC: "2.0", Result: result, ID: id})
}

func respondError(c *gin.Context, id json.RawMessage, code int, text payment.Text) {
	if id == nil {
		id = json.RawMessage("null")
	}
	c.JSON(http.StatusOK, rpcResponse{
		JSONRPC: "2.0",
		Error:   &rpcError{Code: code, Message: rpcMessage{UZ: text.UZ, RU: text.RU, EN: text.EN}},
		ID:      id,
	})
}

// respondKind maps a state machine error to the provider's fixed code.
func respondKind(c *gin.Context, id json.RawMessage, err error) {
	perr := payment.AsError(err)
	var code int
	switch perr.Kind {
	case payment.KindOrderNotFound:
		code = codeOrderNotFound
	case payment.KindAmountMismatch:
		code = codeAmountMismatch
	case payment.KindAccountLocked:
		code = codeAccountLocked
	case payment.KindTransactionNotFound:
		code = codeTxNotFound
	default:
		code = codeInternal
	}
	respondError(c, id, code, perr.Text)
}

// authorized checks X-Auth or Basic Paycom:<key>.
func (h *Handler) authorized(c *gin.Context) bool {
	if xauth := c.GetHeader("X-Auth"); xauth != "" {
		if subtle.ConstantTimeCompare([]byte(xauth), []byte(h.key)) == 1 {
			return true
		}
	}
	hdr := c.GetHeader("Authorization")
	if !strings.HasPrefix(hdr, "Basic ") {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(hdr, "Basic "))
	if err != nil {
		return false
	}
	user, key, ok := strings.Cut(string(decoded), ":")
	if !ok || user != basicUser {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(h.key)) == 1
}

// RPC is the JSON-RPC root. The provider retries on anything that is not a
// well-formed envelope, so even unreadable bodies get a 200 with an error.
func (h *Handler) RPC(c *gin.Context) {
	var req rpcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, nil, codeInvalidParams, payment.Err(payment.KindInvalidParams).Text)
		return
	}

	if !h.authorized(c) {
		metrics.ObserveGateway("payme", req.Method, payment.Err(payment.KindUnauthorized))
		respondError(c, req.ID, codeUnauthorized, payment.Err(payment.KindUnauthorized).Text)
		return
	}

	ctx := c.Request.Context()
	var err error
	switch req.Method {
	case "CheckPerformTransaction":
		err = h.checkPerform(c, req)
	case "CreateTransaction":
		err = h.create(c, req)
	case "PerformTransaction":
		err = h.perform(c, req)
	case "CancelTransaction":
		err = h.cancel(c, req)
	case "CheckTransaction":
		err = h.check(c, req)
	case "GetStatement":
		err = h.statement(c, req)
	default:
		err = payment.Err(payment.KindMethodNotFound)
		respondError(c, req.ID, codeMethodNotFound, payment.Err(payment.KindMethodNotFound).Text)
	}
	metrics.ObserveGateway("payme", req.Method, err)
	if err != nil {
		logging.L(ctx).Info("payme rpc rejected", "method", req.Method, "error", err)
	}
}

type accountParams struct {
	OrderID string `json:"order_id"`
}

func (h *Handler) checkPerform(c *gin.Context, req rpcRequest) error {
	var p struct {
		Amount  int64         `json:"amount"`
		Account accountParams `json:"account"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Account.OrderID == "" {
		respondError(c, req.ID, codeInvalidParams, payment.Err(payment.KindInvalidParams).Text)
		return payment.Err(payment.KindInvalidParams)
	}

	if err := h.svc.CheckAllowed(c.Request.Context(), p.Account.OrderID, p.Amount); err != nil {
		respondKind(c, req.ID, err)
		return err
	}
	respond(c, req.ID, gin.H{"allow": true})
	return nil
}

func (h *Handler) create(c *gin.Context, req rpcRequest) error {
	var p struct {
		ID      string        `json:"id"`
		Time    int64         `json:"time"`
		Amount  int64         `json:"amount"`
		Account accountParams `json:"account"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" || p.Account.OrderID == "" {
		respondError(c, req.ID, codeInvalidParams, payment.Err(payment.KindInvalidParams).Text)
		return payment.Err(payment.KindInvalidParams)
	}

	res, err := h.svc.Prepare(c.Request.Context(), order.ProviderPayme, p.Account.OrderID, p.Amount, p.ID, p.Time)
	if err != nil {
		respondKind(c, req.ID, err)
		return err
	}
	respond(c, req.ID, gin.H{
		"transaction": res.TransactionID,
		"state":       int(res.State),
		"create_time": res.CreateTime,
	})
	return nil
}

func (h *Handler) perform(c *gin.Context, req rpcRequest) error {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" {
		respondError(c, req.ID, codeInvalidParams, payment.Err(payment.KindInvalidParams).Text)
		return payment.Err(payment.KindInvalidParams)
	}

	res, err := h.svc.Perform(c.Request.Context(), p.ID, h.svc.Now())
	if err != nil {
		respondKind(c, req.ID, err)
		return err
	}
	respond(c, req.ID, gin.H{
		"transaction":  res.TransactionID,
		"state":        int(res.State),
		"perform_time": res.PerformTime,
	})
	return nil
}

func (h *Handler) cancel(c *gin.Context, req rpcRequest) error {
	var p struct {
		ID     string `json:"id"`
		Reason *int64 `json:"reason"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" {
		respondError(c, req.ID, codeInvalidParams, payment.Err(payment.KindInvalidParams).Text)
		return payment.Err(payment.KindInvalidParams)
	}

	res, err := h.svc.Cancel(c.Request.Context(), p.ID, p.Reason, h.svc.Now())
	if err != nil {
		respondKind(c, req.ID, err)
		return err
	}
	respond(c, req.ID, gin.H{
		"transaction": res.TransactionID,
		"state":       int(res.State),
		"cancel_time": res.CancelTime,
	})
	return nil
}

func (h *Handler) check(c *gin.Context, req rpcRequest) error {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" {
		respondError(c, req.ID, codeInvalidParams, payment.Err(payment.KindInvalidParams).Text)
		return payment.Err(payment.KindInvalidParams)
	}

	res, err := h.svc.Check(c.Request.Context(), p.ID)
	if err != nil {
		respondKind(c, req.ID, err)
		return err
	}
	respond(c, req.ID, gin.H{
		"transaction":  res.TransactionID,
		"state":        int(res.State),
		"create_time":  res.CreateTime,
		"perform_time": res.PerformTime,
		"cancel_time":  res.CancelTime,
		"reason":       res.Reason,
	})
	return nil
}

func (h *Handler) statement(c *gin.Context, req rpcRequest) error {
	var p struct {
		From int64 `json:"from"`
		To   int64 `json:"to"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		respondError(c, req.ID, codeInvalidParams, payment.Err(payment.KindInvalidParams).Text)
		return payment.Err(payment.KindInvalidParams)
	}

	entries, err := h.svc.Statement(c.Request.Context(), p.From, p.To)
	if err != nil {
		respondKind(c, req.ID, err)
		return err
	}

	transactions := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		transactions = append(transactions, gin.H{
			"id":           e.TransactionID,
			"time":         e.CreateTime,
			"amount":       e.Amount,
			"account":      gin.H{"order_id": e.OrderID},
			"create_time":  e.CreateTime,
			"perform_time": e.PerformTime,
			"cancel_time":  e.CancelTime,
			"transaction":  e.TransactionID,
			"state":        int(e.State),
			"reason":       e.Reason,
		})
	}
	respond(c, req.ID, gin.H{"transactions": transactions})
	return nil
}
