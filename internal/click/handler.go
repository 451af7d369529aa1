// Package click implements the Click merchant callback protocol.
//
// Click drives two form-encoded callbacks against the same endpoint:
// prepare (action=0) and complete (action=1). Responses are always HTTP 200
// JSON; failures are negative codes in the "error" field. Amounts arrive as
// decimal soum strings while orders store tiyin; the conversion is exact,
// never rounded.
package click

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kanalpay/kanalpay/internal/logging"
	"github.com/kanalpay/kanalpay/internal/metrics"
	"github.com/kanalpay/kanalpay/internal/order"
	"github.com/kanalpay/kanalpay/internal/payment"
	"github.com/kanalpay/kanalpay/internal/validation"
)

// Response codes fixed by the merchant API.
const (
	codeSuccess       = 0
	codeSignError     = -1
	codeBadAmount     = -2
	codeUnknownAction = -3
	codeAlreadyPaid   = -4
	codeOrderNotFound = -5
	codeTxNotFound    = -6
	codeUpdateFailed  = -7
	codeCanceled      = -9
)

const payBase = "https://my.click.uz/services/pay"

// Handler serves the callback endpoint and the redirect helper.
type Handler struct {
	svc            *payment.Service
	secret         string
	serviceID      string
	merchantID     string
	merchantUserID string
	returnURL      string
}

// NewHandler creates the Click adapter.
func NewHandler(svc *payment.Service, secret, serviceID, merchantID, merchantUserID, returnURL string) *Handler {
	return &Handler{
		svc:            svc,
		secret:         secret,
		serviceID:      serviceID,
		merchantID:     merchantID,
		merchantUserID: merchantUserID,
		returnURL:      returnURL,
	}
}

// Register mounts the adapter's routes on the given group.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.POST("/callback", h.Callback)
	g.GET("/api/click-url", h.PayURL)
}

func fail(c *gin.Context, code int, note string) {
	c.JSON(http.StatusOK, gin.H{"error": code, "error_note": note})
}

// kindCode maps a state machine error to the callback's numeric vocabulary.
func kindCode(err error) (int, string) {
	switch payment.AsError(err).Kind {
	case payment.KindOrderNotFound:
		return codeOrderNotFound, "Order not found"
	case payment.KindAmountMismatch:
		return codeBadAmount, "Incorrect amount"
	case payment.KindAccountLocked:
		return codeAlreadyPaid, "Already paid"
	case payment.KindTransactionNotFound:
		return codeTxNotFound, "Transaction does not exist"
	default:
		return codeUpdateFailed, "Failed to update order"
	}
}

// Callback handles both prepare and complete.
func (h *Handler) Callback(c *gin.Context) {
	required := []string{"click_trans_id", "service_id", "merchant_trans_id", "amount", "action", "sign_time", "sign_string"}
	for _, k := range required {
		if _, ok := c.GetPostForm(k); !ok {
			fail(c, codeSignError, "Missing field: "+k)
			return
		}
	}

	clickTransID := c.PostForm("click_trans_id")
	serviceID := c.PostForm("service_id")
	orderID := c.PostForm("merchant_trans_id")
	amountStr := c.PostForm("amount")
	action := c.PostForm("action")
	signTime := c.PostForm("sign_time")
	sign := c.PostForm("sign_string")

	ctx := c.Request.Context()

	switch action {
	case "0":
		err := h.prepare(c, clickTransID, serviceID, orderID, amountStr, action, signTime, sign)
		metrics.ObserveGateway("click", "prepare", err)
		if err != nil {
			logging.L(ctx).Info("click prepare rejected", "order_id", orderID, "error", err)
		}
	case "1":
		err := h.complete(c, clickTransID, serviceID, orderID, amountStr, action, signTime, sign)
		metrics.ObserveGateway("click", "complete", err)
		if err != nil {
			logging.L(ctx).Info("click complete rejected", "order_id", orderID, "error", err)
		}
	default:
		metrics.ObserveGateway("click", "unknown", payment.Err(payment.KindInvalidParams))
		fail(c, codeUnknownAction, "Unknown action")
	}
}

func (h *Handler) prepare(c *gin.Context, clickTransID, serviceID, orderID, amountStr, action, signTime, sign string) error {
	ctx := c.Request.Context()

	if _, err := h.svc.GetOrder(ctx, orderID); err != nil {
		code, note := kindCode(err)
		fail(c, code, note)
		return err
	}

	expected := PrepareSign(clickTransID, serviceID, h.secret, orderID, amountStr, action, signTime)
	if !VerifySign(expected, sign) {
		fail(c, codeSignError, "Invalid sign (prepare)")
		return payment.Err(payment.KindUnauthorized)
	}

	tiyin, err := ParseSoum(amountStr)
	if err != nil {
		fail(c, codeBadAmount, "Incorrect amount")
		return payment.Err(payment.KindAmountMismatch)
	}

	res, err := h.svc.Prepare(ctx, order.ProviderClick, orderID, tiyin, clickTransID, h.svc.Now())
	if err != nil {
		code, note := kindCode(err)
		fail(c, code, note)
		return err
	}

	c.JSON(http.StatusOK, gin.H{
		"click_trans_id":      clickTransID,
		"merchant_trans_id":   orderID,
		"merchant_prepare_id": orderID,
		"error":               codeSuccess,
		"error_note":          "Success",
		"state":               int(res.State),
	})
	return nil
}

func (h *Handler) complete(c *gin.Context, clickTransID, serviceID, orderID, amountStr, action, signTime, sign string) error {
	ctx := c.Request.Context()

	prepareID, ok := c.GetPostForm("merchant_prepare_id")
	if !ok {
		fail(c, codeSignError, "Missing field: merchant_prepare_id")
		return payment.Err(payment.KindInvalidParams)
	}
	if _, ok := c.GetPostForm("error"); !ok {
		fail(c, codeSignError, "Missing field: error")
		return payment.Err(payment.KindInvalidParams)
	}

	expected := CompleteSign(clickTransID, serviceID, h.secret, orderID, prepareID, amountStr, action, signTime)
	if !VerifySign(expected, sign) {
		fail(c, codeSignError, "Invalid sign (complete)")
		return payment.Err(payment.KindUnauthorized)
	}

	downstream, err := strconv.ParseInt(c.PostForm("error"), 10, 64)
	if err != nil {
		fail(c, codeSignError, "Invalid field: error")
		return payment.Err(payment.KindInvalidParams)
	}

	if downstream != 0 {
		// The payment failed on Click's side; void the prepared transaction.
		if _, cerr := h.svc.Cancel(ctx, clickTransID, nil, h.svc.Now()); cerr != nil {
			logging.L(ctx).Warn("click downstream cancel failed",
				"order_id", orderID, "click_trans_id", clickTransID, "error", cerr)
		}
		c.JSON(http.StatusOK, gin.H{
			"click_trans_id":      clickTransID,
			"merchant_trans_id":   orderID,
			"merchant_confirm_id": orderID,
			"error":               codeCanceled,
			"error_note":          "Payment canceled",
		})
		return nil
	}

	res, err := h.svc.Perform(ctx, clickTransID, h.svc.Now())
	if err != nil {
		code, note := kindCode(err)
		fail(c, code, note)
		return err
	}

	c.JSON(http.StatusOK, gin.H{
		"click_trans_id":      clickTransID,
		"merchant_trans_id":   orderID,
		"merchant_confirm_id": orderID,
		"error":               codeSuccess,
		"error_note":          "Success",
		"state":               int(res.State),
	})
	return nil
}

// PayURL prices the order and builds (or redirects to) the hosted pay page.
// The amount query parameter is in tiyin; the pay page takes soum.
func (h *Handler) PayURL(c *gin.Context) {
	orderID := c.Query("order_id")
	amount, err := strconv.ParseInt(c.Query("amount"), 10, 64)
	if !validation.IsValidOrderID(orderID) || err != nil || amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order_id va amount (tiyin) shart"})
		return
	}

	if err := h.svc.Reprice(c.Request.Context(), orderID, amount); err != nil {
		perr := payment.AsError(err)
		status := http.StatusInternalServerError
		switch perr.Kind {
		case payment.KindOrderNotFound:
			status = http.StatusNotFound
		case payment.KindAccountLocked:
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": perr.Text.EN})
		return
	}

	u, _ := url.Parse(payBase)
	q := u.Query()
	q.Set("service_id", h.serviceID)
	q.Set("merchant_id", h.merchantID)
	if h.merchantUserID != "" {
		q.Set("merchant_user_id", h.merchantUserID)
	}
	q.Set("transaction_param", orderID)
	q.Set("amount", FormatSoum(amount))
	if h.returnURL != "" {
		q.Set("return_url", h.returnURL)
	}
	u.RawQuery = q.Encode()

	if c.Query("redirect") == "1" {
		c.Redirect(http.StatusFound, u.String())
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": u.String()})
}

// ParseSoum converts a decimal soum string to tiyin exactly. At most two
// fraction digits are meaningful; anything beyond must be zero.
func ParseSoum(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("click: empty amount")
	}

	neg := false
	if s[0] == '+' || s[0] == '-' {
		neg = s[0] == '-'
		s = s[1:]
	}

	intPart, fracPart, _ := strings.Cut(s, ".")
	if intPart == "" && fracPart == "" {
		return 0, fmt.Errorf("click: malformed amount %q", s)
	}
	if intPart == "" {
		intPart = "0"
	}

	soum, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("click: malformed amount %q", s)
	}

	var frac int64
	for i, r := range fracPart {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("click: malformed amount %q", s)
		}
		d := int64(r - '0')
		if i < 2 {
			frac = frac*10 + d
		} else if d != 0 {
			return 0, fmt.Errorf("click: sub-tiyin precision in amount %q", s)
		}
	}
	if len(fracPart) == 1 {
		frac *= 10
	}

	tiyin := soum*100 + frac
	if neg {
		tiyin = -tiyin
	}
	return tiyin, nil
}

// FormatSoum renders tiyin as a soum string with two decimals.
func FormatSoum(tiyin int64) string {
	sign := ""
	if tiyin < 0 {
		sign = "-"
		tiyin = -tiyin
	}
	return fmt.Sprintf("%s%d.%02d", sign, tiyin/100, tiyin%100)
}
