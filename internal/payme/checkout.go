package payme

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kanalpay/kanalpay/internal/payment"
	"github.com/kanalpay/kanalpay/internal/validation"
)

const checkoutBase = "https://checkout.paycom.uz/"

// NewOrder creates an empty order ahead of checkout. The amount is set later
// by the checkout-url call; recipient and delivery target come from query
// parameters when the order is created outside the bot flow.
func (h *Handler) NewOrder(c *gin.Context) {
	recipient := c.Query("chat_id")
	payload := c.Query("deliver_url")

	o, err := h.svc.CreateOrder(c.Request.Context(), 0, recipient, payload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "order creation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": o.OrderID})
}

// CheckoutURL prices the order and builds the hosted checkout link. Amount is
// in tiyin and must be a positive integer.
func (h *Handler) CheckoutURL(c *gin.Context) {
	orderID := c.Query("order_id")
	amount, err := strconv.ParseInt(c.Query("amount"), 10, 64)
	if !validation.IsValidOrderID(orderID) || err != nil || amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order_id va amount (tiyin, integer) shart"})
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

	url := h.buildCheckoutURL(orderID, amount)
	if c.Query("redirect") == "1" {
		c.Redirect(http.StatusFound, url)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

// buildCheckoutURL encodes the checkout parameters the way the hosted page
// expects: semicolon-separated pairs, base64 in the path.
func (h *Handler) buildCheckoutURL(orderID string, amount int64) string {
	pairs := []string{
		"m=" + h.merchantID,
		"ac.order_id=" + orderID,
		fmt.Sprintf("a=%d", amount),
		"l=uz",
	}
	if h.returnURL != "" {
		pairs = append(pairs, "c="+h.returnURL)
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(strings.Join(pairs, ";")))
	return checkoutBase + encoded
}
