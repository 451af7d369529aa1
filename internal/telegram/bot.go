package telegram

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kanalpay/kanalpay/internal/logging"
	"github.com/kanalpay/kanalpay/internal/payment"
)

// Update is the subset of a Bot API update the bot reacts to.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message is an incoming chat message.
type Message struct {
	Chat Chat   `json:"chat"`
	From *User  `json:"from"`
	Text string `json:"text"`
}

// Chat identifies where to reply.
type Chat struct {
	ID int64 `json:"id"`
}

// User is the message sender.
type User struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

// Bot handles webhook updates: /start creates an order and replies with
// checkout links for both gateways.
type Bot struct {
	client    *Client
	payments  *payment.Service
	baseURL   string
	channelID string
	price     int64 // tiyin
}

// NewBot wires the webhook bot.
func NewBot(client *Client, payments *payment.Service, baseURL, channelID string, priceTiyin int64) *Bot {
	return &Bot{
		client:    client,
		payments:  payments,
		baseURL:   baseURL,
		channelID: channelID,
		price:     priceTiyin,
	}
}

// Webhook is the gin handler for Bot API updates. Always answers 200 so
// Telegram does not re-deliver updates we chose to ignore.
func (b *Bot) Webhook(c *gin.Context) {
	var upd Update
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.Status(http.StatusOK)
		return
	}
	if upd.Message == nil {
		c.Status(http.StatusOK)
		return
	}

	ctx := c.Request.Context()
	chatID := strconv.FormatInt(upd.Message.Chat.ID, 10)

	if upd.Message.Text != "/start" {
		if err := b.client.SendMessage(ctx, chatID, "To‘lov uchun /start ni bosing."); err != nil {
			logging.L(ctx).Warn("bot reply failed", "chat_id", chatID, "error", err)
		}
		c.Status(http.StatusOK)
		return
	}

	o, err := b.payments.CreateOrder(ctx, b.price, chatID, b.channelID)
	if err != nil {
		logging.L(ctx).Error("bot order creation failed", "chat_id", chatID, "error", err)
		c.Status(http.StatusOK)
		return
	}

	paymeURL := fmt.Sprintf("%s/payme/api/checkout-url?order_id=%s&amount=%d&redirect=1", b.baseURL, o.OrderID, o.Amount)
	clickURL := fmt.Sprintf("%s/click/api/click-url?order_id=%s&amount=%d&redirect=1", b.baseURL, o.OrderID, o.Amount)

	text := fmt.Sprintf(
		"👋 Salom, <b>%s</b>!\n\n"+
			"Siz <b>shaxsiy rivojlanish</b> yo‘lida to‘g‘ri yo‘ldasiz. Faqat bitta qadam qoldi — to‘lovni tasdiqlang.\n\n"+
			"🧾 <b>Buyurtma:</b> #%s\n"+
			"💰 <b>Summa:</b> %s so‘m\n\n"+
			"Quyidan to‘lov usulini tanlang:",
		displayName(upd.Message.From), o.OrderID, formatSoum(o.Amount),
	)

	keyboard := [][]InlineButton{{
		{Text: "💳 Payme", URL: paymeURL},
		{Text: "💠 Click", URL: clickURL},
	}}
	if err := b.client.SendHTML(ctx, chatID, text, keyboard); err != nil {
		logging.L(ctx).Error("bot checkout reply failed",
			"chat_id", chatID, "order_id", o.OrderID, "error", err)
	}
	c.Status(http.StatusOK)
}

func displayName(u *User) string {
	if u == nil {
		return "foydalanuvchi"
	}
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	case u.Username != "":
		return "@" + u.Username
	default:
		return "foydalanuvchi"
	}
}

// formatSoum renders a tiyin amount as soum with two decimals and thousands
// separated by spaces, matching the bot's original message format.
func formatSoum(tiyin int64) string {
	soum := tiyin / 100
	frac := tiyin % 100
	if frac < 0 {
		frac = -frac
	}

	digits := strconv.FormatInt(soum, 10)
	neg := false
	if digits[0] == '-' {
		neg = true
		digits = digits[1:]
	}

	var grouped []byte
	for i, d := range []byte(digits) {
		if i > 0 && (len(digits)-i)%3 == 0 {
			grouped = append(grouped, ' ')
		}
		grouped = append(grouped, d)
	}
	out := string(grouped)
	if neg {
		out = "-" + out
	}
	return fmt.Sprintf("%s,%02d", out, frac)
}
