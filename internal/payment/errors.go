package payment

import "fmt"

// Kind classifies every expected failure of the state machine. Adapters map
// kinds to their provider's wire error codes; the machine itself is
// provider-agnostic.
type Kind int

const (
	KindOrderNotFound Kind = iota + 1
	KindAmountMismatch
	KindAccountLocked
	KindTransactionNotFound
	KindInvalidParams
	KindUnauthorized
	KindMethodNotFound
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindOrderNotFound:
		return "order_not_found"
	case KindAmountMismatch:
		return "amount_mismatch"
	case KindAccountLocked:
		return "account_locked"
	case KindTransactionNotFound:
		return "transaction_not_found"
	case KindInvalidParams:
		return "invalid_params"
	case KindUnauthorized:
		return "unauthorized"
	case KindMethodNotFound:
		return "method_not_found"
	default:
		return "internal"
	}
}

// Text is a human-readable message in the three locales both gateways
// surface to payers.
type Text struct {
	UZ string `json:"uz"`
	RU string `json:"ru"`
	EN string `json:"en"`
}

// Error is a typed state-machine failure.
type Error struct {
	Kind Kind
	Text Text
}

func (e *Error) Error() string {
	return fmt.Sprintf("payment: %s: %s", e.Kind, e.Text.EN)
}

var kindtexts = map[Kind]Text{
	KindOrderNotFound: {
		UZ: "Buyurtma topilmadi",
		RU: "Счёт не найден",
		EN: "Order not found",
	},
	KindAmountMismatch: {
		UZ: "Summalar mos emas",
		RU: "Сумма не совпадает",
		EN: "Amount mismatch",
	},
	KindAccountLocked: {
		UZ: "Hisob bu holatda yangi to'lov qabul qilmaydi",
		RU: "Счёт в этом состоянии не принимает новый платёж",
		EN: "Account cannot accept a new payment in this state",
	},
	KindTransactionNotFound: {
		UZ: "Tranzaksiya topilmadi",
		RU: "Транзакция не найдена",
		EN: "Transaction not found",
	},
	KindInvalidParams: {
		UZ: "Parametrlar noto'g'ri",
		RU: "Неверные параметры",
		EN: "Invalid parameters",
	},
	KindUnauthorized: {
		UZ: "Ruxsat yo'q",
		RU: "Доступ запрещён",
		EN: "Unauthorized",
	},
	KindMethodNotFound: {
		UZ: "Metod topilmadi",
		RU: "Метод не найден",
		EN: "Method not found",
	},
	KindInternal: {
		UZ: "Server xatosi",
		RU: "Ошибка сервера",
		EN: "Server error",
	},
}

// Err returns the canonical error value for a kind.
func Err(k Kind) *Error {
	return &Error{Kind: k, Text: kindtext(k)}
}

func kindtext(k Kind) Text {
	if t, ok := kindtexts[k]; ok {
		return t
	}
	return kindtexts[KindInternal]
}

// AsError extracts a *Error, downgrading anything unexpected to KindInternal
// so callers always get a complete wire envelope.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*Error); ok {
		return pe
	}
	return Err(KindInternal)
}
