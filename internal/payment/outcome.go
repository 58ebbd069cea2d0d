// Package payment координирует оплату продвижения через внешний платёжный шлюз.
package payment

import "github.com/mmeshcher/boostpay/internal/model"

// Причины неудачи, которые показываются пользователю без изменений.
const (
	ReasonNotReady       = "payment system not ready"
	ReasonTimedOut       = "timed out"
	ReasonRequiresAction = "additional authentication required"
	ReasonProcessing     = "payment is still processing"
)

// OutcomeStatus описывает итог попытки оплаты.
type OutcomeStatus string

const (
	OutcomeSucceeded      OutcomeStatus = "succeeded"
	OutcomeFailed         OutcomeStatus = "failed"
	OutcomeRequiresAction OutcomeStatus = "requires_action"
	OutcomeProcessing     OutcomeStatus = "processing"
)

// Request описывает попытку оплаты продвижения.
type Request struct {
	UserID        string
	ItemID        string
	Tier          model.BoostTier
	Duration      model.BoostDuration
	Currency      string
	PaymentMethod string
	// Pending заполняется, если прошлая попытка оставила намерение незавершённым.
	Pending *Pending
}

// Pending описывает незавершённое намерение прошлой попытки и выбор, под который оно создано.
type Pending struct {
	OrderID  string
	IntentID string
	Tier     model.BoostTier
	Duration model.BoostDuration
}

// Outcome описывает результат попытки оплаты. Успехом считается только OutcomeSucceeded.
type Outcome struct {
	Status        OutcomeStatus
	Reason        string
	OrderID       string
	IntentID      string
	Amount        int64
	Currency      string
	NextActionURL string
	// IntentOpen выставлен, если намерение ещё может быть списано.
	// Следующая попытка обязана продолжить его, а не создавать новое.
	IntentOpen bool
}

// Succeeded сообщает, подтверждена ли оплата.
func (o Outcome) Succeeded() bool {
	return o.Status == OutcomeSucceeded
}

// Failed создаёт неуспешный результат с причиной.
func Failed(reason string) Outcome {
	return Outcome{Status: OutcomeFailed, Reason: reason}
}
