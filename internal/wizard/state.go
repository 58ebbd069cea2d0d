// Package wizard реализует пошаговый диалог покупки продвижения объявления.
package wizard

import "github.com/mmeshcher/boostpay/internal/payment"

// Step обозначает текущее состояние диалога.
type Step string

const (
	StepChoosingTier              Step = "choosing_tier"
	StepChoosingDurationAndPaying Step = "choosing_duration_and_paying"
	StepSucceeded                 Step = "succeeded"
	StepClosed                    Step = "closed"
)

// State описывает одно из состояний диалога. В каждый момент активен ровно один вариант.
type State interface {
	Step() Step
}

// ChoosingTier: пользователь выбирает уровень продвижения.
type ChoosingTier struct{}

// Step реализует State.
func (*ChoosingTier) Step() Step { return StepChoosingTier }

// ChoosingDurationAndPaying: пользователь выбирает длительность и оплачивает.
type ChoosingDurationAndPaying struct {
	// Processing выставлен, пока оплата находится в обработке.
	Processing bool
	// LastError содержит причину последней неудачной попытки.
	LastError string
	// NextActionURL заполняется, если шлюз требует дополнительного подтверждения.
	NextActionURL string
}

// Step реализует State.
func (*ChoosingDurationAndPaying) Step() Step { return StepChoosingDurationAndPaying }

// Succeeded: оплата подтверждена, диалог показывает подтверждение.
type Succeeded struct {
	Outcome payment.Outcome
}

// Step реализует State.
func (*Succeeded) Step() Step { return StepSucceeded }

// Closed: диалог закрыт. AfterSuccess выставлен, если закрытие последовало за успешной оплатой.
type Closed struct {
	AfterSuccess bool
}

// Step реализует State.
func (*Closed) Step() Step { return StepClosed }
