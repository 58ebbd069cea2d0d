package wizard

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mmeshcher/boostpay/internal/model"
	"github.com/mmeshcher/boostpay/internal/payment"
	"github.com/mmeshcher/boostpay/internal/pricing"
)

var (
	// ErrTierRequired возвращается при попытке перейти дальше без выбранного уровня.
	ErrTierRequired = errors.New("boost tier is not selected")
	// ErrWrongStep возвращается, если действие недоступно на текущем шаге.
	ErrWrongStep = errors.New("action is not available at this step")
	// ErrPaymentInProgress возвращается, пока предыдущая оплата не завершена.
	ErrPaymentInProgress = errors.New("payment is already in progress")
	// ErrDialogClosed возвращается для закрытого диалога.
	ErrDialogClosed = errors.New("boost dialog is closed")
	// ErrInvalidDuration возвращается для длительности вне набора предустановок.
	ErrInvalidDuration = errors.New("boost duration is not offered")
	// ErrPaymentMethodRequired возвращается, если не передан платёжный метод.
	ErrPaymentMethodRequired = errors.New("payment method is required")
)

// Confirmer подтверждает оплату продвижения во внешнем шлюзе.
type Confirmer interface {
	ConfirmBoostPayment(ctx context.Context, req payment.Request) payment.Outcome
}

// Notifier получает уведомление об активации продвижения после закрытия диалога.
type Notifier interface {
	BoostConfirmed(ctx context.Context, a model.Activation)
}

// Params задаёт неизменяемые параметры диалога.
type Params struct {
	ID        string
	UserID    string
	ItemID    string
	ItemTitle string
	Currency  string
}

// Dialog хранит выбор пользователя и текущее состояние покупки продвижения.
// Выбор принадлежит одному экземпляру диалога и не разделяется с другими.
type Dialog struct {
	params    Params
	confirmer Confirmer
	notifier  Notifier
	prices    *pricing.Policy
	now       func() time.Time

	mu         sync.Mutex
	state      State
	tier       *model.BoostTier
	duration   model.BoostDuration
	pending    *payment.Pending
	attempt    uint64
	lastActive time.Time
}

// New открывает диалог на шаге выбора уровня с длительностью по умолчанию.
func New(params Params, confirmer Confirmer, notifier Notifier, prices *pricing.Policy) *Dialog {
	d := &Dialog{
		params:    params,
		confirmer: confirmer,
		notifier:  notifier,
		prices:    prices,
		now:       time.Now,
		state:     &ChoosingTier{},
		duration:  model.DefaultBoostDuration,
	}
	d.lastActive = d.now()
	return d
}

// ID возвращает идентификатор диалога.
func (d *Dialog) ID() string { return d.params.ID }

// UserID возвращает владельца диалога.
func (d *Dialog) UserID() string { return d.params.UserID }

// ItemID возвращает продвигаемое объявление.
func (d *Dialog) ItemID() string { return d.params.ItemID }

// SelectTier заменяет выбранный уровень.
func (d *Dialog) SelectTier(tier model.BoostTier) error {
	if !tier.Valid() {
		return pricing.ErrUnknownTier
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.expect(StepChoosingTier); err != nil {
		return err
	}

	d.tier = &tier
	d.touch()
	return nil
}

// Next переводит диалог к выбору длительности и оплате. Без уровня диалог остаётся на месте.
func (d *Dialog) Next() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.expect(StepChoosingTier); err != nil {
		return err
	}
	if d.tier == nil {
		return ErrTierRequired
	}

	d.state = &ChoosingDurationAndPaying{}
	d.touch()
	return nil
}

// Back возвращает диалог к выбору уровня, сохраняя выбранный уровень.
func (d *Dialog) Back() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, err := d.paying()
	if err != nil {
		return err
	}
	if st.Processing {
		return ErrPaymentInProgress
	}

	d.state = &ChoosingTier{}
	d.touch()
	return nil
}

// SelectDuration заменяет выбранную длительность.
func (d *Dialog) SelectDuration(duration model.BoostDuration) error {
	if !duration.IsPreset() {
		return ErrInvalidDuration
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	st, err := d.paying()
	if err != nil {
		return err
	}
	if st.Processing {
		return ErrPaymentInProgress
	}

	d.duration = duration
	d.touch()
	return nil
}

// Submit отправляет оплату. Одновременно в обработке может быть только одна попытка.
// Результат, пришедший после закрытия диалога, не применяется, и возвращается ErrDialogClosed.
func (d *Dialog) Submit(ctx context.Context, paymentMethod string) (payment.Outcome, error) {
	d.mu.Lock()
	st, err := d.paying()
	if err != nil {
		d.mu.Unlock()
		return payment.Outcome{}, err
	}
	if st.Processing {
		d.mu.Unlock()
		return payment.Outcome{}, ErrPaymentInProgress
	}
	if d.tier == nil {
		d.mu.Unlock()
		return payment.Outcome{}, ErrTierRequired
	}
	if paymentMethod == "" {
		d.mu.Unlock()
		return payment.Outcome{}, ErrPaymentMethodRequired
	}

	st.Processing = true
	d.attempt++
	attempt := d.attempt
	req := payment.Request{
		UserID:        d.params.UserID,
		ItemID:        d.params.ItemID,
		Tier:          *d.tier,
		Duration:      d.duration,
		Currency:      d.params.Currency,
		PaymentMethod: paymentMethod,
	}
	if d.pending != nil {
		p := *d.pending
		req.Pending = &p
	}
	d.touch()
	d.mu.Unlock()

	out := d.confirmer.ConfirmBoostPayment(ctx, req)

	d.mu.Lock()
	defer d.mu.Unlock()

	cur, ok := d.state.(*ChoosingDurationAndPaying)
	if !ok || d.attempt != attempt {
		return out, ErrDialogClosed
	}

	cur.Processing = false
	d.touch()

	d.settlePending(req, out)

	if out.Succeeded() {
		d.state = &Succeeded{Outcome: out}
		return out, nil
	}

	cur.LastError = out.Reason
	if cur.LastError == "" {
		cur.LastError = string(out.Status)
	}
	cur.NextActionURL = out.NextActionURL
	return out, nil
}

// settlePending запоминает намерение, которое ещё может быть списано, чтобы следующая
// попытка продолжила его. Успех по прежнему намерению возвращает выбор, под который оно создано.
func (d *Dialog) settlePending(req payment.Request, out payment.Outcome) {
	prev := req.Pending
	samePrev := prev != nil && prev.IntentID == out.IntentID

	if out.Succeeded() {
		if samePrev {
			tier := prev.Tier
			d.tier = &tier
			d.duration = prev.Duration
		}
		d.pending = nil
		return
	}

	switch {
	case !out.IntentOpen || out.IntentID == "":
		d.pending = nil
	case samePrev:
		d.pending = prev
	default:
		d.pending = &payment.Pending{
			OrderID:  out.OrderID,
			IntentID: out.IntentID,
			Tier:     req.Tier,
			Duration: req.Duration,
		}
	}
}

// OrderID возвращает заказ, который удерживает диалог: оплаченный или ожидающий
// продолжения. Пустая строка, если такого заказа нет.
func (d *Dialog) OrderID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.orderID()
}

func (d *Dialog) orderID() string {
	if st, ok := d.state.(*Succeeded); ok {
		return st.Outcome.OrderID
	}
	if _, ok := d.state.(*Closed); ok {
		return ""
	}
	if d.pending != nil {
		return d.pending.OrderID
	}
	return ""
}

// Close закрывает диалог. Уведомление об активации отправляется ровно один раз и только
// при закрытии после успешной оплаты. Закрытие до успеха не имеет побочных эффектов.
func (d *Dialog) Close(ctx context.Context) (model.Activation, bool) {
	d.mu.Lock()

	switch st := d.state.(type) {
	case *Closed:
		d.mu.Unlock()
		return model.Activation{}, false
	case *Succeeded:
		a := model.Activation{
			OrderID:   st.Outcome.OrderID,
			ItemID:    d.params.ItemID,
			ItemTitle: d.params.ItemTitle,
			Tier:      *d.tier,
			Duration:  d.duration,
		}
		d.state = &Closed{AfterSuccess: true}
		d.attempt++
		d.mu.Unlock()

		if d.notifier != nil {
			d.notifier.BoostConfirmed(ctx, a)
		}
		return a, true
	default:
		d.state = &Closed{}
		d.attempt++
		d.mu.Unlock()
		return model.Activation{}, false
	}
}

// Discard закрывает диалог без уведомления. Используется при очистке брошенных диалогов.
func (d *Dialog) Discard() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.state.(*Closed); ok {
		return
	}
	_, succeeded := d.state.(*Succeeded)
	d.state = &Closed{AfterSuccess: succeeded}
	d.attempt++
}

// IdleSince возвращает время последнего действия пользователя.
func (d *Dialog) IdleSince() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastActive
}

// View описывает снимок диалога для отображения.
type View struct {
	ID            string
	ItemID        string
	ItemTitle     string
	Step          Step
	Tier          *model.BoostTier
	Duration      model.BoostDuration
	Currency      string
	Amount        *int64
	Processing    bool
	Error         string
	NextActionURL string
	OrderID       string
}

// View возвращает текущий снимок диалога.
func (d *Dialog) View() View {
	d.mu.Lock()
	defer d.mu.Unlock()

	v := View{
		ID:        d.params.ID,
		ItemID:    d.params.ItemID,
		ItemTitle: d.params.ItemTitle,
		Step:      d.state.Step(),
		Duration:  d.duration,
		Currency:  d.params.Currency,
	}

	if d.tier != nil {
		tier := *d.tier
		v.Tier = &tier

		if d.prices != nil {
			if amount, err := d.prices.Price(tier, int(d.duration), d.params.Currency); err == nil {
				v.Amount = &amount
			}
		}
	}

	if st, ok := d.state.(*ChoosingDurationAndPaying); ok {
		v.Processing = st.Processing
		v.Error = st.LastError
		v.NextActionURL = st.NextActionURL
	}
	v.OrderID = d.orderID()

	return v
}

func (d *Dialog) expect(step Step) error {
	if _, ok := d.state.(*Closed); ok {
		return ErrDialogClosed
	}
	if d.state.Step() != step {
		return ErrWrongStep
	}
	return nil
}

func (d *Dialog) paying() (*ChoosingDurationAndPaying, error) {
	if err := d.expect(StepChoosingDurationAndPaying); err != nil {
		return nil, err
	}
	return d.state.(*ChoosingDurationAndPaying), nil
}

func (d *Dialog) touch() {
	d.lastActive = d.now()
}
