// Package pricing рассчитывает стоимость продвижения объявления.
package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mmeshcher/boostpay/internal/model"
)

var (
	// ErrUnknownCurrency возвращается для валюты без настроенных цен.
	ErrUnknownCurrency = errors.New("unknown currency")
	// ErrUnknownTier возвращается для неизвестного уровня продвижения.
	ErrUnknownTier = errors.New("unknown boost tier")
	// ErrInvalidDuration возвращается для отрицательной длительности.
	ErrInvalidDuration = errors.New("invalid boost duration")
)

// fallbackDivisor задаёт знаменатель для длительностей вне предустановок.
const fallbackDivisor = 7

// BasePrices содержит базовые цены уровней за 5 дней в минимальных единицах валюты.
type BasePrices map[string]map[model.BoostTier]int64

// DefaultBasePrices используется, если цены не заданы явно.
var DefaultBasePrices = BasePrices{
	"usd": {
		model.BoostTierPremium:  2000,
		model.BoostTierFeatured: 1000,
		model.BoostTierUrgent:   500,
	},
	"eur": {
		model.BoostTierPremium:  2000,
		model.BoostTierFeatured: 1000,
		model.BoostTierUrgent:   500,
	},
	"gbp": {
		model.BoostTierPremium:  1700,
		model.BoostTierFeatured: 850,
		model.BoostTierUrgent:   450,
	},
}

// Amount рассчитывает стоимость по базовой цене и длительности в днях.
//
// Для 1, 3 и 5 дней берётся 40%, 60% и 100% базовой цены. Для остальных
// длительностей цена равна base*days/7. Ветки намеренно не совпадают.
// Округление выполняется до ближайшей минимальной единицы, половина вверх.
func Amount(base int64, days int) int64 {
	switch model.BoostDuration(days) {
	case model.BoostDurationOneDay:
		return roundHalfUp(base*40, 100)
	case model.BoostDurationThreeDay:
		return roundHalfUp(base*60, 100)
	case model.BoostDurationFiveDay:
		return base
	default:
		return roundHalfUp(base*int64(days), fallbackDivisor)
	}
}

func roundHalfUp(num, den int64) int64 {
	return (2*num + den) / (2 * den)
}

// Policy содержит таблицу базовых цен по валютам.
type Policy struct {
	bases BasePrices
}

// NewPolicy создаёт политику цен. При пустой таблице используются DefaultBasePrices.
func NewPolicy(bases BasePrices) *Policy {
	if len(bases) == 0 {
		bases = DefaultBasePrices
	}

	normalized := make(BasePrices, len(bases))
	for currency, tiers := range bases {
		normalized[NormalizeCurrency(currency)] = tiers
	}

	return &Policy{bases: normalized}
}

// NormalizeCurrency приводит код валюты к виду, в котором он хранится в таблице.
func NormalizeCurrency(currency string) string {
	return strings.ToLower(strings.TrimSpace(currency))
}

// Supports сообщает, настроены ли цены для валюты.
func (p *Policy) Supports(currency string) bool {
	_, ok := p.bases[NormalizeCurrency(currency)]
	return ok
}

// BasePrice возвращает базовую цену уровня в указанной валюте.
func (p *Policy) BasePrice(tier model.BoostTier, currency string) (int64, error) {
	tiers, ok := p.bases[NormalizeCurrency(currency)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCurrency, currency)
	}

	base, ok := tiers[tier]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}

	return base, nil
}

// Price возвращает стоимость продвижения в минимальных единицах валюты.
func (p *Policy) Price(tier model.BoostTier, days int, currency string) (int64, error) {
	if days < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidDuration, days)
	}

	base, err := p.BasePrice(tier, currency)
	if err != nil {
		return 0, err
	}

	return Amount(base, days), nil
}

// QuoteLine описывает цену одной комбинации уровня и длительности.
type QuoteLine struct {
	Tier     model.BoostTier     `json:"tier"`
	Duration model.BoostDuration `json:"duration_days"`
	Amount   int64               `json:"amount"`
}

// Quote описывает сетку цен для выбора уровня и длительности.
type Quote struct {
	Currency string      `json:"currency"`
	Lines    []QuoteLine `json:"prices"`
}

// Quote строит сетку цен по всем уровням и предустановленным длительностям.
func (p *Policy) Quote(currency string) (*Quote, error) {
	q := &Quote{Currency: NormalizeCurrency(currency)}

	for _, tier := range model.BoostTiers {
		for _, d := range model.BoostDurations {
			amount, err := p.Price(tier, int(d), currency)
			if err != nil {
				return nil, err
			}
			q.Lines = append(q.Lines, QuoteLine{Tier: tier, Duration: d, Amount: amount})
		}
	}

	return q, nil
}
