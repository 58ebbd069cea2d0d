// Package model содержит доменные сущности сервиса продвижения объявлений.
package model

import (
	"fmt"
	"strings"
	"time"
)

// BoostTier описывает уровень продвижения объявления.
type BoostTier string

const (
	BoostTierPremium  BoostTier = "premium"
	BoostTierFeatured BoostTier = "featured"
	BoostTierUrgent   BoostTier = "urgent"
)

// BoostTiers перечисляет все уровни в порядке отображения.
var BoostTiers = []BoostTier{BoostTierPremium, BoostTierFeatured, BoostTierUrgent}

// ParseBoostTier разбирает строковое значение уровня продвижения.
func ParseBoostTier(s string) (BoostTier, error) {
	t := BoostTier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown boost tier %q", s)
	}
	return t, nil
}

// Valid сообщает, является ли значение одним из известных уровней.
func (t BoostTier) Valid() bool {
	switch t {
	case BoostTierPremium, BoostTierFeatured, BoostTierUrgent:
		return true
	}
	return false
}

// BoostDuration задаёт длительность продвижения в днях.
type BoostDuration int

const (
	BoostDurationOneDay   BoostDuration = 1
	BoostDurationThreeDay BoostDuration = 3
	BoostDurationFiveDay  BoostDuration = 5

	// DefaultBoostDuration выбирается при открытии диалога.
	DefaultBoostDuration = BoostDurationThreeDay
)

// BoostDurations перечисляет предустановленные длительности.
var BoostDurations = []BoostDuration{BoostDurationOneDay, BoostDurationThreeDay, BoostDurationFiveDay}

// IsPreset сообщает, входит ли длительность в набор предустановок.
func (d BoostDuration) IsPreset() bool {
	switch d {
	case BoostDurationOneDay, BoostDurationThreeDay, BoostDurationFiveDay:
		return true
	}
	return false
}

// Days возвращает длительность в виде time.Duration.
func (d BoostDuration) Days() time.Duration {
	return time.Duration(d) * 24 * time.Hour
}

// Item описывает объявление, которое можно продвигать.
type Item struct {
	ID           string
	OwnerID      string
	Title        string
	BoostTier    *BoostTier
	BoostedUntil *time.Time
}

// PaymentStatus описывает статус оплаты заказа на продвижение.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// BoostOrder описывает заказ на продвижение, созданный при оплате.
type BoostOrder struct {
	ID            string
	ItemID        string
	UserID        string
	Tier          BoostTier
	Duration      BoostDuration
	ChargeAmount  int64
	Currency      string
	PaymentStatus PaymentStatus
	IntentID      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ActivatedAt   *time.Time
}

// Activation передаётся вызывающей стороне после закрытия диалога с успешной оплатой.
type Activation struct {
	OrderID   string
	ItemID    string
	ItemTitle string
	Tier      BoostTier
	Duration  BoostDuration
}
