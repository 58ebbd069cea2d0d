package service

import (
	"sync"
	"time"

	"github.com/mmeshcher/boostpay/internal/metrics"
	"github.com/mmeshcher/boostpay/internal/wizard"
)

// Sessions хранит открытые диалоги покупки продвижения.
type Sessions struct {
	mu      sync.Mutex
	dialogs map[string]*wizard.Dialog
}

// NewSessions создаёт пустой реестр диалогов.
func NewSessions() *Sessions {
	return &Sessions{dialogs: make(map[string]*wizard.Dialog)}
}

// Add регистрирует диалог.
func (s *Sessions) Add(d *wizard.Dialog) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dialogs[d.ID()] = d
	metrics.SetOpenDialogs(len(s.dialogs))
}

// Get возвращает диалог по идентификатору.
func (s *Sessions) Get(id string) (*wizard.Dialog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.dialogs[id]
	return d, ok
}

// Remove удаляет диалог из реестра.
func (s *Sessions) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.dialogs, id)
	metrics.SetOpenDialogs(len(s.dialogs))
}

// Len возвращает число открытых диалогов.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dialogs)
}

// HoldsOrder сообщает, принадлежит ли заказ открытому диалогу.
// Такой заказ активируется при закрытии диалога, а не сверкой или событием шлюза.
func (s *Sessions) HoldsOrder(orderID string) bool {
	_, ok := s.HeldOrders()[orderID]
	return ok
}

// HeldOrders возвращает заказы, которые удерживают открытые диалоги.
func (s *Sessions) HeldOrders() map[string]struct{} {
	s.mu.Lock()
	dialogs := make([]*wizard.Dialog, 0, len(s.dialogs))
	for _, d := range s.dialogs {
		dialogs = append(dialogs, d)
	}
	s.mu.Unlock()

	held := make(map[string]struct{}, len(dialogs))
	for _, d := range dialogs {
		if id := d.OrderID(); id != "" {
			held[id] = struct{}{}
		}
	}
	return held
}

// Sweep закрывает без уведомления диалоги, в которых не было действий с момента idleBefore,
// и возвращает их число.
func (s *Sessions) Sweep(idleBefore time.Time) int {
	s.mu.Lock()
	var stale []*wizard.Dialog
	for id, d := range s.dialogs {
		if d.IdleSince().Before(idleBefore) {
			stale = append(stale, d)
			delete(s.dialogs, id)
		}
	}
	metrics.SetOpenDialogs(len(s.dialogs))
	s.mu.Unlock()

	for _, d := range stale {
		d.Discard()
	}

	return len(stale)
}

// DiscardAll закрывает все диалоги без уведомления. Вызывается при остановке сервиса.
func (s *Sessions) DiscardAll() {
	s.Sweep(time.Now().Add(time.Hour))
}
