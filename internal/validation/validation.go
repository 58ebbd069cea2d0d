// Package validation содержит функции валидации входных данных.
package validation

import "regexp"

const (
	maxIDLength            = 64
	maxPaymentMethodLength = 255
)

var (
	paymentMethodRe = regexp.MustCompile(`^[A-Za-z]+_[A-Za-z0-9_]+$`)
	currencyRe      = regexp.MustCompile(`^[A-Za-z]{3}$`)
	idRe            = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// IsValidPaymentMethod проверяет токен способа оплаты, выданный шлюзом.
// Токен всегда начинается с буквенного префикса, например pm_, поэтому строка
// из одних цифр, в том числе номер карты, отклоняется.
func IsValidPaymentMethod(pm string) bool {
	return len(pm) <= maxPaymentMethodLength && paymentMethodRe.MatchString(pm)
}

// IsValidCurrency проверяет формат кода валюты ISO 4217. Пустая строка означает валюту по умолчанию.
func IsValidCurrency(c string) bool {
	return c == "" || currencyRe.MatchString(c)
}

// IsValidID проверяет идентификатор объявления или диалога из пути запроса.
func IsValidID(id string) bool {
	return len(id) <= maxIDLength && idRe.MatchString(id)
}
