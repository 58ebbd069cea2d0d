package validation

// LooksLikeCardNumber сообщает, похожа ли строка на номер банковской карты:
// от 12 до 19 цифр (пробелы и дефисы допускаются) с корректной контрольной суммой Луна.
// Такие значения никогда не принимаются в качестве способа оплаты.
func LooksLikeCardNumber(s string) bool {
	digits := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch ch := s[i]; {
		case ch >= '0' && ch <= '9':
			digits = append(digits, ch)
		case ch == ' ' || ch == '-':
		default:
			return false
		}
	}

	if len(digits) < 12 || len(digits) > 19 {
		return false
	}
	return luhnValid(digits)
}

func luhnValid(digits []byte) bool {
	sum := 0
	double := false

	for i := len(digits) - 1; i >= 0; i-- {
		digit := int(digits[i] - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}

	return sum%10 == 0
}
