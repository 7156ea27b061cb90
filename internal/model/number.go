package model

import (
	"strconv"

	"github.com/theplant/luhn"
)

// OrderNumber строит публичный номер заказа: id и контрольная цифра Луна.
func OrderNumber(id int64) string {
	n := int(id)
	return strconv.Itoa(n*10 + luhn.CalculateLuhn(n))
}

// ValidOrderNumber - проверка номера по алгоритму Луна.
func ValidOrderNumber(number string) bool {
	if number == "" || len(number) > 18 || number[0] == '0' {
		return false
	}
	// только цифры: Atoi пропускает знак
	for _, c := range number {
		if c < '0' || c > '9' {
			return false
		}
	}
	n, err := strconv.Atoi(number)
	if err != nil || n <= 0 {
		return false
	}
	return luhn.Valid(n)
}
