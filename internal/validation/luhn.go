// Package validation содержит генерацию и проверку номеров заказов мерчанта.
package validation

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// referenceRandomDigits - количество случайных цифр в номере заказа.
const referenceRandomDigits = 5

// IsValidReference проверяет корректность номера заказа по алгоритму Луна.
func IsValidReference(number string) bool {
	if number == "" {
		return false
	}

	for _, ch := range number {
		if ch < '0' || ch > '9' {
			return false
		}
	}

	return luhnSum(number, false)%10 == 0
}

// CheckDigit вычисляет контрольную цифру Луна, которую нужно дописать к number.
func CheckDigit(number string) (byte, error) {
	for _, ch := range number {
		if ch < '0' || ch > '9' {
			return 0, fmt.Errorf("non-digit character %q", ch)
		}
	}

	sum := luhnSum(number, true)
	return byte('0' + (10-sum%10)%10), nil
}

// NewReference формирует номер заказа: метка времени, случайные цифры и контрольная цифра Луна.
func NewReference(now time.Time) (string, error) {
	limit := big.NewInt(1)
	for range referenceRandomDigits {
		limit.Mul(limit, big.NewInt(10))
	}

	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("random reference: %w", err)
	}

	body := fmt.Sprintf("%s%0*d", now.UTC().Format("20060102150405"), referenceRandomDigits, n.Int64())

	digit, err := CheckDigit(body)
	if err != nil {
		return "", err
	}

	return body + string(digit), nil
}

// luhnSum считает сумму Луна; doubleFirst задаёт удвоение самой правой цифры.
func luhnSum(number string, doubleFirst bool) int {
	sum := 0
	double := doubleFirst

	for i := len(number) - 1; i >= 0; i-- {
		digit := int(number[i] - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}

	return sum
}
