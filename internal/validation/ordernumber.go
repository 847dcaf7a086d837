// Package validation содержит проверки форматов входных данных.
package validation

import "regexp"

// orderNumberRe описывает формат номера заказа: префикс типа услуги,
// год выпуска и шестизначный порядковый номер, например PL-2025-000123.
var orderNumberRe = regexp.MustCompile(`^[A-Z]{2}-\d{4}-\d{6}$`)

// IsValidOrderNumber проверяет формат номера заказа.
func IsValidOrderNumber(number string) bool {
	return orderNumberRe.MatchString(number)
}
