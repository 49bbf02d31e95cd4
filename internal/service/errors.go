package service

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/creditledger/internal/repository"
)

var (
	// ErrAmountMismatch возвращается, если оплаченная сумма не совпала с суммой заказа.
	// Заказ при этом переводится в failed.
	ErrAmountMismatch = errors.New("paid amount does not match order amount")
	// ErrUnmatchedEvent возвращается, если платёж сохранён как несопоставленный.
	ErrUnmatchedEvent = errors.New("payment event not matched to an order")
	// ErrNotCreditable возвращается при попытке начислить кредиты по заказу,
	// который не оплачен.
	ErrNotCreditable = errors.New("order is not creditable")
	// ErrTransientStore оборачивает временные ошибки хранилища.
	ErrTransientStore = errors.New("order store unavailable")
	// ErrUnknownPackage возвращается для пакета, отсутствующего в прайс-листе провайдера.
	ErrUnknownPackage = errors.New("unknown package")
	// ErrNotCancellable возвращается при отмене заказа, который уже не ожидает оплаты.
	ErrNotCancellable = errors.New("order is not cancellable")
)

// storeErr оборачивает ошибку хранилища в ErrTransientStore, сохраняя доменные ошибки.
func storeErr(op string, err error) error {
	if errors.Is(err, repository.ErrOrderNotFound) || errors.Is(err, repository.ErrDuplicateOrder) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransientStore, err)
}
