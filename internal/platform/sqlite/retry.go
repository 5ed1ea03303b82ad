package sqlite

import (
	"context"
	"log/slog"
	"time"

	"litecoord/pkg/retry"
)

// RetryOnBusy повторяет fn по политике p, пока ошибка - ErrBusy.
// Остальные ошибки возвращаются сразу. Сам слой никогда не повторяет операции
// молча: повтор включает только вызывающий.
func RetryOnBusy(ctx context.Context, p retry.Policy, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, p, fn, IsBusy)
}

// WithinTxRetry выполняет WithinTx и повторяет весь unit of work, если транзакцию
// не удалось начать или зафиксировать из-за ErrBusy. WithinTx к этому моменту
// уже откатил изменения, поэтому fn должна быть безопасна для повторного вызова.
func (c *Conn) WithinTxRetry(ctx context.Context, mode TxLockMode, p retry.Policy, fn func(ctx context.Context, tx *Tx) error) error {
	if p.OnRetry == nil {
		p.OnRetry = func(attempt int, err error, delay time.Duration) {
			c.log.Debug("retrying busy transaction",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.Any("error", err),
			)
		}
	}
	return RetryOnBusy(ctx, p, func(ctx context.Context) error {
		return c.WithinTx(ctx, mode, fn)
	})
}
