package ledger

import "errors"

var (
	// ErrInstanceNotFound экземпляр не найден в хранилище
	ErrInstanceNotFound = errors.New("экземпляр не найден")
	// ErrCooldownActive вход запрещен до окончания паузы
	ErrCooldownActive = errors.New("действует пауза после выхода")
	// ErrFundsInsufficient нет свободных средств для входа
	ErrFundsInsufficient = errors.New("недостаточно свободных средств")
	// ErrTrendRejected вход отклонен фильтром тренда
	ErrTrendRejected = errors.New("вход отклонен фильтром тренда")
	// ErrLadderFull в позиции уже три входа
	ErrLadderFull = errors.New("лесенка входов заполнена")
	// ErrNoActivePosition выход без открытой позиции
	ErrNoActivePosition = errors.New("нет активной позиции")
	// ErrPositionNotReconcilable позицию не удалось восстановить, нужно ручное вмешательство
	ErrPositionNotReconcilable = errors.New("позицию не удалось восстановить")
)
