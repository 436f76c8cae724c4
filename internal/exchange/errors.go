package exchange

import (
	"errors"
	"fmt"

	"github.com/adshao/go-binance/v2/common"
)

// ErrorKind класс ошибки биржи
type ErrorKind string

const (
	KindNetwork     ErrorKind = "network"
	KindAuth        ErrorKind = "auth"
	KindValidation  ErrorKind = "validation"
	KindRateLimited ErrorKind = "rate-limited"
	KindServer      ErrorKind = "server"
)

// Error ошибка вызова биржи с классом
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable сообщает, имеет ли смысл повтор
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindRateLimited || e.Kind == KindServer
}

// IsKind проверяет класс ошибки
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: classify(err), Op: op, Err: err}
}

// classify распределяет коды ошибок Binance по классам
func classify(err error) ErrorKind {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return KindNetwork
	}
	switch code := apiErr.Code; {
	case code == -1003 || code == -1015:
		return KindRateLimited
	case code == -1002 || code == -1021 || code == -1022 || code == -2014 || code == -2015:
		return KindAuth
	case code <= -1100 && code >= -1199, code <= -2010 && code >= -2013, code == -4003, code == -4164:
		return KindValidation
	default:
		return KindServer
	}
}
