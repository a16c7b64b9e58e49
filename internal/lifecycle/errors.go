package lifecycle

import (
	"errors"
	"fmt"

	"order-bridge/venue"
)

// Kind 错误分类，决定 FAILED 事件的 reason 与返回码
type Kind int

const (
	KindValidation Kind = iota + 1
	KindInsufficientFunds
	KindInsufficientMargin
	KindVenue
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindInsufficientMargin:
		return "insufficient_margin"
	case KindVenue:
		return "venue"
	case KindNotFound:
		return "not_found"
	}
	return "unknown"
}

// 供 errors.Is 比较的哨兵错误
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrInsufficientFunds  = &Error{Kind: KindInsufficientFunds}
	ErrInsufficientMargin = &Error{Kind: KindInsufficientMargin}
	ErrVenue              = &Error{Kind: KindVenue}
	ErrNotFound           = &Error{Kind: KindNotFound}
)

// Error 需要回报给远端的失败。Reason 原样写入事件的 error 字段。
type Error struct {
	Kind    Kind
	Reason  string
	Retcode int
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is 按 Kind 比较
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func validationf(retcode int, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Reason: fmt.Sprintf(format, args...), Retcode: retcode}
}

func notFound(reason string) *Error {
	return &Error{Kind: KindNotFound, Reason: reason, Retcode: venue.RetcodeNotFound}
}

// venueError 交易场所错误原样透传 comment 与返回码
func venueError(err error) *Error {
	var ve *venue.Error
	if errors.As(err, &ve) {
		return &Error{Kind: KindVenue, Reason: ve.Comment, Retcode: ve.Retcode, Err: err}
	}
	return &Error{Kind: KindVenue, Reason: err.Error(), Retcode: venue.RetcodeInvalid, Err: err}
}

// asError 非 *Error 的错误归为交易场所错误
func asError(err error) *Error {
	var le *Error
	if errors.As(err, &le) {
		return le
	}
	return venueError(err)
}
