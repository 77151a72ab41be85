package calc

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownCalcType は未対応の計算種別が指定された場合のエラーです。
	ErrUnknownCalcType = errors.New("unknown calculation type")
	// ErrPollTimeout はポーリングが待機上限内に終端状態へ到達しなかった場合のエラーです。
	ErrPollTimeout = errors.New("calculation polling timed out")
)

// InvalidInputError は計算開始前の前提条件違反を表します。再試行はしません。
type InvalidInputError struct {
	Message string
}

func (e *InvalidInputError) Error() string {
	return e.Message
}

func invalidInput(format string, args ...any) error {
	return &InvalidInputError{Message: fmt.Sprintf(format, args...)}
}

// IsInvalidInput は err が前提条件違反かどうかを返します。
func IsInvalidInput(err error) bool {
	var target *InvalidInputError
	return errors.As(err, &target)
}
