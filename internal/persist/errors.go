package persist

import (
	"errors"
	"fmt"

	"github.com/yourusername/policy-calc/internal/calc"
)

// ErrMissingResult は結果のない状態を永続化しようとした場合のエラーです。
var ErrMissingResult = errors.New("cannot persist: result is missing from calculation status")

// PersistError は再試行後も書き込みに失敗した場合のエラーです。
type PersistError struct {
	Target calc.TargetType
	Err    error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("failed to persist %s after retry: %v", e.Target, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}
