package service

import (
	"errors"
	"fmt"
)

// 业务层通用错误，handler 可根据错误类型映射到合适的 HTTP 状态码。
var (
	ErrNotFound         = errors.New("not found")
	ErrNotOwner         = errors.New("not room owner")
	ErrCapacityExceeded = errors.New("room is full")
	ErrCodeInUse        = errors.New("room code already in use")
	ErrRoomInactive     = errors.New("room is inactive")
)

// ValidationError 表示调用方输入不合法，不重试、不审计。
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// IsValidation 判断 err 链上是否有 ValidationError。
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
