package services

import (
	"errors"

	"im-sync/internal/apperrors"
	"im-sync/internal/storage"
)

// mapStoreError 把存储层错误转换为 AppError：记录不存在为 NOT_FOUND，
// 唯一约束冲突为 CONFLICT，游标非法为 VALIDATION，其余视为可重试的故障。
func mapStoreError(message string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case storage.IsNotFound(err):
		return apperrors.NotFound(message, err)
	case storage.IsDuplicate(err):
		return apperrors.Conflict(message, err)
	case errors.Is(err, storage.ErrInvalidCursor):
		return apperrors.New(apperrors.CodeValidation, message, err)
	default:
		return apperrors.AsTransient(message, err)
	}
}
