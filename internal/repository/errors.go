package repository

import (
	"errors"

	"github.com/lib/pq"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// isUniqueViolation 唯一约束冲突（23505）
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
