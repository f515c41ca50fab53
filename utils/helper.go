package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/garage_backend/config"
)

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

// DereferencePtr returns *ptr or fallback when ptr is nil.
func DereferencePtr[T any](ptr *T, fallback T) T {
	if ptr != nil {
		return *ptr
	}
	return fallback
}

func UniqueSlice[T comparable](values []T) []T {
	seen := make(map[T]bool, len(values))
	result := make([]T, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}

func ProcessValidationErrors(err error) map[string]string {
	validationErrors := err.(validator.ValidationErrors)

	errorResponse := make(map[string]string)
	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}
	return errorResponse
}

// ItemLock obtains a cross-instance lock for one item's stock. The caller
// must release it after committing:
//
//	lock, err := utils.ItemLock(ctx, itemId, "sellItem.go", "AddSellItem")
//	...
//	defer utils.ItemUnlock(ctx, lock)
//
// Redis is a best-effort optimization here; correctness does not depend on
// it because every stock mutation also takes a row lock on the item inside
// its DB transaction. When the lock client is not initialized, ItemLock
// returns a nil lock and no error.
func ItemLock(ctx context.Context, itemId int, moduleName string, functionName string) (*redislock.Lock, error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		return nil, nil
	}
	lockKey := fmt.Sprintf("itemStockLock:%d", itemId)
	lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 50),
	})
	if err == redislock.ErrNotObtained {
		config.LogError(logger, moduleName, functionName, "Could not obtain lock for item", itemId, err)
		return nil, errors.New("could not obtain stock lock for item")
	} else if err != nil {
		config.LogError(logger, moduleName, functionName, "Error obtaining lock for item", itemId, err)
		return nil, err
	}
	return lock, nil
}

func ItemUnlock(ctx context.Context, lock *redislock.Lock) {
	if lock == nil {
		return
	}
	_ = lock.Release(ctx)
}
