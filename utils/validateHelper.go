package utils

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/garage_backend/config"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// input structs carry gin binding tags; honor them outside gin too
	v.SetTagName("binding")
	return v
}

// ValidateStruct runs validator tags on an input struct (used by callers
// that bypass gin's binding, e.g. tests and internal seeding).
func ValidateStruct(input any) error {
	return validate.Struct(input)
}

// ValidateResourceId checks that a record of T with the given id exists.
// (returns RecordNotFound)
func ValidateResourceId[T any](ctx context.Context, id interface{}) error {
	count, err := ResourceCountWhere[T](ctx, "id = ?", id)
	if err != nil {
		return err
	}
	if count <= 0 {
		return ErrorRecordNotFound
	}
	return nil
}

// ValidateUnique checks no record of T has column = value, excepting
// exceptId when non-zero.
func ValidateUnique[T any](ctx context.Context, column string, value interface{}, exceptId int) error {
	var count int64
	var err error
	if exceptId == 0 {
		count, err = ResourceCountWhere[T](ctx, column+" = ?", value)
	} else {
		count, err = ResourceCountWhere[T](ctx, column+" = ? AND NOT id = ?", value, exceptId)
	}
	if err != nil {
		return err
	}
	if count > 0 {
		return InvalidReferenceError("duplicate %s", column)
	}
	return nil
}

// ResourceCountWhere counts records of T matching the condition.
func ResourceCountWhere[T any](ctx context.Context, condition string, value ...interface{}) (int64, error) {
	var model T

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&model)
	var count int64
	dbCtx.Where(condition, value...)
	if err := dbCtx.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
