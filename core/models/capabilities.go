package models

import (
	"reflect"

	"gorm.io/gorm"
)

// Validator is implemented by every entity that checks its own invariants
// before it is written.
type Validator interface {
	Validate() error
}

// Lockable is implemented by entities guarded by a per-row mutex in the lock
// service. The key is stable for the lifetime of the row.
type Lockable interface {
	LockKey() string
}

const validationCallback = "commitchain:validate"

// RegisterValidation installs create and update callbacks that run Validate
// on the statement destination. Registering twice is a no-op.
func RegisterValidation(db *gorm.DB) error {
	if db.Callback().Create().Get(validationCallback) != nil {
		return nil
	}
	if err := db.Callback().Create().Before("gorm:create").Register(validationCallback, validateStatement); err != nil {
		return err
	}
	return db.Callback().Update().Before("gorm:update").Register(validationCallback, validateStatement)
}

func validateStatement(tx *gorm.DB) {
	if tx.Statement == nil || tx.Error != nil {
		return
	}
	target := tx.Statement.Dest
	if _, ok := target.(map[string]interface{}); ok {
		// column updates are lifecycle transitions on already validated rows
		return
	}
	if target == nil {
		target = tx.Statement.Model
	}
	if err := validateValue(reflect.ValueOf(target)); err != nil {
		_ = tx.AddError(err)
	}
}

func validateValue(v reflect.Value) error {
	if !v.IsValid() {
		return nil
	}
	if v.Kind() == reflect.Ptr && v.IsNil() {
		return nil
	}
	if validator, ok := v.Interface().(Validator); ok {
		return validator.Validate()
	}
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			elem := v.Index(i)
			if elem.Kind() != reflect.Ptr && elem.CanAddr() {
				elem = elem.Addr()
			}
			if err := validateValue(elem); err != nil {
				return err
			}
		}
	case reflect.Struct:
		if v.CanAddr() {
			if validator, ok := v.Addr().Interface().(Validator); ok {
				return validator.Validate()
			}
		}
	}
	return nil
}
