package httperr

import "errors"

type BadRequestError struct {
	msg   string
	field string
}

func (e *BadRequestError) Error() string { return e.msg }

// Field names the offending input, empty when the whole request is bad.
func (e *BadRequestError) Field() string { return e.field }

func NewBadRequest(msg string) error { return &BadRequestError{msg: msg} }

func NewFieldError(field string, msg string) error {
	return &BadRequestError{msg: msg, field: field}
}

func IsBadRequest(err error) bool {
	_, ok := errors.AsType[*BadRequestError](err)
	return ok
}

func FieldOf(err error) string {
	if e, ok := errors.AsType[*BadRequestError](err); ok {
		return e.field
	}
	return ""
}
