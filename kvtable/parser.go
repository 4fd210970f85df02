package kvtable

import (
	"github.com/go-playground/validator/v10"
)

// Parser validates and normalises an item before it is written. It runs on
// every write path; an error aborts the write without a remote call.
type Parser[In, Out any] func(In) (Out, error)

// Identity returns a Parser that accepts every item unchanged.
func Identity[T any]() Parser[T, T] {
	return func(item T) (T, error) {
		return item, nil
	}
}

// ValidateStruct returns a Parser that checks struct `validate` tags.
// A nil validate uses a fresh validator with required struct checks enabled.
func ValidateStruct[T any](validate *validator.Validate) Parser[T, T] {
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}
	return func(item T) (T, error) {
		if err := validate.Struct(item); err != nil {
			var zero T
			return zero, err
		}
		return item, nil
	}
}

// Then chains a normalisation step after p.
func Then[In, Mid, Out any](p Parser[In, Mid], next func(Mid) (Out, error)) Parser[In, Out] {
	return func(item In) (Out, error) {
		mid, err := p(item)
		if err != nil {
			var zero Out
			return zero, err
		}
		return next(mid)
	}
}
