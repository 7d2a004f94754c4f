package smoltcp

import "errors"

// Validator accumulates frame validation errors so that a parse routine can
// report every inconsistency it finds without allocating on the happy path.
// The zero value is ready to use and keeps only the first error found.
type Validator struct {
	allowMultiErrs bool
	accum          []error
}

// ResetErr discards accumulated errors.
func (v *Validator) ResetErr() {
	v.accum = v.accum[:0]
}

// HasError returns true if one or more errors have been accumulated.
func (v *Validator) HasError() bool {
	return len(v.accum) != 0
}

// Err returns the accumulated error, joining multiple errors if present.
func (v *Validator) Err() error {
	if len(v.accum) == 1 {
		return v.accum[0]
	} else if len(v.accum) == 0 {
		return nil
	}
	return errors.Join(v.accum...)
}

// ErrPop returns the accumulated error and resets the Validator.
func (v *Validator) ErrPop() error {
	err := v.Err()
	v.ResetErr()
	return err
}

// AddError accumulates an error. err must not be nil.
func (v *Validator) AddError(err error) {
	if err == nil {
		panic("error argument to AddError cannot be nil")
	} else if len(v.accum) != 0 && !v.allowMultiErrs {
		return
	}
	v.accum = append(v.accum, err)
}
