package auth

import "errors"

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("resource conflict")
	ErrInvalidInput = errors.New("invalid input")
	ErrStore        = errors.New("storage failure")
	ErrInvalidToken = errors.New("invalid token")
)

var (
	ErrSelfDelete         error = &reasonError{kind: ErrConflict, msg: "cannot delete your own account"}
	ErrSelfDeactivate     error = &reasonError{kind: ErrConflict, msg: "cannot deactivate your own account"}
	ErrRoleInUse          error = &reasonError{kind: ErrConflict, msg: "role is assigned to users"}
	ErrInvalidCredentials error = &reasonError{kind: ErrUnauthorized, msg: "invalid email or password"}
)

// reasonError is an error kind with a message that is safe to show end users.
type reasonError struct {
	kind error
	msg  string
}

func (e *reasonError) Error() string { return e.msg }

func (e *reasonError) Unwrap() error { return e.kind }

// StoreError wraps an unexpected data-store failure. Error returns a generic
// message; the cause stays reachable through Unwrap for logs and errors.As.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "storage failure, please try again later" }

func (e *StoreError) Unwrap() []error { return []error{ErrStore, e.Err} }

// IsKnown reports whether err already belongs to one of the error kinds above.
func IsKnown(err error) bool {
	for _, kind := range []error{ErrUnauthorized, ErrForbidden, ErrNotFound, ErrConflict, ErrInvalidInput, ErrStore, ErrInvalidToken} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// WrapStore converts unexpected errors into a *StoreError tagged with op.
// Known kinds and nil pass through unchanged.
func WrapStore(op string, err error) error {
	if err == nil || IsKnown(err) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
