package service

import "errors"

var (
	// ErrValidation rejects a malformed input (negative delta, bad enum,
	// empty identifier). For batch ingestion it rejects the row, not the
	// batch.
	ErrValidation = errors.New("validation failed")

	// ErrConflict surfaces an optimistic-concurrency race that outlived
	// its retry budget; the caller should re-submit.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrUsersLimitReached rejects a user create that would exceed the
	// owning admin's users_limit.
	ErrUsersLimitReached = errors.New("users limit reached")

	// ErrAdminDataLimit rejects a grant (create, limit raise, reset) for
	// an admin whose aggregate data allowance is exhausted.
	ErrAdminDataLimit = errors.New("admin data limit exhausted")

	ErrUserNotFound    = errors.New("user not found")
	ErrAdminNotFound   = errors.New("admin not found")
	ErrNodeNotFound    = errors.New("node not found")
	ErrServiceNotFound = errors.New("service not found")

	ErrNodeDisabled = errors.New("node is disabled")

	ErrDuplicateName = errors.New("name already in use")

	ErrWrongCredentials = errors.New("wrong username or password")
	ErrAdminDisabled    = errors.New("admin is disabled")
)
