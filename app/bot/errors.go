package bot

import "errors"

// moderation error taxonomy, callers match with errors.Is
var (
	// ErrValidation indicates a malformed event or request
	ErrValidation = errors.New("validation failed")
	// ErrStorageUnavailable indicates the blacklist or report storage could not be reached
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrActionRejected indicates the platform refused to delete or ban
	ErrActionRejected = errors.New("action rejected")
)
