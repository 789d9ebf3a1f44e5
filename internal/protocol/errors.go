package protocol

import "errors"

// Sentinel errors mirroring the wire ERROR codes above, so broker code
// can branch with errors.Is instead of comparing code strings. The wire
// representation is still exactly the ErrCode* table; these exist only
// for internal control flow.
var (
	ErrAuthTimeout      = errors.New(ErrCodeAuthTimeout)
	ErrAuthFailed       = errors.New(ErrCodeAuthFailed)
	ErrAuthRequired     = errors.New(ErrCodeAuthRequired)
	ErrNoSession        = errors.New(ErrCodeNoSession)
	ErrMissingSessionID = errors.New(ErrCodeMissingSessionID)
	ErrSessionNotFound  = errors.New(ErrCodeSessionNotFound)
	ErrFileError        = errors.New(ErrCodeFileError)
	ErrRateLimited      = errors.New(ErrCodeRateLimited)
	ErrParseError       = errors.New(ErrCodeParseError)
)
