package interrupt

import "errors"

var (
	ErrInvalidPolicy      = errors.New("invalid interrupt policy")
	ErrNotInterruptible   = errors.New("tool is not configured as interruptible")
	ErrCallOutstanding    = errors.New("another tool call is awaiting a decision")
	ErrUnknownCall        = errors.New("unknown tool call")
	ErrAlreadyResolved    = errors.New("tool call already resolved")
	ErrDecisionNotAllowed = errors.New("decision kind not allowed for this tool")
	ErrClosed             = errors.New("coordinator closed")
)
