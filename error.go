package match

import "errors"

var (
	ErrRateLimited      = errors.New("rate limit exceeded for symbol")
	ErrInvalidParam     = errors.New("the param is invalid")
	ErrUnknownOrderType = errors.New("unknown order type")
	ErrShutdown         = errors.New("engine is shutting down")
	ErrNotFound         = errors.New("not found")
	ErrTimeout          = errors.New("timeout")
)
