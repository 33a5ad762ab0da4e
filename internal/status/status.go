package status

import "errors"

var (
	ErrEventNotFound  = errors.New("event: event not found")
	ErrSaleNotOpen    = errors.New("event: sale window not open")
	ErrUnauthorized   = errors.New("auth: user not authenticated")
	ErrEntryNotFound  = errors.New("queue: entry not found")
	ErrEntryNotActive = errors.New("queue: entry is not active")
	ErrDuplicateEntry = errors.New("queue: user already has an open entry")
	ErrPublishFailed  = errors.New("broker: publish failed")
	ErrNotConnected   = errors.New("broker: not connected")
	ErrBreakerOpen    = errors.New("broker: circuit breaker is open")
)
