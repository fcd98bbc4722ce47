package feed

import "errors"

var (
	ErrStorage          = errors.New("storage_error")
	ErrNotFound         = errors.New("not_found")
	ErrDecode           = errors.New("decode_failure")
	ErrQuery            = errors.New("store_query_error")
	ErrSubscription     = errors.New("store_subscription_error")
	ErrInvalidQuery     = errors.New("invalid_query")
	ErrUnindexed        = errors.New("unindexed_order_field")
	ErrNotAuthenticated = errors.New("not_authenticated")
	ErrClosed           = errors.New("closed")
)
