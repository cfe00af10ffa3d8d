package domain

import "errors"

var (
	ErrJoinFailed         = errors.New("channel join failed")
	ErrUnresolvedChannel  = errors.New("channel id unresolved")
	ErrMissingCredential  = errors.New("missing credential")
	ErrNotConnected       = errors.New("transport not connected")
	ErrPushDisabled       = errors.New("push notifications disabled")
	ErrSubscriptionFailed = errors.New("push subscription failed")
	ErrTokenRevoked       = errors.New("stored token revoked")
)
