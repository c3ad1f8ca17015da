package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrUnknownStrategy = errors.New("unknown strategy")
	ErrUnknownVenue    = errors.New("unknown venue")
	ErrInvalidTrade    = errors.New("invalid trade parameters")
	ErrLiveUnsupported = errors.New("live execution not configured")
	ErrSigningFailed   = errors.New("signing failed")
)
