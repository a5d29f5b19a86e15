package core

import "errors"

// Sentinel error kinds per SPEC_FULL §7. Call sites wrap these with
// fmt.Errorf("...: %w", ErrIO) so callers can classify a failure with
// errors.Is without parsing message strings.
var (
	ErrConfig   = errors.New("config error")
	ErrIO       = errors.New("io error")
	ErrParse    = errors.New("parse error")
	ErrNetwork  = errors.New("network error")
	ErrAuth     = errors.New("auth error")
	ErrRenewal  = errors.New("renewal failed")
)
