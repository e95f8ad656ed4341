package client

import (
	"errors"

	"github.com/Sternrassler/geoquota/pkg/provider"
	"github.com/Sternrassler/geoquota/pkg/ratelimit"
)

// ShouldFallback reports whether a failed Geocode or Route call should be
// answered through Fallback. Quota blocks and transient provider failures
// qualify; rejected requests and empty results do not.
func ShouldFallback(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ratelimit.ErrQuotaExceeded) {
		return true
	}

	var perr *provider.Error
	if !errors.As(err, &perr) {
		return false
	}
	return fallbackClass(perr.Class)
}

// fallbackClass determines if an error class is worth a fallback.
func fallbackClass(class provider.ErrorClass) bool {
	switch class {
	case provider.ErrorClassClient:
		// 4xx means the request itself is wrong, a fallback would hide it
		return false
	case provider.ErrorClassServer, provider.ErrorClassRateLimit,
		provider.ErrorClassNetwork, provider.ErrorClassTimeout:
		return true
	case provider.ErrorClassMalformed:
		return true
	default:
		return false
	}
}
