// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncapi

import (
	"context"
	"errors"
	"net"
)

// Error taxonomy. Callers wrap these with fmt.Errorf("%w: ...") and test them
// with errors.Is.
var (
	// ErrNetwork is retryable: connection failures, timeouts, 5xx.
	ErrNetwork = errors.New("network_error")
	// ErrValidation rejects a request or an entry; never retried.
	ErrValidation = errors.New("validation_error")
	// ErrConflict marks an entry waiting on a manual conflict decision.
	ErrConflict = errors.New("conflict")
	// ErrAuth halts syncing until the host re-authenticates.
	ErrAuth = errors.New("auth_error")
	// ErrCapacity means the batch must be split and retried.
	ErrCapacity = errors.New("capacity_error")
)

// IsRetryable reports whether err is worth retrying with backoff.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNetwork) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
