// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package errors

import (
	stdliberrors "errors"
	"fmt"
)

var (
	ErrUnsupported = stdliberrors.ErrUnsupported

	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

// WrapRetryable marks err as retryable while preserving the wrapped chain.
// The perf session setup uses it to tell the backoff loop which
// perf_event_open failures are worth retrying.
func WrapRetryable(err error) RetryableError {
	return &retryableError{err: err}
}

func Retryable(err error) bool {
	var rerr RetryableError
	return As(err, &rerr)
}

type RetryableError interface {
	error
	Retryable()
}

type retryableError struct {
	err error
}

func (r *retryableError) Error() string {
	return fmt.Sprintf("retryable: %s", r.err.Error())
}

func (r *retryableError) Unwrap() error {
	return r.err
}

func (r *retryableError) Retryable() {}
