// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ExitError carries a specific exit code out of run(). The probe uses
// it to distinguish "the sandbox works but is weaker than required"
// from outright failure.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

// Fatal writes "error: err" to stderr and exits with code 1, or with
// the code of an [ExitError] in err's chain. Use it in main() for
// errors from run() where the structured logger may not be
// initialized.
func Fatal(err error) {
	os.Exit(report(os.Stderr, err))
}

// report writes the error line and returns the exit code.
func report(w io.Writer, err error) int {
	fmt.Fprintf(w, "error: %v\n", err)
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Code != 0 {
		return exitErr.Code
	}
	return 1
}
