package core

import "errors"

// ErrPermissionDenied reports that the local microphone may not be captured.
// It is never retried automatically.
var ErrPermissionDenied = errors.New("microphone permission denied")
