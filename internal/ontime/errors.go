package ontime

import "errors"

// ErrMissingType marks a frame that parsed as JSON but carries no type
// tag; the transport counts these toward its desync threshold.
var ErrMissingType = errors.New("ontime: message has no type tag")
