package broker

import "errors"

// ErrHttpFailure is returned for any non-2xx response or transport-level
// failure against the site or broker APIs.
var ErrHttpFailure = errors.New("http failure")

// ErrPeerClosed is returned by UploadWork when the broker closes the
// connection mid-upload (e.g. the user navigated away).
var ErrPeerClosed = errors.New("peer closed connection")
