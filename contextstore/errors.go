package contextstore

import "errors"

var ErrUnknownSegment = errors.New("contextstore: unknown segment")
