package large

import "errors"

// ErrBadSize indicates a request of zero bytes or one whose header and body
// do not fit the 32-bit size field.
var ErrBadSize = errors.New("large: size out of range")
