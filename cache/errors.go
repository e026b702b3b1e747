package cache

import "errors"

// ErrNotNumeric is returned by Increment/Decrement/SetIfHigher/SetIfLower
// when the existing value at a key cannot be interpreted as a number.
var ErrNotNumeric = errors.New("cache: existing value is not numeric")
