// Package content stores certificate PDFs in content-addressed storage.
package content

import "errors"

// ErrNotFound reports that no object is stored under a hash.
var ErrNotFound = errors.New("content: object not found")
