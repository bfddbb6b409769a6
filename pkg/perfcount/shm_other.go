//go:build !unix

package perfcount

import "fmt"

// ErrSegmentMismatch indicates an existing segment has an incompatible
// layout or version
var ErrSegmentMismatch = fmt.Errorf("incompatible counter segment")

// OpenShared is unavailable on this platform; callers fall back to the
// process-local block.
func OpenShared(path string) (*Block, error) {
	return nil, fmt.Errorf("shared counter segment not supported on this platform")
}
