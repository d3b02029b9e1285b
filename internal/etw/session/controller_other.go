//go:build !windows || !(amd64 || arm64)

package session

// NewController reports ErrUnsupported; use a Synthetic controller on this
// platform.
func NewController() (Controller, error) {
	return nil, ErrUnsupported
}
