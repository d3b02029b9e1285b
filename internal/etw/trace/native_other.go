//go:build !windows || !(amd64 || arm64)

package trace

// NewNative reports ErrUnsupported; use a Synthetic native on this platform.
func NewNative() (Native, error) {
	return nil, ErrUnsupported
}
