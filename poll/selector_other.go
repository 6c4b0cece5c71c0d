//go:build !windows && !linux

package poll

func newSelector(*options) (selector, error) {
	return nil, ErrUnsupported
}
