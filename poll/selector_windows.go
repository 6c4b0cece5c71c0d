//go:build windows

package poll

import (
	"github.com/fzft/go-afdpoll/poll/internal/afd"
	"github.com/fzft/go-afdpoll/poll/internal/iocp"
)

func newSelector(o *options) (selector, error) {
	port, err := iocp.NewPort(o.concurrency)
	if err != nil {
		return nil, err
	}
	return newIOCPSelector(port, afd.NewDriver(), o), nil
}
