package poll

import (
	"testing"

	"github.com/fzft/go-afdpoll/poll/internal/fake"
	"github.com/stretchr/testify/require"
)

// TestSocket is a registrable socket that only exists in the fake driver.
type TestSocket struct {
	raw   uintptr
	state SocketState
}

func newTestSocket(raw uintptr) *TestSocket {
	return &TestSocket{raw: raw}
}

func (s *TestSocket) RawSocket() uintptr {
	return s.raw
}

func (s *TestSocket) PollState() *SocketState {
	return &s.state
}

type testPoll struct {
	*Poll
	sel  *iocpSelector
	port *fake.Port
	drv  *fake.Driver
}

// newTestPoll builds a Poll over the IOCP selector with a fake port and
// driver, whatever the platform running the test.
func newTestPoll(t *testing.T, opts ...Option) *testPoll {
	t.Helper()

	o, err := resolveOptions(opts)
	require.NoError(t, err)

	port := fake.NewPort()
	drv := fake.NewDriver()
	sel := newIOCPSelector(port, drv, o)
	// unpins whatever a test left in flight
	t.Cleanup(func() { _ = sel.close() })
	return &testPoll{
		Poll: &Poll{registry: Registry{sel: sel}},
		sel:  sel,
		port: port,
		drv:  drv,
	}
}

func tokens(events *Events) []Token {
	var out []Token
	for _, ev := range events.All() {
		out = append(out, ev.Token())
	}
	return out
}
