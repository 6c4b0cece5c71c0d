// Package asyncfile opens files for overlapped I/O whose reads and writes
// complete on a poll.Poll, next to the sockets it watches for readiness.
//
// A File is a poll.CompletionSource. Associate File.Handle with a Registry,
// then start operations with Read and Write; each operation completes as an
// event carrying the association's token once the kernel finishes it.
// Completion sources exist on Windows only.
package asyncfile
