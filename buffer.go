package main

// echoBuffer queues what a connection read until the peer takes it back.
type echoBuffer struct {
	buf []byte
}

func (b *echoBuffer) Append(p []byte) {
	b.buf = append(b.buf, p...)
}

func (b *echoBuffer) DataToWrite() []byte {
	return b.buf
}

// Next drops the first n bytes.
func (b *echoBuffer) Next(n int) {
	if n >= len(b.buf) {
		b.buf = b.buf[:0]
		return
	}
	b.buf = append(b.buf[:0], b.buf[n:]...)
}

func (b *echoBuffer) Len() int {
	return len(b.buf)
}
