package supervisor

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"time"
)

// forwardOutput copies r to out unchanged until r is exhausted. While text
// has not been seen it also scans the stream and calls onMatch exactly once
// at the first occurrence, including one that straddles two reads. An empty
// text never matches.
func forwardOutput(r io.Reader, out io.Writer, text string, onMatch func()) {
	needle := []byte(text)
	matched := len(needle) == 0
	var tail []byte

	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			_, _ = out.Write(chunk)

			if !matched {
				window := append(tail, chunk...)
				if bytes.Contains(window, needle) {
					matched = true
					tail = nil
					onMatch()
				} else {
					keep := min(len(needle)-1, len(window))
					tail = append([]byte(nil), window[len(window)-keep:]...)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// waitTCP dials addr until a connection succeeds, pausing interval between
// attempts and bounding each attempt by timeout. It gives up only when ctx
// ends or exited is closed.
func waitTCP(ctx context.Context, addr string, interval, timeout time.Duration, exited <-chan struct{}) error {
	d := net.Dialer{Timeout: timeout}
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-exited:
			t.Stop()
			return ErrBackendExited
		case <-t.C:
		}
	}
}

// freePort returns preferred when it can be bound on loopback, otherwise any
// free ephemeral port.
func freePort(preferred int) (int, error) {
	if preferred > 0 {
		if ln, err := net.Listen("tcp", net.JoinHostPort(loopback, strconv.Itoa(preferred))); err == nil {
			_ = ln.Close()
			return preferred, nil
		}
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(loopback, "0"))
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
