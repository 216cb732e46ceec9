// Package av holds the optional external antivirus clients. Both are advisory:
// callers log their errors and carry on.
package av

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"time"
)

const (
	defaultChunkSize = 64 * 1024
	defaultTimeout   = 30 * time.Second
)

// Clamd streams content to a clamd daemon with the INSTREAM command.
type Clamd struct {
	network   string
	addr      string
	timeout   time.Duration
	chunkSize int
	dialer    net.Dialer
}

// NewClamd targets addr, either host:port or an absolute unix socket path.
func NewClamd(addr string, timeout time.Duration) *Clamd {
	network := "tcp"
	if strings.HasPrefix(addr, "/") {
		network = "unix"
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Clamd{
		network:   network,
		addr:      addr,
		timeout:   timeout,
		chunkSize: defaultChunkSize,
	}
}

func (c *Clamd) Name() string { return "clamd" }

// Scan returns the signature names clamd reports, or nil for a clean stream.
func (c *Clamd) Scan(ctx context.Context, filename string, data []byte) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, c.network, c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial clamd: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString("zINSTREAM\x00"); err != nil {
		return nil, fmt.Errorf("send command: %w", err)
	}

	var size [4]byte
	for off := 0; off < len(data); off += c.chunkSize {
		end := min(off+c.chunkSize, len(data))
		binary.BigEndian.PutUint32(size[:], uint32(end-off))
		if _, err := w.Write(size[:]); err != nil {
			return nil, fmt.Errorf("send chunk: %w", err)
		}
		if _, err := w.Write(data[off:end]); err != nil {
			return nil, fmt.Errorf("send chunk: %w", err)
		}
	}
	binary.BigEndian.PutUint32(size[:], 0)
	if _, err := w.Write(size[:]); err != nil {
		return nil, fmt.Errorf("send terminator: %w", err)
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("flush: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadBytes(0)
	if err != nil && len(reply) == 0 {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	return parseReply(string(bytes.TrimRight(reply, "\x00\n")))
}

// parseReply handles "stream: OK", "stream: <name> FOUND" and "... ERROR".
func parseReply(reply string) ([]string, error) {
	_, verdict, ok := strings.Cut(reply, ": ")
	if !ok {
		verdict = reply
	}
	verdict = strings.TrimSpace(verdict)
	switch {
	case verdict == "OK":
		return nil, nil
	case strings.HasSuffix(verdict, " FOUND"):
		return []string{strings.TrimSuffix(verdict, " FOUND")}, nil
	case strings.HasSuffix(verdict, "ERROR"):
		return nil, fmt.Errorf("clamd error: %s", verdict)
	}
	return nil, fmt.Errorf("unexpected clamd reply %q", reply)
}
