package discovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"
)

// Requester runs discovery rounds from the client side.
type Requester struct {
	// Target is where the token is sent, normally the broadcast address with
	// the discovery port.
	Target string
	Logger *slog.Logger
}

func NewRequester(target string, logger *slog.Logger) *Requester {
	if target == "" {
		target = net.JoinHostPort("255.255.255.255", strconv.Itoa(DefaultPort))
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Requester{Target: target, Logger: logger}
}

// Discover broadcasts one request and collects replies until ctx is done. The
// result holds each (address, port) once, in order of first arrival. Malformed
// replies are skipped. The context should carry a deadline; without one
// Discover waits until it is cancelled.
func (q *Requester) Discover(ctx context.Context) ([]Record, error) {
	target, err := net.ResolveUDPAddr("udp4", q.Target)
	if err != nil {
		return nil, err
	}

	lc := net.ListenConfig{Control: reuseControl}
	conn, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	if _, err := conn.WriteTo([]byte(Token), target); err != nil {
		return nil, err
	}

	records := []Record{}
	seen := make(map[Record]bool)
	buf := make([]byte, 512)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, os.ErrDeadlineExceeded) {
				return records, nil
			}
			return records, err
		}
		port, err := ParseReply(buf[:n])
		if err != nil {
			q.Logger.Debug("ignoring discovery reply", "remote", from.String(), "error", err)
			continue
		}
		udp, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		rec := Record{Address: udp.IP.String(), Port: port}
		if seen[rec] {
			continue
		}
		seen[rec] = true
		records = append(records, rec)
		q.Logger.Debug("discovered agent", "addr", rec.Addr())
	}
}
