package healthcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/fairyhunter13/brewflow/internal/domain"
)

// heartbeatBufSize bounds one heartbeat datagram.
const heartbeatBufSize = 1024

// Listener receives worker heartbeats over UDP and feeds the registry.
// A datagram carries one bare JSON Heartbeat object.
type Listener struct {
	conn *net.UDPConn
	reg  *Registry
}

// NewListener binds the worker heartbeat port.
func NewListener(port int, reg *Registry) (*Listener, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("op=healthcheck.NewListener: %w", err)
	}
	return &Listener{conn: conn, reg: reg}, nil
}

// Run consumes datagrams until ctx is cancelled. Malformed datagrams are
// logged and dropped.
func (l *Listener) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()
	buf := make([]byte, heartbeatBufSize)
	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("op=healthcheck.Listener.Run: %w", err)
		}
		var hb domain.Heartbeat
		if err := json.Unmarshal(buf[:n], &hb); err != nil || hb.ContainerName == "" {
			slog.Warn("dropping malformed heartbeat datagram", slog.String("from", addr.String()))
			continue
		}
		l.reg.Observe(hb.ContainerName, hb.Timestamp)
	}
}

// Beacon is the worker-side heartbeat emitter. It fires the container's
// liveness datagram at every health-checker address on a fixed interval.
type Beacon struct {
	containerName string
	addrs         []string
	interval      time.Duration
}

func NewBeacon(containerName string, addrs []string, interval time.Duration) *Beacon {
	return &Beacon{containerName: containerName, addrs: addrs, interval: interval}
}

// Run emits heartbeats until ctx is cancelled. Send failures are logged and
// retried on the next tick; a dead health-checker must not stall a worker.
func (b *Beacon) Run(ctx context.Context) {
	if len(b.addrs) == 0 {
		return
	}
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.emit()
		}
	}
}

func (b *Beacon) emit() {
	body, err := json.Marshal(domain.Heartbeat{ContainerName: b.containerName, Timestamp: time.Now().UTC()})
	if err != nil {
		return
	}
	for _, addr := range b.addrs {
		conn, err := net.Dial("udp", addr)
		if err != nil {
			slog.Debug("heartbeat dial failed", slog.String("addr", addr), slog.Any("error", err))
			continue
		}
		if _, err := conn.Write(body); err != nil {
			slog.Debug("heartbeat send failed", slog.String("addr", addr), slog.Any("error", err))
		}
		conn.Close()
	}
}
