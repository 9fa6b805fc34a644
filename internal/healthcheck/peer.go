package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fairyhunter13/brewflow/internal/protocol"
)

const peerDialTimeout = 2 * time.Second

// peerPacket is one decoded mesh message with its sender's ID.
type peerPacket struct {
	Type protocol.PacketType
	HCID int
	TS   time.Time
}

// encodePeer frames a mesh message.
func encodePeer(t protocol.PacketType, body any) (protocol.Packet, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return protocol.Packet{}, fmt.Errorf("marshal peer packet: %w", err)
	}
	return protocol.Packet{Type: t, Payload: raw}, nil
}

func decodePeer(p protocol.Packet) (peerPacket, error) {
	var body struct {
		HCID int       `json:"hc_id"`
		TS   time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(p.Payload, &body); err != nil {
		return peerPacket{}, fmt.Errorf("decode peer packet: %w", err)
	}
	return peerPacket{Type: p.Type, HCID: body.HCID, TS: body.TS}, nil
}

// PeerServer accepts mesh connections from sibling health-checkers and
// funnels their packets into a single channel for the elector.
type PeerServer struct {
	ln      net.Listener
	packets chan peerPacket
}

func NewPeerServer(port int) (*PeerServer, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("op=healthcheck.NewPeerServer: %w", err)
	}
	return &PeerServer{ln: ln, packets: make(chan peerPacket, 64)}, nil
}

// Packets is the stream of decoded mesh messages.
func (s *PeerServer) Packets() <-chan peerPacket { return s.packets }

// Run accepts and serves peer connections until ctx is cancelled.
func (s *PeerServer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("op=healthcheck.PeerServer.Run: %w", err)
		}
		go s.serve(ctx, conn)
	}
}

func (s *PeerServer) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		pkt, err := protocol.Read(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				slog.Debug("peer connection closed", slog.Any("error", err))
			}
			return
		}
		switch pkt.Type {
		case protocol.TypeHCHeartbeat, protocol.TypeHCElection, protocol.TypeHCOk, protocol.TypeHCCoordinator:
		default:
			slog.Warn("unexpected peer packet", slog.Int("type", int(pkt.Type)))
			continue
		}
		pp, err := decodePeer(pkt)
		if err != nil {
			slog.Warn("malformed peer packet", slog.Any("error", err))
			continue
		}
		select {
		case s.packets <- pp:
		case <-ctx.Done():
			return
		}
	}
}

// PeerClient keeps one outbound connection per sibling, dialed lazily and
// dropped on the first write error. The mesh heals on the next send.
type PeerClient struct {
	addr func(id int) string

	mu    sync.Mutex
	conns map[int]net.Conn
}

func NewPeerClient(addr func(id int) string) *PeerClient {
	return &PeerClient{addr: addr, conns: make(map[int]net.Conn)}
}

// Send writes one packet to peer id.
func (c *PeerClient) Send(id int, p protocol.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.conns[id]
	if conn == nil {
		var err error
		conn, err = net.DialTimeout("tcp", c.addr(id), peerDialTimeout)
		if err != nil {
			return fmt.Errorf("op=healthcheck.PeerClient.Send: peer %d: %w", id, err)
		}
		c.conns[id] = conn
	}
	if err := protocol.Write(conn, p); err != nil {
		conn.Close()
		delete(c.conns, id)
		return fmt.Errorf("op=healthcheck.PeerClient.Send: peer %d: %w", id, err)
	}
	return nil
}

// Close drops every outbound connection.
func (c *PeerClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, conn := range c.conns {
		conn.Close()
		delete(c.conns, id)
	}
}
