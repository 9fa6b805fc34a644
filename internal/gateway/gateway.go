// Package gateway accepts the client connection, feeds the raw streams into
// the broker, and forwards the finished query documents back to the client.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/fairyhunter13/brewflow/internal/config"
	"github.com/fairyhunter13/brewflow/internal/domain"
	"github.com/fairyhunter13/brewflow/internal/observability"
	"github.com/fairyhunter13/brewflow/internal/protocol"
	"github.com/fairyhunter13/brewflow/internal/worker"
)

// Error packet codes surfaced to the client.
const (
	codeBadPacket uint32 = 1
	codeInternal  uint32 = 2
)

const resultsQueue = "results_gateway"

// queryCount is how many result documents complete one session.
const queryCount = 4

// rawRoute is one inbound stream: its exchange publisher and the routing
// descriptor of the transformer stage behind it.
type rawRoute struct {
	pub  domain.Publisher
	spec config.OutputSpec
}

// Server is the gateway process: one TCP client at a time, five raw stream
// exchanges in, one results exchange out.
type Server struct {
	cfg    config.GatewayConfig
	broker domain.Broker

	routes      map[protocol.PacketType]rawRoute
	resultsCons domain.Consumer
	results     chan domain.Delivery

	mu      sync.Mutex
	session string
}

// New declares the raw exchanges and binds the results queue on the four
// query routing keys.
func New(cfg config.GatewayConfig, broker domain.Broker) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		broker:  broker,
		routes:  make(map[protocol.PacketType]rawRoute),
		results: make(chan domain.Delivery, 16),
	}
	raw := []struct {
		ptype    protocol.PacketType
		exchange string
		stage    string
	}{
		{protocol.TypeStoreBatch, cfg.StoresExchange, "transform_stores"},
		{protocol.TypeUsersBatch, cfg.UsersExchange, "transform_users"},
		{protocol.TypeTransactionsBatch, cfg.TransactionsExchange, "transform_transactions"},
		{protocol.TypeTransactionItemsBatch, cfg.TransactionItemsExchange, "transform_transaction_items"},
		{protocol.TypeMenuItemsBatch, cfg.MenuItemsExchange, "transform_menu_items"},
	}
	for _, r := range raw {
		pub, _, err := broker.Exchange(r.exchange, "direct", "", nil)
		if err != nil {
			return nil, fmt.Errorf("op=gateway.New: exchange %s: %w", r.exchange, err)
		}
		s.routes[r.ptype] = rawRoute{pub: pub, spec: config.OutputSpec{
			Name:              r.exchange,
			DownstreamStage:   r.stage,
			DownstreamWorkers: cfg.RawWorkers,
			RoutingFn:         worker.RouteDefault,
		}}
	}
	_, cons, err := broker.Exchange(cfg.ResultsExchange, "direct", resultsQueue, []string{"q1", "q2", "q3", "q4"})
	if err != nil {
		return nil, fmt.Errorf("op=gateway.New: results exchange: %w", err)
	}
	s.resultsCons = cons
	return s, nil
}

// Run serves clients until ctx is cancelled. Clients are strictly
// sequential; results arriving with no matching session are dropped.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		if err := s.resultsCons.Consume(ctx, s.onResult); err != nil && ctx.Err() == nil {
			slog.Error("results consumer stopped", slog.Any("error", err))
		}
	}()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("op=gateway.Run: %w", err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	slog.Info("gateway listening", slog.Int("port", s.cfg.Port))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("op=gateway.Run: %w", err)
		}
		s.serve(ctx, conn)
	}
}

// onResult forwards a finished query document to the session currently on
// the wire. Results for a departed client are acknowledged and dropped:
// delivery to the client is connection-scoped.
func (s *Server) onResult(d domain.Delivery) {
	s.mu.Lock()
	current := s.session
	s.mu.Unlock()
	if d.SessionID() != current {
		slog.Warn("dropping result for absent session", slog.String("session_id", d.SessionID()))
		if err := d.Ack(); err != nil {
			slog.Error("ack failed", slog.Any("error", err))
		}
		return
	}
	s.results <- d
}

func (s *Server) setSession(id string) {
	s.mu.Lock()
	s.session = id
	s.mu.Unlock()
}

func (s *Server) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	start, err := protocol.Read(conn)
	if err != nil {
		slog.Error("client handshake failed", slog.Any("error", err))
		return
	}
	if start.Type != protocol.TypeFileSendStart {
		writeError(conn, codeBadPacket, fmt.Sprintf("expected FileSendStart, got %d", start.Type))
		return
	}

	sessionID := worker.NewMessageID()
	s.setSession(sessionID)
	defer s.setSession("")
	log := slog.With(slog.String("session_id", sessionID))
	ctx = observability.ContextWithLogger(ctx, log)
	log.Info("session started", slog.String("client", conn.RemoteAddr().String()))

	if err := protocol.Write(conn, protocol.Packet{Type: protocol.TypeAck}); err != nil {
		log.Error("write ack", slog.Any("error", err))
		return
	}
	if err := protocol.Write(conn, protocol.Packet{Type: protocol.TypeSessionID, Payload: []byte(sessionID)}); err != nil {
		log.Error("write session id", slog.Any("error", err))
		return
	}

	if err := s.ingest(ctx, conn, sessionID); err != nil {
		log.Error("ingest failed", slog.Any("error", err))
		writeError(conn, codeInternal, err.Error())
		return
	}
	if err := protocol.Write(conn, protocol.Packet{Type: protocol.TypeAck}); err != nil {
		log.Error("write end ack", slog.Any("error", err))
		return
	}
	if err := s.stream(ctx, conn, sessionID); err != nil {
		log.Error("result streaming failed", slog.Any("error", err))
		writeError(conn, codeInternal, err.Error())
		return
	}
	log.Info("session complete")
}

// ingest relays typed batches to their raw exchanges until FileSendEnd.
// A batch marked eof is broadcast so every transformer replica observes
// end-of-stream; FileSendEnd broadcasts eof on every stream that is still
// open.
func (s *Server) ingest(ctx context.Context, conn net.Conn, sessionID string) error {
	ended := make(map[protocol.PacketType]bool, len(s.routes))
	for {
		pkt, err := protocol.Read(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: client left mid-upload", domain.ErrDisconnected)
			}
			return err
		}
		if pkt.Type == protocol.TypeFileSendEnd {
			for ptype, route := range s.routes {
				if !ended[ptype] {
					if err := s.publishEOF(ctx, route, sessionID); err != nil {
						return err
					}
				}
			}
			return nil
		}
		route, ok := s.routes[pkt.Type]
		if !ok {
			return fmt.Errorf("%w: unexpected packet type %d", domain.ErrBadPayload, pkt.Type)
		}
		batch, err := protocol.DecodeBatch(pkt.Payload)
		if err != nil {
			return err
		}
		if batch.EOF {
			ended[pkt.Type] = true
			if err := s.publishEOF(ctx, route, sessionID); err != nil {
				return err
			}
			continue
		}
		msgID := worker.NewMessageID()
		key := worker.MessageKey(route.spec, msgID)
		if err := s.publish(ctx, route, pkt.Payload, key, sessionID, msgID); err != nil {
			return err
		}
		observability.BatchesPublishedTotal.WithLabelValues("gateway", route.spec.Name).Inc()
	}
}

func (s *Server) publishEOF(ctx context.Context, route rawRoute, sessionID string) error {
	body, err := protocol.EOFBatch().Encode()
	if err != nil {
		return err
	}
	return s.publish(ctx, route, body, worker.BroadcastKey, sessionID, worker.NewMessageID())
}

func (s *Server) publish(ctx context.Context, route rawRoute, body []byte, key, sessionID, msgID string) error {
	headers := map[string]string{
		domain.HeaderSessionID: sessionID,
		domain.HeaderMessageID: msgID,
	}
	if err := route.pub.Publish(ctx, body, key, headers); err != nil {
		return fmt.Errorf("publish to %s: %w", route.spec.Name, err)
	}
	return nil
}

// stream forwards the four query documents, one Result packet each, and
// waits for the client's Ack after every one. Deliveries are re-checked
// against the session on the wire: a result queued for a client that left
// before onResult saw the session change is acknowledged and dropped, never
// handed to the next client.
func (s *Server) stream(ctx context.Context, conn net.Conn, sessionID string) error {
	log := observability.LoggerFromContext(ctx)
	seen := make(map[string]bool, queryCount)
	for len(seen) < queryCount {
		var d domain.Delivery
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d = <-s.results:
		}
		if d.SessionID() != sessionID {
			log.Warn("dropping result from a previous session", slog.String("result_session", d.SessionID()))
			if err := d.Ack(); err != nil {
				log.Error("ack failed", slog.Any("error", err))
			}
			continue
		}
		var doc protocol.ResultDoc
		if err := json.Unmarshal(d.Body, &doc); err != nil || doc.Query == "" {
			reject := d.Nack(false)
			log.Warn("malformed result document", slog.Any("error", err), slog.Any("nack_error", reject))
			continue
		}
		if seen[doc.Query] {
			if err := d.Ack(); err != nil {
				log.Error("ack failed", slog.Any("error", err))
			}
			continue
		}
		if err := protocol.Write(conn, protocol.Packet{Type: protocol.TypeResult, Payload: d.Body}); err != nil {
			return fmt.Errorf("forward %s: %w", doc.Query, err)
		}
		ack, err := protocol.Read(conn)
		if err != nil {
			return fmt.Errorf("await ack for %s: %w", doc.Query, err)
		}
		if ack.Type != protocol.TypeAck {
			return fmt.Errorf("%w: expected Ack for %s, got %d", domain.ErrBadPayload, doc.Query, ack.Type)
		}
		if err := d.Ack(); err != nil {
			log.Error("ack failed", slog.Any("error", err))
		}
		seen[doc.Query] = true
		observability.ResultsForwardedTotal.WithLabelValues(doc.Query).Inc()
		log.Info("result forwarded", slog.String("query", doc.Query))
	}
	return nil
}

func writeError(conn net.Conn, code uint32, msg string) {
	pkt := protocol.Packet{Type: protocol.TypeError, Payload: protocol.EncodeError(code, msg)}
	if err := protocol.Write(conn, pkt); err != nil {
		slog.Error("write error packet", slog.Any("error", err))
	}
}
