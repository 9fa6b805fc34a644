package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/brewflow/internal/config"
	"github.com/fairyhunter13/brewflow/internal/domain"
	"github.com/fairyhunter13/brewflow/internal/observability"
	"github.com/fairyhunter13/brewflow/internal/protocol"
	"github.com/fairyhunter13/brewflow/internal/session"
)

type eventKind int

const (
	eventData eventKind = iota
	eventControl
	eventReference
)

type event struct {
	kind eventKind
	d    domain.Delivery
}

// Worker is one stage replica: it consumes the stage's upstream input and
// the intra-stage control exchange (plus an optional reference input),
// funnels everything into a single processing goroutine, and drives the
// operator, the session manager, and the output fan-out.
type Worker struct {
	cfg   config.WorkerConfig
	op    Operator
	refOp ReferenceOperator // nil unless the operator consumes references

	broker domain.Broker
	mgr    *session.Manager
	store  *session.Store
	em     *emitter

	dataCons domain.Consumer
	ctrlCons domain.Consumer
	ctrlPub  domain.Publisher
	refCons  domain.Consumer

	events chan event
	tracer trace.Tracer
}

// hooks bridges the session manager's lifecycle to the operator and the
// output fan-out. EndOfSession emits and flushes the operator's terminal
// outputs; the single downstream EOF is the leader's job once every
// replica's marker is collected.
type hooks struct{ w *Worker }

func (h hooks) StartOfSession(s *session.Session) { h.w.op.StartOfSession(s) }

func (h hooks) EndOfSession(s *session.Session) error {
	if err := h.w.op.EndOfSession(s, h.w.em); err != nil {
		return err
	}
	return h.w.em.flush()
}

// New wires a stage replica against the broker. The data queue is bound to
// FROM under the replica's own key and the broadcast key; the control queue
// joins the stage-private fanout exchange.
func New(cfg config.WorkerConfig, op Operator, broker domain.Broker) (*Worker, error) {
	w := &Worker{
		cfg:    cfg,
		op:     op,
		broker: broker,
		events: make(chan event, 64),
		tracer: otel.Tracer("brewflow/worker"),
	}
	if ro, ok := op.(ReferenceOperator); ok && cfg.Enricher != "" {
		w.refOp = ro
	}

	store, err := session.NewStore(filepath.Join(cfg.DataDir, cfg.WorkerID()), cfg.StageName, op.Handler(), cfg.SnapshotEvery)
	if err != nil {
		return nil, err
	}
	w.store = store
	w.mgr = session.NewManager(store, op.Handler(), hooks{w}, cfg.StageName, cfg.Replicas, cfg.IsLeader())

	outputs := make([]*output, 0, len(cfg.Outputs()))
	for _, spec := range cfg.Outputs() {
		pub, _, err := broker.Exchange(spec.Name, "direct", "", nil)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", spec.Name, err)
		}
		outputs = append(outputs, &output{spec: spec, pub: pub, buckets: make(map[string][]json.RawMessage)})
	}
	w.em = newEmitter(cfg.StageName, outputs, cfg.BufferSize)

	dataQueue := fmt.Sprintf("%s_%s", cfg.From, cfg.WorkerID())
	_, dataCons, err := broker.Exchange(cfg.From, "direct", dataQueue, []string{cfg.WorkerID(), BroadcastKey})
	if err != nil {
		return nil, fmt.Errorf("data input %s: %w", cfg.From, err)
	}
	w.dataCons = dataCons

	intra := "intra_" + cfg.StageName
	ctrlQueue := fmt.Sprintf("%s_%d", intra, cfg.ReplicaID)
	ctrlPub, ctrlCons, err := broker.Exchange(intra, "fanout", ctrlQueue, []string{cfg.WorkerID()})
	if err != nil {
		return nil, fmt.Errorf("control exchange %s: %w", intra, err)
	}
	w.ctrlPub = ctrlPub
	w.ctrlCons = ctrlCons

	if w.refOp != nil {
		refQueue := fmt.Sprintf("%s_%s", cfg.Enricher, cfg.WorkerID())
		_, refCons, err := broker.Exchange(cfg.Enricher, "direct", refQueue, []string{cfg.WorkerID(), BroadcastKey})
		if err != nil {
			return nil, fmt.Errorf("reference input %s: %w", cfg.Enricher, err)
		}
		w.refCons = refCons
	}
	return w, nil
}

// Run rehydrates persisted sessions and processes events until ctx is
// cancelled; it then persists in-flight sessions and closes the consumers.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.mgr.LoadSessions(); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	consume := func(c domain.Consumer, kind eventKind) {
		err := c.Consume(ctx, func(d domain.Delivery) {
			select {
			case w.events <- event{kind: kind, d: d}:
			case <-ctx.Done():
			}
		})
		if err != nil && ctx.Err() == nil {
			slog.Error("consumer stopped",
				slog.String("stage", w.cfg.StageName),
				slog.Any("error", err))
		}
	}
	go consume(w.dataCons, eventData)
	go consume(w.ctrlCons, eventControl)
	if w.refCons != nil {
		go consume(w.refCons, eventReference)
	}

	slog.Info("worker running",
		slog.String("stage", w.cfg.StageName),
		slog.String("module", w.cfg.ModuleName),
		slog.Int("replica", w.cfg.ReplicaID),
		slog.Int("replicas", w.cfg.Replicas))

	for {
		select {
		case <-ctx.Done():
			return w.shutdown()
		case ev := <-w.events:
			w.dispatch(ctx, ev)
		}
	}
}

func (w *Worker) shutdown() error {
	if err := w.mgr.SaveSessions(); err != nil {
		slog.Error("saving sessions on shutdown", slog.Any("error", err))
	}
	_ = w.dataCons.Close()
	_ = w.ctrlCons.Close()
	if w.refCons != nil {
		_ = w.refCons.Close()
	}
	_ = w.ctrlPub.Close()
	slog.Info("worker stopped", slog.String("stage", w.cfg.StageName))
	return nil
}

func (w *Worker) dispatch(ctx context.Context, ev event) {
	switch ev.kind {
	case eventData:
		w.onData(ctx, ev.d)
	case eventControl:
		w.onControl(ctx, ev.d)
	case eventReference:
		w.onReference(ctx, ev.d)
	}
}

// reject settles a poisoned message without requeue so it cannot cycle.
func reject(d domain.Delivery, reason string, err error) {
	slog.Warn("rejecting message", slog.String("reason", reason), slog.Any("error", err))
	if nackErr := d.Nack(false); nackErr != nil {
		slog.Error("nack failed", slog.Any("error", nackErr))
	}
}

func (w *Worker) onData(ctx context.Context, d domain.Delivery) {
	sessionID, msgID := d.SessionID(), d.MessageID()
	if sessionID == "" || msgID == "" {
		reject(d, "missing headers", domain.ErrBadPayload)
		return
	}
	start := time.Now()
	ctx, span := w.tracer.Start(ctx, "stage.process",
		trace.WithAttributes(
			attribute.String("stage", w.cfg.StageName),
			attribute.String("session_id", sessionID)))
	defer span.End()
	ctx = observability.ContextWithLogger(ctx, slog.With(slog.String("session_id", sessionID)))

	s := w.mgr.GetOrInit(sessionID)

	// An enricher parks main-stream data, unacked, until the reference
	// stream completes; the broker redelivers parked messages on crash.
	if w.refOp != nil && !w.refOp.ReferenceReady(s) {
		s.Diverted = append(s.Diverted, d)
		return
	}

	if s.IsDuplicate(msgID) {
		observability.DedupHitsTotal.WithLabelValues(w.cfg.StageName).Inc()
		if err := d.Ack(); err != nil {
			slog.Error("ack failed", slog.Any("error", err))
		}
		return
	}

	batch, err := protocol.DecodeBatch(d.Body)
	if err != nil {
		reject(d, "bad batch payload", err)
		return
	}
	observability.BatchesConsumedTotal.WithLabelValues(w.cfg.StageName).Inc()

	if batch.EOF {
		w.onDataEOF(ctx, d, s, msgID)
		return
	}

	w.em.bind(ctx, sessionID)
	if err := s.Apply(w.op.Handler(), session.SysMsg(msgID)); err != nil {
		reject(d, "apply sys_msg", err)
		return
	}
	if err := w.op.OnBatch(batch, s, w.em); err != nil {
		s.PendingOps = nil
		reject(d, "operator", err)
		return
	}
	// Outputs leave before the WAL commit: a crash in between redelivers
	// the input, and downstream dedup absorbs the replay.
	if err := w.em.flush(); err != nil {
		w.fail(d, "flush outputs", err)
		return
	}
	if err := w.mgr.CommitBatch(s, msgID); err != nil {
		w.fail(d, "wal commit", err)
		return
	}
	if err := d.Ack(); err != nil {
		slog.Error("ack failed", slog.Any("error", err))
	}
	observability.BatchProcessDuration.WithLabelValues(w.cfg.StageName).Observe(time.Since(start).Seconds())
}

// onDataEOF records the upstream end-of-stream, flushes this replica's
// terminal outputs, and only then announces the replica on the intra
// exchange. A marker on the wire certifies the outputs already left, so the
// leader's downstream EOF can never overtake a peer's flush.
func (w *Worker) onDataEOF(ctx context.Context, d domain.Delivery, s *session.Session, msgID string) {
	if err := s.Apply(w.op.Handler(), session.SysMsg(msgID)); err != nil {
		reject(d, "apply sys_msg", err)
		return
	}
	if !s.EOFCollected[w.cfg.ReplicaID] {
		w.em.bind(ctx, s.ID)
		if err := w.mgr.Finalize(s); err != nil {
			w.fail(d, "finalize session", err)
			return
		}
		if err := w.announce(ctx, s); err != nil {
			w.fail(d, "announce worker eof", err)
			return
		}
	}
	if err := w.mgr.CommitBatch(s, msgID); err != nil {
		w.fail(d, "wal commit", err)
		return
	}
	if err := d.Ack(); err != nil {
		slog.Error("ack failed", slog.Any("error", err))
	}
	w.maybeComplete(ctx, s)
}

// announce broadcasts WorkerEOF{me} to the stage and records it locally.
// The broadcast precedes the WAL commit: a replayed announce is idempotent,
// a lost one is not.
func (w *Worker) announce(ctx context.Context, s *session.Session) error {
	body, err := json.Marshal(domain.WorkerEOF{WorkerID: w.cfg.ReplicaID})
	if err != nil {
		return err
	}
	headers := map[string]string{
		domain.HeaderSessionID: s.ID,
		domain.HeaderMessageID: NewMessageID(),
	}
	if err := w.ctrlPub.Publish(ctx, body, "", headers); err != nil {
		return err
	}
	return s.Apply(w.op.Handler(), session.SysEOF(w.cfg.ReplicaID))
}

// onControl handles WorkerEOF markers from stage peers (including our own
// broadcast echoed by the fanout) and drives the session's completion.
func (w *Worker) onControl(ctx context.Context, d domain.Delivery) {
	sessionID, msgID := d.SessionID(), d.MessageID()
	if sessionID == "" || msgID == "" {
		reject(d, "missing headers", domain.ErrBadPayload)
		return
	}
	// Markers echoed by the fanout after the session retired must not
	// resurrect it.
	if w.mgr.Flushed(sessionID) {
		if err := d.Ack(); err != nil {
			slog.Error("ack failed", slog.Any("error", err))
		}
		return
	}
	ctx = observability.ContextWithLogger(ctx, slog.With(slog.String("session_id", sessionID)))
	s := w.mgr.GetOrInit(sessionID)
	if s.IsDuplicate(msgID) {
		observability.DedupHitsTotal.WithLabelValues(w.cfg.StageName).Inc()
		if err := d.Ack(); err != nil {
			slog.Error("ack failed", slog.Any("error", err))
		}
		return
	}
	var marker domain.WorkerEOF
	if err := json.Unmarshal(d.Body, &marker); err != nil {
		reject(d, "bad control payload", fmt.Errorf("%w: %v", domain.ErrBadPayload, err))
		return
	}

	if err := s.Apply(w.op.Handler(), session.SysMsg(msgID)); err != nil {
		reject(d, "apply sys_msg", err)
		return
	}
	if err := s.Apply(w.op.Handler(), session.SysEOF(marker.WorkerID)); err != nil {
		reject(d, "apply sys_eof", err)
		return
	}
	// A replica that learns end-of-stream from a peer's marker flushes its
	// own terminal outputs and relays its marker once, so the stage leader
	// eventually collects every replica.
	if !s.EOFCollected[w.cfg.ReplicaID] {
		w.em.bind(ctx, sessionID)
		if err := w.mgr.Finalize(s); err != nil {
			w.fail(d, "finalize session", err)
			return
		}
		if err := w.announce(ctx, s); err != nil {
			w.fail(d, "announce worker eof", err)
			return
		}
	}
	if err := w.mgr.CommitBatch(s, msgID); err != nil {
		w.fail(d, "wal commit", err)
		return
	}
	if err := d.Ack(); err != nil {
		slog.Error("ack failed", slog.Any("error", err))
	}
	w.maybeComplete(ctx, s)
}

// maybeComplete retires the session once the stage's EOF condition holds.
// The leader first emits the single downstream EOF; every collected marker
// implies that replica's outputs already left, so the EOF orders last.
func (w *Worker) maybeComplete(ctx context.Context, s *session.Session) {
	if !w.mgr.Flushable(s) {
		return
	}
	log := observability.LoggerFromContext(ctx)
	if w.cfg.IsLeader() {
		w.em.bind(ctx, s.ID)
		if err := w.em.emitEOF(); err != nil {
			// The session stays so the EOF can still go out later.
			log.Error("emit downstream eof", slog.Any("error", err))
			return
		}
	}
	if err := w.mgr.Retire(s); err != nil {
		log.Error("retire session", slog.Any("error", err))
	}
}

// onReference handles the enricher's second input: reference batches and
// their EOF. Once the reference is complete, parked main-stream deliveries
// drain through the data path.
func (w *Worker) onReference(ctx context.Context, d domain.Delivery) {
	sessionID, msgID := d.SessionID(), d.MessageID()
	if sessionID == "" || msgID == "" {
		reject(d, "missing headers", domain.ErrBadPayload)
		return
	}
	ctx = observability.ContextWithLogger(ctx, slog.With(slog.String("session_id", sessionID)))
	s := w.mgr.GetOrInit(sessionID)
	if s.IsDuplicate(msgID) {
		observability.DedupHitsTotal.WithLabelValues(w.cfg.StageName).Inc()
		if err := d.Ack(); err != nil {
			slog.Error("ack failed", slog.Any("error", err))
		}
		return
	}
	batch, err := protocol.DecodeBatch(d.Body)
	if err != nil {
		reject(d, "bad reference payload", err)
		return
	}
	if err := s.Apply(w.op.Handler(), session.SysMsg(msgID)); err != nil {
		reject(d, "apply sys_msg", err)
		return
	}
	if err := w.refOp.OnReferenceBatch(batch, s); err != nil {
		s.PendingOps = nil
		reject(d, "reference operator", err)
		return
	}
	if err := w.mgr.CommitBatch(s, msgID); err != nil {
		w.fail(d, "wal commit", err)
		return
	}
	if err := d.Ack(); err != nil {
		slog.Error("ack failed", slog.Any("error", err))
	}

	if w.refOp.ReferenceReady(s) && len(s.Diverted) > 0 {
		parked := s.Diverted
		s.Diverted = nil
		observability.LoggerFromContext(ctx).Info("reference complete, draining diverted batches",
			slog.Int("count", len(parked)))
		for _, pd := range parked {
			w.onData(ctx, pd)
		}
	}
}

// fail handles infrastructure errors (WAL, publish). Transport loss is left
// unacked for redelivery; anything else is rejected without requeue.
func (w *Worker) fail(d domain.Delivery, op string, err error) {
	if errors.Is(err, domain.ErrDisconnected) {
		slog.Error("broker transport lost", slog.String("op", op), slog.Any("error", err))
		return
	}
	reject(d, op, err)
}
