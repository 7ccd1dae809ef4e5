package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/logging"
	"fleet-tracker/internal/telemetry"
)

const (
	EventsPrefix        = "fleet.events"
	NotificationsPrefix = "fleet.notifications"
	AuditSubject        = "fleet.audit"
	PositionsSubject    = "telemetry.positions.>"
	positionsPrefix     = "telemetry.positions."
)

type NATSPublisher struct {
	nc          *nats.Conn
	logSubjects bool
	metrics     PublisherMetrics
	logger      *slog.Logger
	sub         *nats.Subscription
	ingress     *ingress
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// PositionSubmitter receives telemetry decoded from the ingress subject.
type PositionSubmitter interface {
	SubmitPosition(ctx context.Context, r telemetry.Report) (telemetry.Result, error)
}

func NewNATSPublisher(url string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	logger := logging.Component("nats")
	nc, err := nats.Connect(url,
		nats.Name("fleet-tracker"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			logger.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, logSubjects: logSubjects, metrics: m, logger: logger}, nil
}

func (p *NATSPublisher) Close() {
	if p.sub != nil {
		_ = p.sub.Unsubscribe()
	}
	if p.ingress != nil {
		p.ingress.close()
	}
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// Subject returns the subject an event is published on.
func Subject(ev fleet.Event) string {
	switch ev.Kind {
	case fleet.EventNotification:
		return fmt.Sprintf("%s.%s", NotificationsPrefix, subjectToken(string(ev.Severity)))
	case fleet.EventAudit:
		return AuditSubject
	default:
		return fmt.Sprintf("%s.%s.%s", EventsPrefix, subjectToken(string(ev.Kind)), subjectToken(ev.TripID))
	}
}

// Publish sends ev as JSON on its subject.
func (p *NATSPublisher) Publish(_ context.Context, ev fleet.Event) error {
	subject := Subject(ev)
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if p.logSubjects {
		p.logger.Debug("nats publish", "subject", subject)
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

// PositionMessage is a telemetry report as sent by vehicle units and
// driver devices on telemetry.positions.<trip>.
type PositionMessage struct {
	TripID     string    `json:"tripId"`
	Timestamp  time.Time `json:"timestamp"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	SpeedKmh   float64   `json:"speedKmh"`
	Heading    float64   `json:"heading"`
	AccuracyM  float64   `json:"accuracyM"`
	Altitude   *float64  `json:"altitude,omitempty"`
	HDOP       *float64  `json:"hdop,omitempty"`
	Satellites *int      `json:"satellites,omitempty"`
	Source     string    `json:"source,omitempty"`
}

// decodePosition parses an ingress message. The trip falls back to the
// last subject token when the payload does not name it.
func decodePosition(subject string, data []byte) (telemetry.Report, error) {
	var msg PositionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return telemetry.Report{}, fmt.Errorf("decode position: %w", err)
	}
	if msg.TripID == "" {
		msg.TripID = strings.TrimPrefix(subject, positionsPrefix)
	}
	if msg.TripID == "" || msg.TripID == subject {
		return telemetry.Report{}, fmt.Errorf("position on %s names no trip", subject)
	}
	return telemetry.Report{
		TripID:     msg.TripID,
		Lat:        msg.Lat,
		Lon:        msg.Lon,
		SpeedKmh:   msg.SpeedKmh,
		Heading:    msg.Heading,
		AccuracyM:  msg.AccuracyM,
		Altitude:   msg.Altitude,
		HDOP:       msg.HDOP,
		Satellites: msg.Satellites,
		Source:     fleet.PositionSource(msg.Source),
		Timestamp:  msg.Timestamp,
	}, nil
}

// SubscribePositions feeds every report received on telemetry.positions.>
// into svc through workers goroutines. Reports of one trip are always
// handled by the same worker, in arrival order.
func (p *NATSPublisher) SubscribePositions(ctx context.Context, svc PositionSubmitter, workers int) error {
	in := newIngress(ctx, p.logger, svc, workers, ingressQueueDepth)
	sub, err := p.nc.Subscribe(PositionsSubject, func(m *nats.Msg) {
		in.dispatch(m.Subject, m.Data)
	})
	if err != nil {
		in.close()
		return fmt.Errorf("subscribe %s: %w", PositionsSubject, err)
	}
	p.sub, p.ingress = sub, in
	p.logger.Info("listening for telemetry", "subject", PositionsSubject, "workers", len(in.queues))
	return nil
}

const ingressQueueDepth = 256

// ingress fans decoded reports out to a fixed pool of workers, sharded by
// trip. A full queue blocks the subscription callback, leaving the backlog
// to the NATS client's pending limits.
type ingress struct {
	svc    PositionSubmitter
	logger *slog.Logger
	queues []chan telemetry.Report
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func newIngress(ctx context.Context, logger *slog.Logger, svc PositionSubmitter, workers, depth int) *ingress {
	workers = max(workers, 1)
	in := &ingress{
		svc:    svc,
		logger: logger,
		queues: make([]chan telemetry.Report, workers),
		done:   make(chan struct{}),
	}
	for i := range in.queues {
		q := make(chan telemetry.Report, depth)
		in.queues[i] = q
		in.wg.Add(1)
		go func() {
			defer in.wg.Done()
			for {
				select {
				case r := <-q:
					submitPosition(ctx, in.logger, in.svc, r)
				case <-in.done:
					return
				}
			}
		}()
	}
	return in
}

// dispatch decodes a message and queues it on its trip's worker.
func (in *ingress) dispatch(subject string, data []byte) {
	r, err := decodePosition(subject, data)
	if err != nil {
		logging.LogError(in.logger, "drop telemetry message", err, slog.String("subject", subject))
		return
	}
	select {
	case in.queues[in.shard(r.TripID)] <- r:
	case <-in.done:
	}
}

func (in *ingress) shard(tripID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tripID))
	return int(h.Sum32() % uint32(len(in.queues)))
}

// close stops the workers. Reports still queued are discarded.
func (in *ingress) close() {
	in.once.Do(func() { close(in.done) })
	in.wg.Wait()
}

func submitPosition(ctx context.Context, logger *slog.Logger, svc PositionSubmitter, r telemetry.Report) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := svc.SubmitPosition(ctx, r)
	switch {
	case err != nil:
		logger.Debug("position refused", "trip", r.TripID, "error", err)
	case !res.Valid:
		logger.Debug("position rejected", "trip", r.TripID, "reason", res.Reason)
	}
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
