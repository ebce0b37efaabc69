// Package location streams the driver's position while they are online.
package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/order-tracking/internal/events"
	"github.com/example/order-tracking/internal/geo"
	"github.com/example/order-tracking/internal/models"
	"github.com/example/order-tracking/internal/observability"
)

var ErrPermissionDenied = errors.New("location permission denied")

const (
	DefaultMinInterval = 10 * time.Second
	DefaultMinDistance = 50.0
)

// Positioner is the device location service.
type Positioner interface {
	RequestPermission(ctx context.Context) (granted bool, err error)
	Current(ctx context.Context) (models.Sample, error)
	// Watch streams samples until ctx is cancelled.
	Watch(ctx context.Context) (<-chan models.Sample, error)
}

type Emitter interface {
	Emit(event string, payload any) error
}

// Sink receives a copy of every emitted sample.
type Sink interface {
	PublishSample(ctx context.Context, driverID int64, s models.Sample) error
}

// Status is published when the online state changes. Err explains a
// failed attempt to go online.
type Status struct {
	Online bool
	Err    error
}

type Option func(*Publisher)

// WithThresholds sets the gates a sample must pass, both of them, to be sent.
func WithThresholds(minInterval time.Duration, minDistanceM float64) Option {
	return func(p *Publisher) {
		p.minInterval = minInterval
		p.minDistance = minDistanceM
	}
}

// WithSink mirrors samples to s, keyed by the id driverID returns.
func WithSink(s Sink, driverID func() int64) Option {
	return func(p *Publisher) {
		p.sink = s
		p.driverID = driverID
	}
}

func WithLogger(l *slog.Logger) Option { return func(p *Publisher) { p.logger = l } }

type Publisher struct {
	pos         Positioner
	emit        Emitter
	sink        Sink
	driverID    func() int64
	minInterval time.Duration
	minDistance float64
	logger      *slog.Logger
	now         func() time.Time

	op sync.Mutex // serializes SetOnline

	mu        sync.Mutex
	online    bool
	gen       uint64
	cancel    context.CancelFunc
	lastKnown *models.Sample
	lastSent  *models.Sample

	feed events.Feed[Status]
}

func New(pos Positioner, emit Emitter, opts ...Option) *Publisher {
	p := &Publisher{
		pos:         pos,
		emit:        emit,
		minInterval: DefaultMinInterval,
		minDistance: DefaultMinDistance,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = p.logger.With("component", "location")
	return p
}

func (p *Publisher) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// LastSample is the most recent reading, sent or not.
func (p *Publisher) LastSample() (models.Sample, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastKnown == nil {
		return models.Sample{}, false
	}
	return *p.lastKnown, true
}

func (p *Publisher) Subscribe(fn func(Status)) (unsubscribe func()) {
	return p.feed.Subscribe(fn)
}

// SetOnline starts or stops streaming. Going online asks for permission
// first; a denial leaves the driver offline and returns ErrPermissionDenied.
// Once SetOnline(false) returns no further sample is sent.
func (p *Publisher) SetOnline(ctx context.Context, online bool) error {
	p.op.Lock()
	defer p.op.Unlock()
	if !online {
		p.goOffline()
		return nil
	}
	if p.Online() {
		return nil
	}

	granted, err := p.pos.RequestPermission(ctx)
	switch {
	case err != nil:
		err = fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case !granted:
		err = ErrPermissionDenied
	}
	if err != nil {
		p.logger.Warn("cannot go online", "error", err)
		p.feed.Publish(Status{Online: false, Err: err})
		return err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	samples, err := p.pos.Watch(watchCtx)
	if err != nil {
		cancel()
		err = fmt.Errorf("watch position: %w", err)
		p.logger.Warn("cannot go online", "error", err)
		p.feed.Publish(Status{Online: false, Err: err})
		return err
	}

	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.online = true
	p.cancel = cancel
	p.lastSent = nil
	p.mu.Unlock()
	p.logger.Info("driver online")
	p.feed.Publish(Status{Online: true})

	if first, err := p.pos.Current(ctx); err != nil {
		p.logger.Warn("initial position unavailable", "error", err)
	} else {
		p.offer(gen, first, true)
	}
	go p.run(watchCtx, gen, samples)
	return nil
}

func (p *Publisher) goOffline() {
	p.mu.Lock()
	if !p.online {
		p.mu.Unlock()
		return
	}
	p.online = false
	p.gen++
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.logger.Info("driver offline")
	p.feed.Publish(Status{Online: false})
}

func (p *Publisher) run(ctx context.Context, gen uint64, samples <-chan models.Sample) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-samples:
			if !ok {
				return
			}
			p.offer(gen, s, false)
		}
	}
}

// offer sends s when forced or when it is both old enough and far enough
// from the last sent sample. The lock is held across the emit so going
// offline cannot race a send.
func (p *Publisher) offer(gen uint64, s models.Sample, force bool) {
	if s.Timestamp.IsZero() {
		s.Timestamp = p.now()
	}
	p.mu.Lock()
	if !p.online || p.gen != gen {
		p.mu.Unlock()
		observability.LocationSamples.WithLabelValues("offline").Inc()
		return
	}
	if !geo.Valid(s.Location) {
		p.mu.Unlock()
		observability.LocationSamples.WithLabelValues("invalid").Inc()
		return
	}
	known := s
	p.lastKnown = &known
	if !force && p.lastSent != nil {
		if s.Timestamp.Sub(p.lastSent.Timestamp) < p.minInterval || geo.Distance(p.lastSent.Location, s.Location) < p.minDistance {
			p.mu.Unlock()
			observability.LocationSamples.WithLabelValues("throttled").Inc()
			return
		}
	}
	err := p.emit.Emit(events.UpdateLocation, s)
	if err == nil {
		sent := s
		p.lastSent = &sent
	}
	p.mu.Unlock()

	if err != nil {
		observability.LocationSamples.WithLabelValues("emit_failed").Inc()
		p.logger.Debug("location not sent", "error", err)
		return
	}
	observability.LocationSamples.WithLabelValues("sent").Inc()
	if p.sink != nil {
		var id int64
		if p.driverID != nil {
			id = p.driverID()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := p.sink.PublishSample(ctx, id, s); err != nil {
			p.logger.Warn("telemetry publish failed", "error", err)
		}
		cancel()
	}
}
