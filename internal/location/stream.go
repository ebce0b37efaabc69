package location

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/example/order-tracking/internal/geo"
	"github.com/example/order-tracking/internal/models"
)

var ErrNoPosition = errors.New("no position reported yet")

// StreamPositioner reads JSON samples, one per line, from a device bridge
// such as a GPS daemon pipe. Permission is granted when a source is set.
type StreamPositioner struct {
	src    io.Reader
	logger *slog.Logger

	mu      sync.Mutex
	last    *models.Sample
	started bool
	subs    map[chan models.Sample]struct{}
}

func NewStreamPositioner(src io.Reader, logger *slog.Logger) *StreamPositioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamPositioner{src: src, logger: logger, subs: make(map[chan models.Sample]struct{})}
}

func (p *StreamPositioner) RequestPermission(context.Context) (bool, error) {
	return p.src != nil, nil
}

func (p *StreamPositioner) Current(context.Context) (models.Sample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return models.Sample{}, ErrNoPosition
	}
	return *p.last, nil
}

// Watch returns a channel fed until ctx ends. The source is read once and
// shared between watchers.
func (p *StreamPositioner) Watch(ctx context.Context) (<-chan models.Sample, error) {
	if p.src == nil {
		return nil, ErrPermissionDenied
	}
	ch := make(chan models.Sample, 1)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	if !p.started {
		p.started = true
		go p.read()
	}
	p.mu.Unlock()
	go func() {
		<-ctx.Done()
		p.mu.Lock()
		delete(p.subs, ch)
		p.mu.Unlock()
	}()
	return ch, nil
}

func (p *StreamPositioner) read() {
	sc := bufio.NewScanner(p.src)
	for sc.Scan() {
		var s models.Sample
		if err := json.Unmarshal(sc.Bytes(), &s); err != nil || !geo.Valid(s.Location) {
			p.logger.Debug("position line skipped", "error", err)
			continue
		}
		p.mu.Lock()
		last := s
		p.last = &last
		for ch := range p.subs {
			// keep only the freshest reading for a slow watcher
			select {
			case ch <- s:
			default:
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- s:
				default:
				}
			}
		}
		p.mu.Unlock()
	}
	if err := sc.Err(); err != nil {
		p.logger.Warn("position source failed", "error", err)
	}
}
