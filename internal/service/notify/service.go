package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/domain"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/retry"
)

// Sink delivers a notification to one destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n domain.Notification) error
}

// Service fans notifications out to sinks from a bounded queue. Notify never
// blocks; a full queue drops the event. Each sink has its own worker and
// backlog, so a slow sink only delays its own deliveries.
type Service struct {
	workers  []*sinkWorker
	policy   retry.Policy
	logger   *slog.Logger
	queue    chan domain.Notification
	outcomes *prometheus.CounterVec

	mu     sync.RWMutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type sinkWorker struct {
	sink  Sink
	queue chan domain.Notification
}

// New starts the delivery workers.
func New(logger *slog.Logger, policy retry.Policy, queueSize int, reg prometheus.Registerer, sinks ...Sink) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		policy:   policy,
		logger:   logger.With("component", "notify"),
		queue:    make(chan domain.Notification, queueSize),
		outcomes: registerOutcomes(reg),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, sink := range sinks {
		s.workers = append(s.workers, &sinkWorker{sink: sink, queue: make(chan domain.Notification, queueSize)})
	}
	go s.run()
	return s
}

func registerOutcomes(reg prometheus.Registerer) *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "codeflow_notifications_total",
		Help: "Notification deliveries by sink and outcome.",
	}, []string{"sink", "outcome"})
	if reg == nil {
		return counter
	}
	if err := reg.Register(counter); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return counter
}

// Notify enqueues n for delivery.
func (s *Service) Notify(n domain.Notification) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- n:
	default:
		s.outcomes.WithLabelValues("queue", "dropped").Inc()
		s.logger.Warn("notification queue full, dropping event", "type", n.Type, "build_id", n.BuildID)
	}
}

// Close stops accepting events and drains the queue until ctx ends.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.cancel()
		<-s.done
		return ctx.Err()
	}
}

func (s *Service) run() {
	defer close(s.done)
	defer s.cancel()
	var wg sync.WaitGroup
	for _, w := range s.workers {
		wg.Add(1)
		go func(w *sinkWorker) {
			defer wg.Done()
			s.work(w)
		}(w)
	}
	for n := range s.queue {
		for _, w := range s.workers {
			select {
			case w.queue <- n:
			default:
				s.outcomes.WithLabelValues(w.sink.Name(), "dropped").Inc()
				s.logger.Warn("sink backlog full, dropping event", "sink", w.sink.Name(), "type", n.Type, "build_id", n.BuildID)
			}
		}
	}
	for _, w := range s.workers {
		close(w.queue)
	}
	wg.Wait()
}

func (s *Service) work(w *sinkWorker) {
	for n := range w.queue {
		s.deliver(w.sink, n)
	}
	if c, ok := w.sink.(interface{ Close() }); ok {
		c.Close()
	}
}

func (s *Service) deliver(sink Sink, n domain.Notification) {
	attempts, err := s.policy.Do(s.ctx, func(ctx context.Context) error {
		return sink.Deliver(ctx, n)
	})
	if err != nil {
		s.outcomes.WithLabelValues(sink.Name(), "failed").Inc()
		s.logger.Warn("notification delivery failed", "sink", sink.Name(), "type", n.Type, "build_id", n.BuildID, "attempts", attempts, "error", err)
		return
	}
	s.outcomes.WithLabelValues(sink.Name(), "delivered").Inc()
}
