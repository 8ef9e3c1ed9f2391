package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/dlp"
)

// EmitterConfig tunes delivery.
type EmitterConfig struct {
	// QueueSize bounds the records waiting for the sink.
	QueueSize int `mapstructure:"queue_size"`

	// Retries is the number of extra delivery attempts per record.
	Retries int `mapstructure:"retries"`

	// Backoff is the wait before the first retry; later retries wait
	// proportionally longer.
	Backoff time.Duration `mapstructure:"backoff"`

	// WriteTimeout bounds a single sink write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DefaultEmitterConfig returns the delivery defaults.
func DefaultEmitterConfig() EmitterConfig {
	return EmitterConfig{
		QueueSize:    1024,
		Retries:      3,
		Backoff:      100 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}
}

// Stats are the emitter counters.
type Stats struct {
	Emitted    uint64 `json:"emitted"`
	Delivered  uint64 `json:"delivered"`
	Dropped    uint64 `json:"dropped"`
	SinkErrors uint64 `json:"sink_errors"`
	Queued     int    `json:"queued"`
}

// Emitter queues records and delivers them to a Sink from one worker
// goroutine. Emit never blocks the request path: when the queue is full the
// record is dropped and counted.
type Emitter struct {
	sink    Sink
	scanner *dlp.Scanner
	logger  *slog.Logger
	cfg     EmitterConfig

	queue chan []byte
	done  chan struct{}

	// mu guards closed against a send racing close(queue).
	mu     sync.RWMutex
	closed bool

	// ctx aborts retries once Close gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc

	emitted    atomic.Uint64
	delivered  atomic.Uint64
	dropped    atomic.Uint64
	sinkErrors atomic.Uint64
}

// NewEmitter starts the delivery worker. scanner may be nil.
func NewEmitter(sink Sink, cfg EmitterConfig, scanner *dlp.Scanner, logger *slog.Logger) *Emitter {
	def := DefaultEmitterConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Emitter{
		sink:    sink,
		scanner: scanner,
		logger:  logger,
		cfg:     cfg,
		queue:   make(chan []byte, cfg.QueueSize),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	go e.run()
	return e
}

// Emit redacts rec's arguments and queues it. It reports false when the
// record was dropped.
func (e *Emitter) Emit(rec *Record) bool {
	if rec == nil {
		return false
	}
	if rec.Args != nil {
		rec.Args, _ = e.scanner.RedactArguments(rec.Args)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		e.logger.Error("audit record not serializable", "id", rec.ID, "error", err)
		e.dropped.Add(1)
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.dropped.Add(1)
		return false
	}
	select {
	case e.queue <- data:
		e.emitted.Add(1)
		return true
	default:
		e.dropped.Add(1)
		e.logger.Warn("audit queue full, record dropped", "id", rec.ID, "code", rec.Code)
		return false
	}
}

// Stats returns a snapshot of the counters.
func (e *Emitter) Stats() Stats {
	return Stats{
		Emitted:    e.emitted.Load(),
		Delivered:  e.delivered.Load(),
		Dropped:    e.dropped.Load(),
		SinkErrors: e.sinkErrors.Load(),
		Queued:     len(e.queue),
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	for data := range e.queue {
		e.deliver(data)
	}
}

func (e *Emitter) deliver(data []byte) {
	var err error
	for attempt := 0; attempt <= e.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * e.cfg.Backoff):
			case <-e.ctx.Done():
				e.sinkErrors.Add(1)
				return
			}
		}
		ctx, cancel := context.WithTimeout(e.ctx, e.cfg.WriteTimeout)
		err = e.sink.Write(ctx, data)
		cancel()
		if err == nil {
			e.delivered.Add(1)
			return
		}
		e.logger.Debug("audit write failed", "attempt", attempt+1, "error", err)
	}
	e.sinkErrors.Add(1)
	e.logger.Error("audit record lost after retries", "attempts", e.cfg.Retries+1, "error", err)
}

// Close stops accepting records and waits for the queue to drain. When ctx
// expires first, pending retries are abandoned and ctx.Err() is returned.
// The sink is closed either way.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	var err error
	select {
	case <-e.done:
	case <-ctx.Done():
		err = ctx.Err()
		e.cancel()
		<-e.done
	}
	e.cancel()
	if cerr := e.sink.Close(); err == nil {
		err = cerr
	}
	return err
}
