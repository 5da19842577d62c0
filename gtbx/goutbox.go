package gtbx

import (
	"context"
	"errors"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Goutbox implements the Goutbox module.
type Goutbox struct {
	settings   Settings
	logger     Logger
	emitter    Emitter
	repository Repository
	clock      clockwork.Clock
	successCtr Counter
	errorCtr   Counter

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// opt allows optional configuration.
type opt func(o *Goutbox)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l Logger) opt {
	return func(o *Goutbox) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCounters allows clients to configure optional counters for delivered
// and failed records.
func WithCounters(success Counter, failure Counter) opt {
	return func(o *Goutbox) {
		if success != nil {
			o.successCtr = success
		}
		if failure != nil {
			o.errorCtr = failure
		}
	}
}

// WithClock replaces the wall clock used to stamp records and drive the
// dispatcher.
func WithClock(c clockwork.Clock) opt {
	return func(o *Goutbox) {
		if c != nil {
			o.clock = c
		}
	}
}

// New creates an instance of Goutbox using the provided settings, options,
// Repository and Emitter. The emitter is only mandatory when the dispatcher
// is enabled.
func New(s Settings, r Repository, e Emitter, options ...opt) *Goutbox {
	if isNil(r) {
		panic("you must provide a repository")
	}
	if s.EnableDispatcher && isNil(e) {
		panic("you must provide an emitter when the dispatcher is enabled")
	}
	if err := validateSettings(&s); err != nil {
		panic(err)
	}

	g := &Goutbox{
		settings:   s,
		logger:     &NopLogger{},
		emitter:    e,
		repository: r,
		clock:      clockwork.NewRealClock(),
		successCtr: &NopCounter{},
		errorCtr:   &NopCounter{},
	}
	for _, o := range options {
		o(g)
	}
	for _, a := range []any{e, r} {
		if isNil(a) {
			continue
		}
		if l, ok := a.(Loggable); ok {
			l.SetLogger(g.logger)
		}
	}
	return g
}

// Start launches the polling publisher dispatcher, if enabled, and returns
// immediately. The dispatcher stops when ctx is done.
func (gb *Goutbox) Start(ctx context.Context) error {
	if !gb.settings.EnableDispatcher {
		return errors.New("the dispatcher is not enabled")
	}
	gb.mu.Lock()
	defer gb.mu.Unlock()
	if gb.cancel != nil {
		return errors.New("the dispatcher is already running")
	}
	gb.logger.Debug("the polling publisher dispatcher is enabled")
	ctx, gb.cancel = context.WithCancel(ctx)
	gb.done = make(chan struct{})
	d := gb.newDispatcher()
	go func(done chan struct{}) {
		defer close(done)
		d.launchDispatcher(ctx)
	}(gb.done)
	return nil
}

// Stop stops the dispatcher and waits for the batch in progress, if any. It
// is a no-op when the dispatcher is not running.
func (gb *Goutbox) Stop() {
	gb.mu.Lock()
	cancel, done := gb.cancel, gb.done
	gb.cancel, gb.done = nil, nil
	gb.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Publish publishes a domain event reliably within a business transaction,
// utilizing the polling publisher variant of the Transactional Outbox pattern.
func (gb *Goutbox) Publish(ctx context.Context, o *Outbox) error {
	return gb.repository.Save(ctx, &OutboxRecord{
		Outbox:    *o,
		Id:        uuid.New(),
		CreatedAt: gb.clock.Now().UTC(),
	})
}

func (gb *Goutbox) newDispatcher() *dispatcher {
	return &dispatcher{
		id:         uuid.New(),
		settings:   gb.settings,
		logger:     gb.logger,
		emitter:    gb.emitter,
		repository: gb.repository,
		clock:      gb.clock,
		successCtr: gb.successCtr,
		errorCtr:   gb.errorCtr,
	}
}

func isNil(v any) bool {
	return v == nil || (reflect.ValueOf(v).Kind() == reflect.Ptr && reflect.ValueOf(v).IsNil())
}
