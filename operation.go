package sensordataexport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrOperationEnqueued is returned when an operation is added to a queue twice.
	ErrOperationEnqueued = errors.New("operation already enqueued")
	// ErrQueueClosed is returned by AddOperation after Close.
	ErrQueueClosed = errors.New("operation queue is closed")
)

// Observer is told when an operation starts and when it finishes. errs is empty on
// success.
type Observer interface {
	OperationDidStart(op Operation)
	OperationDidFinish(op Operation, errs []error)
}

// BlockObserver adapts functions to Observer. Either handler may be nil.
type BlockObserver struct {
	StartHandler  func(op Operation)
	FinishHandler func(op Operation, errs []error)
}

func (o BlockObserver) OperationDidStart(op Operation) {
	if o.StartHandler != nil {
		o.StartHandler(op)
	}
}

func (o BlockObserver) OperationDidFinish(op Operation, errs []error) {
	if o.FinishHandler != nil {
		o.FinishHandler(op, errs)
	}
}

// Operation is a unit of work run by an OperationQueue. Implementations embed
// OperationBase and provide Execute.
type Operation interface {
	// Execute does the work. Every error it encounters should be combined into
	// the returned error.
	Execute(ctx context.Context) error
	base() *OperationBase
}

// OperationBase carries the observers, dependencies and completion state shared by
// every operation.
type OperationBase struct {
	mu           sync.Mutex
	observers    []Observer
	dependencies []Operation
	enqueued     bool
	started      bool
	errs         []error
	done         chan struct{}
	doneOnce     sync.Once
}

func (b *OperationBase) base() *OperationBase {
	return b
}

func (b *OperationBase) doneCh() chan struct{} {
	b.doneOnce.Do(func() { b.done = make(chan struct{}) })
	return b.done
}

// AddObserver registers o. An observer added after the operation started only
// receives the finish notification.
func (b *OperationBase) AddObserver(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

// AddDependency makes this operation wait until dep has finished. A dependency that
// is never enqueued blocks the operation until its queue is closed. Dependencies
// added once the operation has started are ignored.
func (b *OperationBase) AddDependency(dep Operation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.dependencies = append(b.dependencies, dep)
}

// Done is closed once the operation finished and every observer has run.
func (b *OperationBase) Done() <-chan struct{} {
	return b.doneCh()
}

// Errors returns the errors the operation finished with. Only meaningful after Done.
func (b *OperationBase) Errors() []error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]error(nil), b.errs...)
}

func (b *OperationBase) currentObservers() []Observer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Observer(nil), b.observers...)
}

// nextDependency returns the dependency at index i, or marks the operation started
// when every dependency has been waited on.
func (b *OperationBase) nextDependency(i int) (Operation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < len(b.dependencies) {
		return b.dependencies[i], true
	}
	b.started = true
	return nil, false
}

// OperationQueue runs operations asynchronously with bounded concurrency.
type OperationQueue struct {
	logger logging.Logger
	sem    *semaphore.Weighted

	closedLock sync.RWMutex
	closed     bool
	wg         sync.WaitGroup

	cancelCtx  context.Context
	cancelFunc func()
}

// NewOperationQueue returns a queue running at most maxConcurrent operations at
// once. Values below 1 mean 1.
func NewOperationQueue(maxConcurrent int64, logger logging.Logger) *OperationQueue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	return &OperationQueue{
		logger:     logger,
		sem:        semaphore.NewWeighted(maxConcurrent),
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
}

// AddOperation schedules op. It returns immediately; completion is reported to the
// operation's observers.
func (q *OperationQueue) AddOperation(op Operation) error {
	b := op.base()
	b.mu.Lock()
	if b.enqueued {
		b.mu.Unlock()
		return ErrOperationEnqueued
	}
	b.enqueued = true
	b.mu.Unlock()
	b.doneCh()

	q.closedLock.RLock()
	defer q.closedLock.RUnlock()
	if q.closed {
		b.mu.Lock()
		b.enqueued = false
		b.mu.Unlock()
		return ErrQueueClosed
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.run(op)
	}()
	return nil
}

func (q *OperationQueue) run(op Operation) {
	ctx := q.cancelCtx
	b := op.base()

	err := q.waitForDependencies(ctx, b)
	if err == nil {
		err = q.sem.Acquire(ctx, 1)
		if err == nil {
			for _, o := range b.currentObservers() {
				o.OperationDidStart(op)
			}
			err = safeExecute(ctx, op, q.logger)
			q.sem.Release(1)
		}
	}

	errs := multierr.Errors(err)
	b.mu.Lock()
	b.errs = errs
	b.mu.Unlock()

	if len(errs) > 0 {
		q.logger.Warnf("operation %T finished with %d error(s): %v", op, len(errs), err)
	}
	// observers run before Done closes so Wait implies every observer ran
	for _, o := range b.currentObservers() {
		o.OperationDidFinish(op, errs)
	}
	close(b.doneCh())
}

// waitForDependencies re-reads the dependency list after each wait so dependencies
// added while blocked are honored.
func (q *OperationQueue) waitForDependencies(ctx context.Context, b *OperationBase) error {
	for i := 0; ; i++ {
		dep, ok := b.nextDependency(i)
		if !ok {
			return nil
		}
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.started = true
			b.mu.Unlock()
			return ctx.Err()
		case <-dep.base().doneCh():
		}
	}
}

// safeExecute runs op, converting a panic into an error.
func safeExecute(ctx context.Context, op Operation, logger logging.Logger) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			logger.Errorf("operation %T panicked: %v", op, rec)
		}
	}()
	return op.Execute(ctx)
}

// Wait blocks until every operation added so far has finished.
func (q *OperationQueue) Wait() {
	q.wg.Wait()
}

// Close stops accepting operations, cancels the context of every outstanding
// operation and waits for them to finish.
func (q *OperationQueue) Close() {
	q.closedLock.Lock()
	q.closed = true
	q.closedLock.Unlock()
	q.cancelFunc()
	q.wg.Wait()
}
