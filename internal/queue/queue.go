package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Status is the observable progress of one enqueued task.
type Status struct {
	ID    string
	Task  string
	State State
	Error string
}

// Handler runs one task. args carry whatever the producer enqueued.
type Handler func(ctx context.Context, args map[string]any) error

// Queue is the dispatch contract the pipeline depends on; the core
// never assumes a particular transport.
type Queue interface {
	Enqueue(task string, args map[string]any) (string, error)
	Status(id string) (Status, bool)
}

type task struct {
	id   string
	name string
	args map[string]any
}

// Pool is an in-process Queue backed by a fixed worker pool.
type Pool struct {
	log      *slog.Logger
	handlers map[string]Handler

	mu       sync.Mutex
	statuses map[string]*Status
	nextID   int

	tasks  chan task
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(log *slog.Logger, workers, buffer int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if buffer < workers {
		buffer = workers * 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		log:      log,
		handlers: map[string]Handler{},
		statuses: map[string]*Status{},
		tasks:    make(chan task, buffer),
		cancel:   cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	return p
}

// Register binds a handler to a task name. Must happen before any
// Enqueue for that name.
func (p *Pool) Register(name string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[name] = h
}

func (p *Pool) Enqueue(name string, args map[string]any) (string, error) {
	p.mu.Lock()
	if _, ok := p.handlers[name]; !ok {
		p.mu.Unlock()
		return "", fmt.Errorf("no handler registered for task %q", name)
	}
	p.nextID++
	id := fmt.Sprintf("task-%d", p.nextID)
	p.statuses[id] = &Status{ID: id, Task: name, State: StatePending}
	p.mu.Unlock()

	select {
	case p.tasks <- task{id: id, name: name, args: args}:
		return id, nil
	default:
		p.setState(id, StateFailed, "queue full")
		return "", fmt.Errorf("queue full")
	}
}

func (p *Pool) Status(id string) (Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.statuses[id]
	if !ok {
		return Status{}, false
	}
	return *s, true
}

func (p *Pool) setState(id string, state State, errMsg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.statuses[id]; ok {
		s.State = state
		s.Error = errMsg
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.tasks:
			p.mu.Lock()
			h := p.handlers[t.name]
			p.mu.Unlock()

			p.setState(t.id, StateRunning, "")
			if err := h(ctx, t.args); err != nil {
				p.setState(t.id, StateFailed, err.Error())
				if p.log != nil {
					p.log.Error("task failed", "task", t.name, "id", t.id, "error", err)
				}
				continue
			}
			p.setState(t.id, StateSucceeded, "")
		}
	}
}

// Close stops the workers. Queued but unstarted tasks are dropped.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
}
