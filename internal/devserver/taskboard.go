package devserver

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ricochet1k/ragstream/internal/domain"
	"github.com/ricochet1k/ragstream/pkg/protocol"
)

// TaskBoard owns the demo tasks. Every change is broadcast through the hub
// as a task_update frame.
type TaskBoard struct {
	hub  *Hub
	step time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]protocol.Task
}

func NewTaskBoard(hub *Hub, step time.Duration) *TaskBoard {
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskBoard{
		hub:    hub,
		step:   step,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]protocol.Task),
	}
}

// Create adds a pending task that moves to running and then completed, one
// step apart, unless it is cancelled first.
func (b *TaskBoard) Create(description string) protocol.Task {
	task := protocol.Task{
		ID:          uuid.NewString(),
		Description: description,
		Status:      string(domain.TaskStatusPending),
	}
	task = b.set(task)

	b.wg.Add(1)
	go b.progress(task.ID)
	return task
}

func (b *TaskBoard) progress(id string) {
	defer b.wg.Done()
	for _, next := range []domain.TaskStatus{domain.TaskStatusRunning, domain.TaskStatusCompleted} {
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(b.step):
		}
		if !b.advance(id, next) {
			return
		}
	}
}

// advance moves a live task to status. It reports false for unknown or
// finished tasks.
func (b *TaskBoard) advance(id string, status domain.TaskStatus) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	task, ok := b.tasks[id]
	if !ok || domain.TaskStatus(task.Status).IsTerminal() {
		return false
	}
	task.Status = string(status)
	b.setLocked(task)
	return true
}

func (b *TaskBoard) Cancel(id string) bool {
	return b.advance(id, domain.TaskStatusCancelled)
}

func (b *TaskBoard) Get(id string) (protocol.Task, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	task, ok := b.tasks[id]
	return task, ok
}

// List returns all tasks, oldest update first.
func (b *TaskBoard) List() []protocol.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]protocol.Task, 0, len(b.tasks))
	for _, task := range b.tasks {
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt == out[j].UpdatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt < out[j].UpdatedAt
	})
	return out
}

func (b *TaskBoard) Close() {
	b.cancel()
	b.wg.Wait()
}

func (b *TaskBoard) set(task protocol.Task) protocol.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.setLocked(task)
}

// setLocked broadcasts under the lock so clients see updates in board order.
func (b *TaskBoard) setLocked(task protocol.Task) protocol.Task {
	task.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	b.tasks[task.ID] = task
	b.hub.Broadcast(protocol.NewTaskUpdate(task))
	return task
}
