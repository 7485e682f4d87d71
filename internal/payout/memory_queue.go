package payout

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/settlehub/internal/pagination"
)

// MemoryQueue is an in-memory Queue for demo/development mode.
type MemoryQueue struct {
	mu    sync.RWMutex
	byKey map[string]*Instruction
}

// NewMemoryQueue creates an empty in-memory payout queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{byKey: make(map[string]*Instruction)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, inst *Instruction) (bool, error) {
	if err := inst.Validate(); err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.byKey[inst.Key]; ok {
		*inst = *existing
		return false, nil
	}
	if inst.Status == "" {
		inst.Status = StatusQueued
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}
	cp := *inst
	q.byKey[inst.Key] = &cp
	return true, nil
}

func (q *MemoryQueue) GetByKey(_ context.Context, key string) (*Instruction, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	inst, ok := q.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (q *MemoryQueue) ListQueued(_ context.Context, after *pagination.Cursor, limit int) ([]*Instruction, error) {
	if limit <= 0 {
		limit = 100
	}
	q.mu.RLock()
	defer q.mu.RUnlock()

	var result []*Instruction
	for _, inst := range q.byKey {
		if inst.Status == StatusQueued && (after == nil || isAfter(inst, after)) {
			cp := *inst
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func isAfter(inst *Instruction, c *pagination.Cursor) bool {
	if inst.CreatedAt.Equal(c.CreatedAt) {
		return inst.ID > c.ID
	}
	return inst.CreatedAt.After(c.CreatedAt)
}
