// Package store 持久化订单记录：池内挂单、部分成交与已转发到交易场所的订单，
// 重启后据此恢复订单池与 magic 归属索引。
package store

import (
	"context"
	"sort"
	"sync"

	"order-bridge/order"
)

// OrderStore 订单记录存储。
// Save/Delete/List 针对订单池内的挂单记录；*Owner 针对已转发到交易场所的订单，
// 用于按 magic 找回订单归属（撤单、订单流查询）。
type OrderStore interface {
	Save(ctx context.Context, o *order.PendingOrder) error
	Delete(ctx context.Context, o *order.PendingOrder) error
	List(ctx context.Context) ([]order.PendingOrder, error)

	SaveOwner(ctx context.Context, o *order.PendingOrder) error
	DeleteOwner(ctx context.Context, o *order.PendingOrder) error
	ListOwners(ctx context.Context) ([]order.PendingOrder, error)
}

// MemoryStore 进程内存储，未配置 redis 时使用
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]order.PendingOrder
	owners  map[string]order.PendingOrder
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]order.PendingOrder),
		owners:  make(map[string]order.PendingOrder),
	}
}

func (s *MemoryStore) Save(ctx context.Context, o *order.PendingOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[o.ID] = *o
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, o *order.PendingOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, o.ID)
	return nil
}

// List 按创建时间排序
func (s *MemoryStore) List(ctx context.Context) ([]order.PendingOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]order.PendingOrder, 0, len(s.records))
	for _, o := range s.records {
		res = append(res, o)
	}
	sortByCreated(res)
	return res, nil
}

func (s *MemoryStore) SaveOwner(ctx context.Context, o *order.PendingOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[o.ID] = *o
	return nil
}

func (s *MemoryStore) DeleteOwner(ctx context.Context, o *order.PendingOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.owners, o.ID)
	return nil
}

func (s *MemoryStore) ListOwners(ctx context.Context) ([]order.PendingOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]order.PendingOrder, 0, len(s.owners))
	for _, o := range s.owners {
		res = append(res, o)
	}
	sortByCreated(res)
	return res, nil
}

func sortByCreated(orders []order.PendingOrder) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}
