// Package outbox 持久化的出站消息队列。连接断开期间无法发送的消息按 FIFO 顺序保存，
// 重连后重发，确认发送后才删除。
package outbox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v3"
)

var ErrClosed = errors.New("outbox closed")

var (
	msgPrefix = []byte("msg:")
	seqKey    = []byte("seq:outbox")
)

// DefaultMaxLen 默认容量，超出后丢弃最早的消息
const DefaultMaxLen = 1000

// Item 一条待发消息
type Item struct {
	Seq     uint64
	Payload []byte
}

// Outbox 基于 BadgerDB 的有界 FIFO。path 为空时使用内存模式（不跨进程保留）。
type Outbox struct {
	mu     sync.Mutex
	db     *badger.DB
	seq    *badger.Sequence
	maxLen int
	count  int
	closed bool
}

// Open 打开或创建队列
func Open(path string, maxLen int) (*Outbox, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}
	seq, err := db.GetSequence(seqKey, 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("outbox sequence: %w", err)
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	o := &Outbox{db: db, seq: seq, maxLen: maxLen}
	if o.count, err = o.countKeys(); err != nil {
		seq.Release()
		db.Close()
		return nil, err
	}
	return o, nil
}

func key(seq uint64) []byte {
	k := make([]byte, len(msgPrefix)+8)
	copy(k, msgPrefix)
	binary.BigEndian.PutUint64(k[len(msgPrefix):], seq)
	return k
}

func seqOf(k []byte) uint64 {
	return binary.BigEndian.Uint64(k[len(msgPrefix):])
}

func (o *Outbox) countKeys() (int, error) {
	n := 0
	err := o.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = msgPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Push 追加一条消息，返回因超出容量被丢弃的最早消息条数。
func (o *Outbox) Push(payload []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0, ErrClosed
	}
	seq, err := o.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("outbox sequence: %w", err)
	}
	if err := o.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(seq), payload)
	}); err != nil {
		return 0, fmt.Errorf("outbox push: %w", err)
	}
	o.count++

	evicted := 0
	if over := o.count - o.maxLen; over > 0 {
		evicted, err = o.evictOldest(over)
		o.count -= evicted
		if err != nil {
			return evicted, fmt.Errorf("outbox evict: %w", err)
		}
	}
	return evicted, nil
}

func (o *Outbox) evictOldest(n int) (int, error) {
	var keys [][]byte
	err := o.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = msgPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid() && len(keys) < n; it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	err = o.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Pending 按入队顺序返回所有待发消息，不删除。
func (o *Outbox) Pending() ([]Item, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}
	items := make([]Item, 0, o.count)
	err := o.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = msgPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			items = append(items, Item{Seq: seqOf(item.Key()), Payload: val})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("outbox pending: %w", err)
	}
	return items, nil
}

// Remove 确认发送后删除。已被淘汰的消息重复删除不报错。
func (o *Outbox) Remove(seq uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	existed := false
	err := o.db.Update(func(txn *badger.Txn) error {
		k := key(seq)
		if _, err := txn.Get(k); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		existed = true
		return txn.Delete(k)
	})
	if err != nil {
		return fmt.Errorf("outbox remove: %w", err)
	}
	if existed {
		o.count--
	}
	return nil
}

// Len 当前待发消息数
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count
}

// Close 释放序列并关闭数据库
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	if err := o.seq.Release(); err != nil {
		o.db.Close()
		return err
	}
	return o.db.Close()
}
