// Package leader decides which instance runs cluster-wide singletons such as the risk monitor.
package leader

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Lease is held by at most one instance at a time.
type Lease interface {
	// TryAcquire reports whether the caller holds the lease after the call. It never blocks
	// waiting for another holder.
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// LocalLock arbitrates leases inside one process.
type LocalLock struct {
	mu     sync.Mutex
	holder *Local
}

func NewLocalLock() *LocalLock {
	return &LocalLock{}
}

func (l *LocalLock) Lease() *Local {
	return &Local{lock: l}
}

type Local struct {
	lock *LocalLock
}

func (l *Local) TryAcquire(context.Context) (bool, error) {
	l.lock.mu.Lock()
	defer l.lock.mu.Unlock()
	if l.lock.holder == nil {
		l.lock.holder = l
	}
	return l.lock.holder == l, nil
}

func (l *Local) Release(context.Context) error {
	l.lock.mu.Lock()
	defer l.lock.mu.Unlock()
	if l.lock.holder == l {
		l.lock.holder = nil
	}
	return nil
}

// Advisory is a Postgres session advisory lock. The lock lives as long as the pooled
// connection that took it, so a crashed holder frees it when its session ends.
type Advisory struct {
	pool *pgxpool.Pool
	key  int64

	mu   sync.Mutex
	conn *pgxpool.Conn
}

func NewAdvisory(pool *pgxpool.Pool, key int64) *Advisory {
	return &Advisory{pool: pool, key: key}
}

func (a *Advisory) TryAcquire(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		if err := a.conn.Ping(ctx); err == nil {
			return true, nil
		}
		// session gone, and the lock with it
		_ = a.conn.Conn().Close(ctx)
		a.conn.Release()
		a.conn = nil
	}

	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", a.key).Scan(&ok); err != nil {
		conn.Release()
		return false, err
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	a.conn = conn
	return true, nil
}

func (a *Advisory) Release(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	_, err := a.conn.Exec(ctx, "select pg_advisory_unlock($1)", a.key)
	a.conn.Release()
	a.conn = nil
	return err
}
