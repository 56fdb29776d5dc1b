package store

import (
	"context"
	"database/sql"
	"sync"
)

// connPool is an explicit idle stack of *sql.Conn, translated from the
// original_source connection_pool.rs ConnectionPool/PooledConnection
// design (Arc<Mutex<Vec<Connection>>>, pop-or-open, Drop-returns-to-pool)
// into Go: a mutex-guarded slice plus a release closure standing in for
// Rust's Drop. There is no maximum size, per spec.
type connPool struct {
	db *sql.DB

	mu   sync.Mutex
	idle []*sql.Conn
}

func newConnPool(db *sql.DB) *connPool {
	return &connPool{db: db}
}

// pooledConn is a checked-out connection. Callers must call Release when
// done; Release returns the connection to the idle stack rather than
// closing it.
type pooledConn struct {
	conn *sql.Conn
	pool *connPool
}

func (p *connPool) get(ctx context.Context) (*pooledConn, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return &pooledConn{conn: c, pool: p}, nil
	}
	p.mu.Unlock()

	c, err := p.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &pooledConn{conn: c, pool: p}, nil
}

// Release returns the connection to the pool's idle stack for reuse. It
// never closes the underlying connection.
func (pc *pooledConn) Release() {
	pc.pool.mu.Lock()
	pc.pool.idle = append(pc.pool.idle, pc.conn)
	pc.pool.mu.Unlock()
}

// closeAll closes every idle connection, used during Store.Close.
func (p *connPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.idle {
		_ = c.Close()
	}
	p.idle = nil
}
