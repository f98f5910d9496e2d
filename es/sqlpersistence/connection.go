package sqlpersistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
)

// Querier runs bound statements. Engine operations use it for both the
// connection and the local transactions opened on it.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ Querier = (*sql.Conn)(nil)
	_ Querier = (*sql.Tx)(nil)
)

// Connection is a single dedicated database session.
// *sql.Conn implements it.
type Connection interface {
	Querier
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
}

var _ Connection = (*sql.Conn)(nil)

// ConnectionFactory yields a ready-to-use connection for a stream.
// Operations that are not scoped to one stream pass uuid.Nil.
// Pooling, if any, belongs to the factory.
type ConnectionFactory interface {
	Open(ctx context.Context, streamID uuid.UUID) (Connection, error)
}

// DBConnectionFactory hands out connections from a single *sql.DB pool.
type DBConnectionFactory struct {
	db *sql.DB
}

// NewDBConnectionFactory creates a factory over db.
func NewDBConnectionFactory(db *sql.DB) *DBConnectionFactory {
	return &DBConnectionFactory{db: db}
}

// Open implements ConnectionFactory.
func (f *DBConnectionFactory) Open(ctx context.Context, _ uuid.UUID) (Connection, error) {
	conn, err := f.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("open connection: %w", err)
	}
	return conn, nil
}

// ErrNoShards indicates a sharded factory was built without databases.
var ErrNoShards = errors.New("no shards configured")

// ShardedConnectionFactory spreads streams over several databases.
// All commits of a stream land on the same shard; uuid.Nil maps to shard 0.
type ShardedConnectionFactory struct {
	shards []*sql.DB
}

// NewShardedConnectionFactory creates a factory over shards.
func NewShardedConnectionFactory(shards ...*sql.DB) (*ShardedConnectionFactory, error) {
	if len(shards) == 0 {
		return nil, ErrNoShards
	}
	return &ShardedConnectionFactory{shards: shards}, nil
}

// Shard returns the shard index for streamID using FNV-1a hashing.
// Assignment is deterministic for a fixed number of shards.
func (f *ShardedConnectionFactory) Shard(streamID uuid.UUID) int {
	if streamID == uuid.Nil || len(f.shards) <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write(streamID[:])
	return int(h.Sum32() % uint32(len(f.shards)))
}

// Open implements ConnectionFactory.
func (f *ShardedConnectionFactory) Open(ctx context.Context, streamID uuid.UUID) (Connection, error) {
	shard := f.Shard(streamID)
	conn, err := f.shards[shard].Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("open connection to shard %d: %w", shard, err)
	}
	return conn, nil
}
