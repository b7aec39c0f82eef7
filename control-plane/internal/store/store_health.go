package store

import (
	"context"
)

// PoolStats is a snapshot of the pgx connection pool.
type PoolStats struct {
	TotalConnections    int32 `json:"total_connections"`
	AcquiredConnections int32 `json:"acquired_connections"`
	IdleConnections     int32 `json:"idle_connections"`
	MaxConnections      int32 `json:"max_connections"`
}

// GetPoolStats returns connection pool statistics. No query is issued.
func (s *Store) GetPoolStats() PoolStats {
	stat := s.pool.Stat()
	return PoolStats{
		TotalConnections:    stat.TotalConns(),
		AcquiredConnections: stat.AcquiredConns(),
		IdleConnections:     stat.IdleConns(),
		MaxConnections:      stat.MaxConns(),
	}
}

// GetDatabaseSize returns the size of the current database in bytes.
func (s *Store) GetDatabaseSize(ctx context.Context) (int64, error) {
	var size int64
	err := s.pool.QueryRow(ctx, `SELECT pg_database_size(current_database())`).Scan(&size)
	return size, err
}
