package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// WorkerInfo is what an indexer worker publishes about itself.
type WorkerInfo struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Host      string            `json:"host"`
	Channels  []string          `json:"channels"`
	StartedAt time.Time         `json:"started_at"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// WorkerRegistry keeps a worker entry alive under /docindex/workers/{id}
// for as long as the process runs.
type WorkerRegistry struct {
	client  *Client
	key     string
	info    WorkerInfo
	logger  *zap.Logger
	leaseID clientv3.LeaseID
}

// NewWorkerRegistry creates a new worker registry
func NewWorkerRegistry(client *Client, prefix string, info WorkerInfo, logger *zap.Logger) *WorkerRegistry {
	if prefix == "" {
		prefix = "/docindex/workers/"
	}
	if info.Host == "" {
		info.Host, _ = os.Hostname()
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now().UTC()
	}
	return &WorkerRegistry{
		client: client,
		key:    prefix + info.ID,
		info:   info,
		logger: logger,
	}
}

// Register writes the worker entry bound to a lease and keeps the lease
// alive until ctx ends.
func (wr *WorkerRegistry) Register(ctx context.Context, ttl time.Duration) error {
	data, err := json.Marshal(wr.info)
	if err != nil {
		return fmt.Errorf("failed to marshal worker info: %w", err)
	}

	lease, err := wr.client.client.Grant(ctx, ttlSeconds(ttl))
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}
	wr.leaseID = lease.ID

	if _, err := wr.client.client.Put(ctx, wr.key, string(data), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}

	keepAlive, err := wr.client.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("failed to keep lease alive: %w", err)
	}

	go func() {
		for ka := range keepAlive {
			wr.logger.Debug("Worker lease kept alive",
				zap.String("worker_id", wr.info.ID),
				zap.Int64("lease_id", int64(ka.ID)),
			)
		}
	}()

	wr.logger.Info("Worker registered with etcd",
		zap.String("worker_id", wr.info.ID),
		zap.String("role", wr.info.Role),
		zap.String("key", wr.key),
	)
	return nil
}

// Deregister revokes the lease, which removes the entry.
func (wr *WorkerRegistry) Deregister() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if wr.leaseID != 0 {
		if _, err := wr.client.client.Revoke(ctx, wr.leaseID); err != nil {
			return fmt.Errorf("failed to revoke lease: %w", err)
		}
	} else if _, err := wr.client.client.Delete(ctx, wr.key); err != nil {
		return fmt.Errorf("failed to delete worker key: %w", err)
	}

	wr.logger.Info("Worker deregistered from etcd", zap.String("worker_id", wr.info.ID))
	return nil
}

// Workers lists the live worker entries under prefix.
func (c *Client) Workers(ctx context.Context, prefix string) ([]WorkerInfo, error) {
	if prefix == "" {
		prefix = "/docindex/workers/"
	}
	resp, err := c.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	workers := make([]WorkerInfo, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var info WorkerInfo
		if err := json.Unmarshal(kv.Value, &info); err != nil {
			c.logger.Warn("skip malformed worker entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		workers = append(workers, info)
	}
	return workers, nil
}
