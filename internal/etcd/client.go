package etcd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/aihub/docindex/internal/coordination"
	apperrors "github.com/aihub/docindex/internal/errors"
)

// Client wraps the etcd client and implements coordination.Backend and
// coordination.Watcher.
type Client struct {
	client *clientv3.Client
	logger *zap.Logger
}

// NewClient creates a new etcd client and checks the first endpoint.
func NewClient(endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (*Client, error) {
	if len(endpoints) == 0 {
		endpoints = []string{"http://localhost:2379"}
	}
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if _, err := client.Status(ctx, endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd connection test failed: %w", err)
	}

	logger.Info("etcd client initialized", zap.Strings("endpoints", endpoints))
	return &Client{client: client, logger: logger}, nil
}

// Acquire creates the key bound to a fresh etcd lease, only if the key does
// not exist yet.
func (c *Client) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (coordination.Grant, error) {
	lease, err := c.client.Grant(ctx, ttlSeconds(ttl))
	if err != nil {
		return coordination.Grant{}, apperrors.NewTransientStoreError("etcd", err)
	}

	resp, err := c.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, owner, clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		c.revoke(lease.ID)
		return coordination.Grant{}, apperrors.NewTransientStoreError("etcd", err)
	}
	if !resp.Succeeded {
		c.revoke(lease.ID)
		return coordination.Grant{}, apperrors.NewLeaseHeldError(key)
	}

	return coordination.Grant{
		Key:       key,
		Owner:     owner,
		Token:     formatLeaseID(lease.ID),
		ExpiresAt: time.Now().Add(time.Duration(lease.TTL) * time.Second),
	}, nil
}

// Renew sends a single keepalive for the grant's lease.
func (c *Client) Renew(ctx context.Context, g coordination.Grant, _ time.Duration) (coordination.Grant, error) {
	id, err := parseLeaseID(g.Token)
	if err != nil {
		return coordination.Grant{}, err
	}
	resp, err := c.client.KeepAliveOnce(ctx, id)
	if errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return coordination.Grant{}, coordination.ErrLeaseLost
	}
	if err != nil {
		return coordination.Grant{}, apperrors.NewTransientStoreError("etcd", err)
	}
	if resp.TTL <= 0 {
		return coordination.Grant{}, coordination.ErrLeaseLost
	}
	g.ExpiresAt = time.Now().Add(time.Duration(resp.TTL) * time.Second)
	return g, nil
}

// Release deletes the key if it still names this owner, then revokes the lease.
func (c *Client) Release(ctx context.Context, g coordination.Grant) error {
	_, err := c.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(g.Key), "=", g.Owner)).
		Then(clientv3.OpDelete(g.Key)).
		Commit()
	if err != nil {
		return apperrors.NewTransientStoreError("etcd", err)
	}
	if id, err := parseLeaseID(g.Token); err == nil {
		if _, err := c.client.Revoke(ctx, id); err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return apperrors.NewTransientStoreError("etcd", err)
		}
	}
	return nil
}

func (c *Client) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := c.client.Revoke(ctx, id); err != nil {
		c.logger.Debug("revoke unused etcd lease", zap.Int64("lease_id", int64(id)), zap.Error(err))
	}
}

// Put stores a key-value pair in etcd
func (c *Client) Put(ctx context.Context, key, value string) error {
	_, err := c.client.Put(ctx, key, value)
	return err
}

// Watch delivers the current value of key, then every PUT, until ctx ends.
func (c *Client) Watch(ctx context.Context, key string, fn func(value []byte)) error {
	resp, err := c.client.Get(ctx, key)
	if err != nil {
		return apperrors.NewTransientStoreError("etcd", err)
	}
	if len(resp.Kvs) > 0 {
		fn(resp.Kvs[0].Value)
	}

	watchChan := c.client.Watch(ctx, key, clientv3.WithRev(resp.Header.Revision+1))
	for watchResp := range watchChan {
		if err := watchResp.Err(); err != nil {
			return apperrors.NewTransientStoreError("etcd", err)
		}
		for _, event := range watchResp.Events {
			if event.Type == clientv3.EventTypePut {
				fn(event.Kv.Value)
			}
		}
	}
	return ctx.Err()
}

// Close closes the etcd client
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func ttlSeconds(ttl time.Duration) int64 {
	s := int64(math.Ceil(ttl.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

func formatLeaseID(id clientv3.LeaseID) string {
	return strconv.FormatInt(int64(id), 16)
}

func parseLeaseID(token string) (clientv3.LeaseID, error) {
	id, err := strconv.ParseInt(token, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid etcd lease token %q: %w", token, err)
	}
	return clientv3.LeaseID(id), nil
}
