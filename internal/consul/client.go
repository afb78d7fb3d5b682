package consul

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/consul/api"
	"go.uber.org/zap"

	"github.com/aihub/docindex/internal/coordination"
	apperrors "github.com/aihub/docindex/internal/errors"
)

// Consul rejects session TTLs outside this range.
const (
	minSessionTTL = 10 * time.Second
	maxSessionTTL = 24 * time.Hour
)

// Client wraps the Consul API client. Leases are Consul sessions with
// delete behavior, so an expired session removes the key it holds.
type Client struct {
	apiClient *api.Client
	logger    *zap.Logger
}

// NewClient creates a new Consul client
func NewClient(address string, logger *zap.Logger) (*Client, error) {
	config := api.DefaultConfig()
	if address != "" {
		config.Address = address
	}

	apiClient, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}

	// Test connection
	if _, err := apiClient.Status().Leader(); err != nil {
		return nil, fmt.Errorf("consul connection test failed: %w", err)
	}

	logger.Info("Consul client initialized", zap.String("address", config.Address))
	return &Client{apiClient: apiClient, logger: logger}, nil
}

// Acquire creates a session and takes the key with it.
func (c *Client) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (coordination.Grant, error) {
	wo := (&api.WriteOptions{}).WithContext(ctx)
	ttl = sessionTTL(ttl)

	sessionID, _, err := c.apiClient.Session().Create(&api.SessionEntry{
		Name:     owner,
		TTL:      ttl.String(),
		Behavior: api.SessionBehaviorDelete,
	}, wo)
	if err != nil {
		return coordination.Grant{}, apperrors.NewTransientStoreError("consul", err)
	}

	ok, _, err := c.apiClient.KV().Acquire(&api.KVPair{
		Key:     key,
		Value:   []byte(owner),
		Session: sessionID,
	}, wo)
	if err != nil || !ok {
		c.destroy(sessionID)
		if err != nil {
			return coordination.Grant{}, apperrors.NewTransientStoreError("consul", err)
		}
		return coordination.Grant{}, apperrors.NewLeaseHeldError(key)
	}

	return coordination.Grant{
		Key:       key,
		Owner:     owner,
		Token:     sessionID,
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

// Renew renews the session. A missing session means the lease is gone.
func (c *Client) Renew(ctx context.Context, g coordination.Grant, ttl time.Duration) (coordination.Grant, error) {
	entry, _, err := c.apiClient.Session().Renew(g.Token, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return coordination.Grant{}, apperrors.NewTransientStoreError("consul", err)
	}
	if entry == nil {
		return coordination.Grant{}, coordination.ErrLeaseLost
	}
	g.ExpiresAt = time.Now().Add(sessionTTL(ttl))
	return g, nil
}

// Release unlocks the key and destroys the session.
func (c *Client) Release(ctx context.Context, g coordination.Grant) error {
	wo := (&api.WriteOptions{}).WithContext(ctx)
	if _, _, err := c.apiClient.KV().Release(&api.KVPair{Key: g.Key, Session: g.Token}, wo); err != nil {
		return apperrors.NewTransientStoreError("consul", err)
	}
	if _, err := c.apiClient.Session().Destroy(g.Token, wo); err != nil {
		return apperrors.NewTransientStoreError("consul", err)
	}
	return nil
}

func (c *Client) destroy(sessionID string) {
	if _, err := c.apiClient.Session().Destroy(sessionID, nil); err != nil {
		c.logger.Debug("destroy unused consul session", zap.String("session", sessionID), zap.Error(err))
	}
}

// Put stores a value in Consul KV store
func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	_, err := c.apiClient.KV().Put(&api.KVPair{Key: key, Value: value}, (&api.WriteOptions{}).WithContext(ctx))
	return err
}

// Watch delivers the current value of key and every later change using
// blocking queries until ctx ends.
func (c *Client) Watch(ctx context.Context, key string, fn func(value []byte)) error {
	kv := c.apiClient.KV()
	lastIndex := uint64(0)

	for {
		opts := (&api.QueryOptions{WaitIndex: lastIndex, WaitTime: 10 * time.Second}).WithContext(ctx)
		pair, meta, err := kv.Get(key, opts)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.logger.Error("Error watching Consul key", zap.String("key", key), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
			continue
		}

		// index can go backwards after a snapshot restore
		if meta.LastIndex < lastIndex {
			lastIndex = 0
			continue
		}
		if meta.LastIndex > lastIndex {
			lastIndex = meta.LastIndex
			if pair != nil {
				fn(pair.Value)
			}
		}
	}
}

func sessionTTL(ttl time.Duration) time.Duration {
	if ttl < minSessionTTL {
		return minSessionTTL
	}
	if ttl > maxSessionTTL {
		return maxSessionTTL
	}
	return ttl.Truncate(time.Second)
}
