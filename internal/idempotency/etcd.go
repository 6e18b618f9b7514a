package idempotency

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdLedger claims keys with a transaction that only writes when the key has never
// been created.
type EtcdLedger struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdLedger connects to the given endpoints.
func NewEtcdLedger(endpoints []string, logger *zap.Logger) (*EtcdLedger, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: etcd: %v", ErrBackendUnavailable, err)
	}
	return &EtcdLedger{client: client, prefix: "/" + keyPrefix}, nil
}

func (l *EtcdLedger) Claim(ctx context.Context, key Key) (bool, error) {
	k := l.prefix + key.String()
	resp, err := l.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, time.Now().UTC().Format(time.RFC3339Nano))).
		Commit()
	if err != nil {
		return false, fmt.Errorf("%w: claim %s: %v", ErrBackendUnavailable, key, err)
	}
	return resp.Succeeded, nil
}

func (l *EtcdLedger) Release(ctx context.Context, key Key) error {
	if _, err := l.client.Delete(ctx, l.prefix+key.String()); err != nil {
		return fmt.Errorf("%w: release %s: %v", ErrBackendUnavailable, key, err)
	}
	return nil
}

func (l *EtcdLedger) Close() error {
	return l.client.Close()
}
