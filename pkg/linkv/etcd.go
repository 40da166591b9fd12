package linkv

import (
	"context"
	"fmt"
	"strconv"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ryandielhenn/zephyrmesh/pkg/message"
)

// NewEtcdClient dials an etcd cluster.
func NewEtcdClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// KV is the subset of the etcd client EtcdStore needs.
type KV interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Txn(ctx context.Context) clientv3.Txn
}

// EtcdStore is a Store on etcd. Values are decimal strings under
// prefix+key; conditional writes are single-key transactions.
type EtcdStore struct {
	kv     KV
	prefix string
}

func NewEtcdStore(kv KV, prefix string) *EtcdStore {
	return &EtcdStore{kv: kv, prefix: prefix}
}

func (s *EtcdStore) Read(ctx context.Context, key string) (int, error) {
	resp, err := s.kv.Get(ctx, s.prefix+key)
	if err != nil {
		return 0, &ServiceError{Code: message.CodeTemporarilyUnavailable, Text: err.Error()}
	}
	if len(resp.Kvs) == 0 {
		return 0, ErrKeyNotFound
	}
	v, err := strconv.Atoi(string(resp.Kvs[0].Value))
	if err != nil {
		return 0, fmt.Errorf("linkv: etcd value for %q: %w", key, err)
	}
	return v, nil
}

func (s *EtcdStore) CompareAndSwap(ctx context.Context, key string, from, to int) error {
	k := s.prefix + key
	resp, err := s.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(k), "=", strconv.Itoa(from))).
		Then(clientv3.OpPut(k, strconv.Itoa(to))).
		Else(clientv3.OpGet(k)).
		Commit()
	if err != nil {
		return &ServiceError{Code: message.CodeTemporarilyUnavailable, Text: err.Error()}
	}
	if resp.Succeeded {
		return nil
	}
	// the else branch tells a missing key apart from a changed value
	if len(resp.Responses) > 0 {
		if get := resp.Responses[0].GetResponseRange(); get != nil && len(get.Kvs) == 0 {
			return ErrKeyNotFound
		}
	}
	return ErrPreconditionFailed
}

func (s *EtcdStore) CreateIfAbsent(ctx context.Context, key string, value int) error {
	k := s.prefix + key
	resp, err := s.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, strconv.Itoa(value))).
		Commit()
	if err != nil {
		return &ServiceError{Code: message.CodeTemporarilyUnavailable, Text: err.Error()}
	}
	if !resp.Succeeded {
		return ErrPreconditionFailed
	}
	return nil
}
