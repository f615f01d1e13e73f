// Package ldconsul provides a Consul-backed persistent feature store.
//
// To use it, set the FeatureStoreFactory field in your SDK configuration:
//
//     factory, err := ldconsul.NewConsulFeatureStoreFactory()
//     if err != nil { ... }
//
//     config := ld.DefaultConfig
//     config.FeatureStoreFactory = factory
//     client, err := ld.MakeCustomClient("sdk-key", config, 5*time.Second)
//
// By default the store connects to a local Consul agent (localhost:8500); use the
// Address() or Config() options to point it elsewhere. All keys written by the store are
// namespaced under a prefix ("launchdarkly" unless overridden), so the same Consul
// cluster can hold unrelated data.
package ldconsul

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	c "github.com/hashicorp/consul/api"

	ld "gopkg.in/launchdarkly/go-server-sdk.v4"
	"gopkg.in/launchdarkly/go-server-sdk.v4/ldlog"
	"gopkg.in/launchdarkly/go-server-sdk.v4/utils"
)

// Data layout: each item is stored under "{prefix}/{namespace}/{item-key}", and the
// sentinel key "{prefix}/$inited" marks the store as containing a complete data set.
//
// Consul transactions are capped at 64 operations, so Init cannot replace the whole data
// set atomically. Rather than clearing everything first (which would expose readers to an
// empty store), Init writes the new items over the old ones in dependency order and then
// deletes whatever keys are left over. A concurrent Upsert from another process can still
// be overwritten by this, but that process will normally receive the same fresh data
// moments later anyway.

const (
	// DefaultCacheTTL is how long recently read or updated items are kept in the in-memory
	// cache, unless the CacheTTL option says otherwise.
	DefaultCacheTTL = 15 * time.Second
	// DefaultPrefix is prepended (with a slash) to every Consul key the store uses. It can
	// be changed with the Prefix option.
	DefaultPrefix = "launchdarkly"
)

const initedKey = "$inited"

type featureStoreOptions struct {
	consulConfig c.Config
	prefix       string
	cacheTTL     time.Duration
	logger       ld.Logger
}

// featureStore implements utils.FeatureStoreCore. It is not exported; the factory wraps
// it in a utils.FeatureStoreWrapper, which provides the caching layer.
type featureStore struct {
	options    featureStoreOptions
	client     *c.Client
	loggers    ldlog.Loggers
	testTxHook func() // test instrumentation, called between the version check and the CAS write
}

// FeatureStoreOption is the interface for optional configuration parameters that can be
// passed to NewConsulFeatureStoreFactory: Config, Address, Prefix, CacheTTL, and Logger.
type FeatureStoreOption interface {
	apply(opts *featureStoreOptions) error
}

type featureStoreOptionFunc func(opts *featureStoreOptions) error

func (f featureStoreOptionFunc) apply(opts *featureStoreOptions) error {
	return f(opts)
}

// Config sets the entire configuration for the Consul driver, replacing any Consul
// settings specified earlier in the option list.
//
//     factory, err := ldconsul.NewConsulFeatureStoreFactory(ldconsul.Config(myConsulConfig))
func Config(config c.Config) FeatureStoreOption {
	return featureStoreOptionFunc(func(opts *featureStoreOptions) error {
		opts.consulConfig = config
		return nil
	})
}

// Address sets the address of the Consul server. If placed after Config(), it modifies
// the configuration given there.
//
//     factory, err := ldconsul.NewConsulFeatureStoreFactory(ldconsul.Address("http://consulhost:8100"))
func Address(address string) FeatureStoreOption {
	return featureStoreOptionFunc(func(opts *featureStoreOptions) error {
		opts.consulConfig.Address = address
		return nil
	})
}

// Prefix sets the namespace prefix for all Consul keys used by the store. The default is
// DefaultPrefix.
//
//     factory, err := ldconsul.NewConsulFeatureStoreFactory(ldconsul.Prefix("ld-data"))
func Prefix(prefix string) FeatureStoreOption {
	return featureStoreOptionFunc(func(opts *featureStoreOptions) error {
		opts.prefix = prefix
		return nil
	})
}

// CacheTTL sets how long flag data is cached in memory to avoid rereading it from Consul.
// The default is DefaultCacheTTL; zero disables caching entirely.
//
//     factory, err := ldconsul.NewConsulFeatureStoreFactory(ldconsul.CacheTTL(30*time.Second))
func CacheTTL(ttl time.Duration) FeatureStoreOption {
	return featureStoreOptionFunc(func(opts *featureStoreOptions) error {
		opts.cacheTTL = ttl
		return nil
	})
}

// Logger sets a destination for log output. When the store is created through the SDK's
// FeatureStoreFactory mechanism it inherits the SDK's logging configuration, so this is
// only needed when constructing the store directly.
//
//     factory, err := ldconsul.NewConsulFeatureStoreFactory(ldconsul.Logger(myLogger))
func Logger(logger ld.Logger) FeatureStoreOption {
	return featureStoreOptionFunc(func(opts *featureStoreOptions) error {
		opts.logger = logger
		return nil
	})
}

// NewConsulFeatureStore creates a Consul-backed feature store with an optional in-memory
// cache, configured by any number of FeatureStoreOption values.
//
// Deprecated: Please use NewConsulFeatureStoreFactory instead.
func NewConsulFeatureStore(options ...FeatureStoreOption) (ld.FeatureStore, error) {
	factory, err := NewConsulFeatureStoreFactory(options...)
	if err != nil {
		return nil, err
	}
	return factory(ld.Config{})
}

// NewConsulFeatureStoreFactory returns a factory function for a Consul-backed feature
// store with an optional in-memory cache, configured by any number of FeatureStoreOption
// values.
//
// Assign the result to the FeatureStoreFactory field of your Config. The Consul client is
// not created until the SDK client is, which also lets the store share the SDK's logging
// configuration without a separate Logger option.
func NewConsulFeatureStoreFactory(options ...FeatureStoreOption) (ld.FeatureStoreFactory, error) {
	configuredOptions, err := validateOptions(options...)
	if err != nil {
		return nil, err
	}
	return func(ldConfig ld.Config) (ld.FeatureStore, error) {
		store, err := newConsulFeatureStoreInternal(configuredOptions, ldConfig)
		if err != nil {
			return nil, err
		}
		return utils.NewFeatureStoreWrapper(store), nil
	}, nil
}

func validateOptions(options ...FeatureStoreOption) (featureStoreOptions, error) {
	ret := featureStoreOptions{
		consulConfig: *c.DefaultConfig(),
		cacheTTL:     DefaultCacheTTL,
	}
	for _, o := range options {
		if err := o.apply(&ret); err != nil {
			return ret, err
		}
	}
	return ret, nil
}

func newConsulFeatureStoreInternal(configuredOptions featureStoreOptions, ldConfig ld.Config) (*featureStore, error) {
	store := &featureStore{
		options: configuredOptions,
		loggers: ldConfig.Loggers, // the Loggers struct is copied by value, so this one can be modified
	}
	store.loggers.SetBaseLogger(configuredOptions.logger) // no effect if the logger is nil
	store.loggers.SetPrefix("ConsulFeatureStore:")
	if store.options.prefix == "" {
		store.options.prefix = DefaultPrefix
	}

	store.loggers.Infof("Using config: %+v", store.options.consulConfig)

	client, err := c.NewClient(&store.options.consulConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to configure Consul client: %s", err)
	}
	store.client = client
	return store, nil
}

func (store *featureStore) GetCacheTTL() time.Duration {
	return store.options.cacheTTL
}

func (store *featureStore) GetInternal(kind ld.VersionedDataKind, key string) (ld.VersionedData, error) {
	item, _, err := store.readItem(kind, key)
	return item, err
}

func (store *featureStore) GetAllInternal(kind ld.VersionedDataKind) (map[string]ld.VersionedData, error) {
	results := make(map[string]ld.VersionedData)
	pairs, _, err := store.client.KV().List(store.kindKey(kind), nil)
	if err != nil {
		return results, fmt.Errorf("List failed for %s: %s", kind, err)
	}
	for _, pair := range pairs {
		item, jsonErr := utils.UnmarshalItem(kind, pair.Value)
		if jsonErr != nil {
			return nil, fmt.Errorf("unable to unmarshal %s: %s", kind, jsonErr)
		}
		results[item.GetKey()] = item
	}
	return results, nil
}

func (store *featureStore) InitInternal(allData map[ld.VersionedDataKind]map[string]ld.VersionedData) error {
	kv := store.client.KV()

	// Record the keys that exist now; anything not overwritten below gets deleted at the end.
	pairs, _, err := kv.List(store.options.prefix, nil)
	if err != nil {
		return fmt.Errorf("failed to get existing items prior to Init: %s", err)
	}
	staleKeys := make(map[string]bool)
	for _, p := range pairs {
		staleKeys[p.Key] = true
	}

	var ops []*c.KVTxnOp

	// Write in dependency order so that a reader who catches the store mid-init still sees
	// an internally consistent data set.
	for _, coll := range utils.TransformUnorderedDataToOrderedData(allData) {
		for _, item := range coll.Items {
			data, jsonErr := json.Marshal(item)
			if jsonErr != nil {
				return fmt.Errorf("failed to marshal %s key %s: %s", coll.Kind, item.GetKey(), jsonErr)
			}
			key := store.itemKey(coll.Kind, item.GetKey())
			ops = append(ops, &c.KVTxnOp{Verb: c.KVSet, Key: key, Value: data})
			delete(staleKeys, key)
		}
	}

	for key := range staleKeys {
		if key != store.initedStoreKey() {
			ops = append(ops, &c.KVTxnOp{Verb: c.KVDelete, Key: key})
		}
	}

	ops = append(ops, &c.KVTxnOp{Verb: c.KVSet, Key: store.initedStoreKey(), Value: []byte{}})

	// The batching is for efficiency, not atomicity; more than one transaction may be needed.
	return submitBatches(kv, ops)
}

func (store *featureStore) UpsertInternal(kind ld.VersionedDataKind, newItem ld.VersionedData) (bool, error) {
	data, jsonErr := json.Marshal(newItem)
	if jsonErr != nil {
		return false, fmt.Errorf("failed to marshal %s key %s: %s", kind, newItem.GetKey(), jsonErr)
	}
	key := newItem.GetKey()

	// Retries until either this write or a competing newer write wins.
	for {
		oldItem, modifyIndex, err := store.readItem(kind, key)
		if err != nil {
			return false, err
		}
		if oldItem != nil && oldItem.GetVersion() >= newItem.GetVersion() {
			return false, nil
		}

		if store.testTxHook != nil {
			store.testTxHook()
		}

		// The CAS write succeeds only if the key's ModifyIndex still matches what readItem
		// returned; an index of zero means the key must still not exist.
		written, _, err := store.client.KV().CAS(&c.KVPair{
			Key:         store.itemKey(kind, key),
			ModifyIndex: modifyIndex,
			Value:       data,
		}, nil)
		if err != nil {
			return false, err
		}
		if written {
			return true, nil
		}
		store.loggers.Debug("Concurrent modification detected, retrying")
	}
}

func (store *featureStore) InitializedInternal() bool {
	pair, _, err := store.client.KV().Get(store.initedStoreKey(), nil)
	return pair != nil && err == nil
}

// readItem fetches an item without filtering tombstones, along with the Consul
// ModifyIndex needed for a subsequent CAS write (zero if the key does not exist).
func (store *featureStore) readItem(kind ld.VersionedDataKind, key string) (ld.VersionedData, uint64, error) {
	pair, _, err := store.client.KV().Get(store.itemKey(kind, key), nil)
	if err != nil || pair == nil {
		return nil, 0, err
	}
	item, jsonErr := utils.UnmarshalItem(kind, pair.Value)
	if jsonErr != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal %s key %s: %s", kind, key, jsonErr)
	}
	return item, pair.ModifyIndex, nil
}

// submitBatches sends the operations in transactions of at most 64, the Consul limit.
func submitBatches(kv *c.KV, ops []*c.KVTxnOp) error {
	for len(ops) > 0 {
		n := len(ops)
		if n > 64 {
			n = 64
		}
		ok, resp, _, err := kv.Txn(ops[:n], nil)
		if err != nil {
			return err
		}
		if !ok {
			errs := make([]string, 0, len(resp.Errors))
			for _, te := range resp.Errors {
				errs = append(errs, te.What)
			}
			return fmt.Errorf("Consul transaction failed: %s", strings.Join(errs, ", "))
		}
		ops = ops[n:]
	}
	return nil
}

func (store *featureStore) kindKey(kind ld.VersionedDataKind) string {
	return store.options.prefix + "/" + kind.GetNamespace()
}

func (store *featureStore) itemKey(kind ld.VersionedDataKind, k string) string {
	return store.kindKey(kind) + "/" + k
}

func (store *featureStore) initedStoreKey() string {
	return store.options.prefix + "/" + initedKey
}
