package ldconsul

import (
	"testing"
	"time"

	c "github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/require"

	ld "gopkg.in/launchdarkly/go-server-sdk.v4"
	ldtest "gopkg.in/launchdarkly/go-server-sdk.v4/shared_test"
	"gopkg.in/launchdarkly/go-server-sdk.v4/utils"
)

// These tests require a local Consul agent on the default port.

func clearConsulData() error {
	client, err := c.NewClient(c.DefaultConfig())
	if err != nil {
		return err
	}
	_, err = client.KV().DeleteTree("", nil)
	return err
}

func testConfig() ld.Config {
	// capture log output rather than polluting the test output
	return ld.Config{Loggers: ldtest.NewMockLoggers().Loggers}
}

func makeConsulStoreWithCacheTTL(t *testing.T, ttl time.Duration) ld.FeatureStore {
	store, err := newConsulFeatureStoreInternal(featureStoreOptions{
		consulConfig: *c.DefaultConfig(),
		prefix:       DefaultPrefix,
		cacheTTL:     ttl,
	}, testConfig())
	require.NoError(t, err)
	return utils.NewFeatureStoreWrapper(store)
}

func TestConsulFeatureStoreUncached(t *testing.T) {
	ldtest.RunFeatureStoreTests(t, func() (ld.FeatureStore, error) {
		return makeConsulStoreWithCacheTTL(t, 0), nil
	}, clearConsulData, false)
}

func TestConsulFeatureStoreCached(t *testing.T) {
	ldtest.RunFeatureStoreTests(t, func() (ld.FeatureStore, error) {
		return makeConsulStoreWithCacheTTL(t, 30*time.Second), nil
	}, clearConsulData, true)
}

func TestConsulFeatureStorePrefixes(t *testing.T) {
	ldtest.RunFeatureStorePrefixIndependenceTests(t,
		func(prefix string) (ld.FeatureStore, error) {
			store, err := newConsulFeatureStoreInternal(featureStoreOptions{
				consulConfig: *c.DefaultConfig(),
				prefix:       prefix,
			}, testConfig())
			if err != nil {
				return nil, err
			}
			return utils.NewFeatureStoreWrapper(store), nil
		}, clearConsulData)
}

func TestConsulFeatureStoreConcurrentModification(t *testing.T) {
	core1, err := newConsulFeatureStoreInternal(featureStoreOptions{
		consulConfig: *c.DefaultConfig(),
		prefix:       DefaultPrefix,
	}, testConfig())
	require.NoError(t, err)
	store1 := utils.NewFeatureStoreWrapper(core1)
	store2 := makeConsulStoreWithCacheTTL(t, 0)

	ldtest.RunFeatureStoreConcurrentModificationTests(t, store1, store2, func(hook func()) {
		core1.testTxHook = hook
	})
}
