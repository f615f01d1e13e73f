// Package lddynamodb provides a DynamoDB-backed persistent feature store.
//
// To use it, set the FeatureStoreFactory field in your SDK configuration:
//
//     factory, err := lddynamodb.NewDynamoDBFeatureStoreFactory("my-table-name")
//     if err != nil { ... }
//
//     config := ld.DefaultConfig
//     config.FeatureStoreFactory = factory
//     client, err := ld.MakeCustomClient("sdk-key", config, 5*time.Second)
//
// The table must already exist, with a partition key named "namespace" and a sort key
// named "key" (both strings).
//
// Credentials and the AWS region come from the usual AWS environment variables and
// configuration files unless overridden. Use SessionOptions or ClientConfig to set these
// programmatically, or DynamoClient to supply a fully configured client. When several
// LaunchDarkly environments share one table, give each store a distinct Prefix.
package lddynamodb

// Storage model: every item, regardless of kind, lives in the same table. DynamoDB
// forbids certain attribute values (empty strings among them), so instead of mapping
// object properties to attributes, each item is serialized to JSON and stored whole in
// the "item" attribute; "version" is duplicated as a numeric attribute because the
// conditional write expression needs it. The 400KB DynamoDB item size limit therefore
// applies to each individual flag or segment.
//
// DynamoDB offers no multi-item transactions, so Init is not atomic with respect to a
// concurrent Upsert from another process. Init avoids a visible empty-store window by
// overwriting items in place and deleting leftovers afterward; an Upsert that lands in
// the middle may be overwritten, which is the same outcome as if it had arrived just
// before the Init, and the upserting process will normally repeat it shortly.

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"

	ld "gopkg.in/launchdarkly/go-server-sdk.v4"
	"gopkg.in/launchdarkly/go-server-sdk.v4/ldlog"
	"gopkg.in/launchdarkly/go-server-sdk.v4/utils"
)

// DefaultCacheTTL is how long recently read or updated items are kept in the in-memory
// cache, unless the CacheTTL option says otherwise.
const DefaultCacheTTL = 15 * time.Second

const (
	// Table schema
	tablePartitionKey = "namespace"
	tableSortKey      = "key"
	versionAttribute  = "version"
	itemJSONAttribute = "item"
)

type tableKey struct {
	namespace string
	key       string
}

type featureStoreOptions struct {
	client         dynamodbiface.DynamoDBAPI
	table          string
	prefix         string
	cacheTTL       time.Duration
	configs        []*aws.Config
	sessionOptions session.Options
	logger         ld.Logger
}

// dynamoDBFeatureStore implements utils.FeatureStoreCore. It is not exported; the factory
// wraps it in a utils.FeatureStoreWrapper, which provides the caching layer.
type dynamoDBFeatureStore struct {
	options        featureStoreOptions
	client         dynamodbiface.DynamoDBAPI
	loggers        ldlog.Loggers
	testUpdateHook func() // test instrumentation, called before the conditional write in UpsertInternal
}

// FeatureStoreOption is the interface for optional configuration parameters that can be
// passed to NewDynamoDBFeatureStoreFactory: Prefix, CacheTTL, ClientConfig, DynamoClient,
// SessionOptions, and Logger.
type FeatureStoreOption interface {
	apply(opts *featureStoreOptions) error
}

type featureStoreOptionFunc func(opts *featureStoreOptions) error

func (f featureStoreOptionFunc) apply(opts *featureStoreOptions) error {
	return f(opts)
}

// Prefix sets a string to be prepended (with a colon) to every partition key the store
// writes. There is no prefix by default.
//
//     factory, err := lddynamodb.NewDynamoDBFeatureStoreFactory(lddynamodb.Prefix("ld-data"))
func Prefix(prefix string) FeatureStoreOption {
	return featureStoreOptionFunc(func(opts *featureStoreOptions) error {
		opts.prefix = prefix
		return nil
	})
}

// CacheTTL sets how long recently read or updated items remain in an in-memory cache,
// reducing database traffic when the same flags are evaluated repeatedly. The default is
// DefaultCacheTTL; zero disables caching entirely.
//
//     factory, err := lddynamodb.NewDynamoDBFeatureStoreFactory("my-table-name",
//         lddynamodb.CacheTTL(30*time.Second))
func CacheTTL(ttl time.Duration) FeatureStoreOption {
	return featureStoreOptionFunc(func(opts *featureStoreOptions) error {
		opts.cacheTTL = ttl
		return nil
	})
}

// ClientConfig adds an AWS configuration object for the DynamoDB client, for customizing
// settings such as retry behavior.
func ClientConfig(config *aws.Config) FeatureStoreOption {
	return featureStoreOptionFunc(func(opts *featureStoreOptions) error {
		opts.configs = append(opts.configs, config)
		return nil
	})
}

// DynamoClient supplies an existing DynamoDB client instance, for customizations that the
// other options do not cover. When this option is present, SessionOptions and
// ClientConfig are ignored.
//
//     factory, err := lddynamodb.NewDynamoDBFeatureStoreFactory("my-table-name",
//         lddynamodb.DynamoClient(myDBClient))
func DynamoClient(client dynamodbiface.DynamoDBAPI) FeatureStoreOption {
	return featureStoreOptionFunc(func(opts *featureStoreOptions) error {
		opts.client = client
		return nil
	})
}

// SessionOptions supplies an AWS Session.Options object for creating the DynamoDB
// session, allowing properties such as the region to be set programmatically rather than
// through the environment.
//
//     factory, err := lddynamodb.NewDynamoDBFeatureStoreFactory("my-table-name",
//         lddynamodb.SessionOptions(myOptions))
func SessionOptions(options session.Options) FeatureStoreOption {
	return featureStoreOptionFunc(func(opts *featureStoreOptions) error {
		opts.sessionOptions = options
		return nil
	})
}

// Logger sets a destination for log output. When the store is created through the SDK's
// FeatureStoreFactory mechanism it inherits the SDK's logging configuration, so this is
// only needed when constructing the store directly.
//
//     factory, err := lddynamodb.NewDynamoDBFeatureStoreFactory("my-table-name",
//         lddynamodb.Logger(myLogger))
func Logger(logger ld.Logger) FeatureStoreOption {
	return featureStoreOptionFunc(func(opts *featureStoreOptions) error {
		opts.logger = logger
		return nil
	})
}

// NewDynamoDBFeatureStore creates a DynamoDB-backed feature store with an optional
// in-memory cache, configured by any number of FeatureStoreOption values.
//
// Deprecated: Please use NewDynamoDBFeatureStoreFactory.
func NewDynamoDBFeatureStore(table string, options ...FeatureStoreOption) (ld.FeatureStore, error) {
	factory, err := NewDynamoDBFeatureStoreFactory(table, options...)
	if err != nil {
		return nil, err
	}
	return factory(ld.Config{})
}

// NewDynamoDBFeatureStoreFactory returns a factory function for a DynamoDB-backed
// feature store with an optional in-memory cache, configured by any number of
// FeatureStoreOption values.
//
// Assign the result to the FeatureStoreFactory field of your Config. The DynamoDB client
// is not created until the SDK client is, which also lets the store share the SDK's
// logging configuration without a separate Logger option.
func NewDynamoDBFeatureStoreFactory(table string, options ...FeatureStoreOption) (ld.FeatureStoreFactory, error) {
	configuredOptions, err := validateOptions(table, options...)
	if err != nil {
		return nil, err
	}
	return func(ldConfig ld.Config) (ld.FeatureStore, error) {
		store, err := newDynamoDBFeatureStoreInternal(configuredOptions, ldConfig)
		if err != nil {
			return nil, err
		}
		return utils.NewFeatureStoreWrapper(store), nil
	}, nil
}

func validateOptions(table string, options ...FeatureStoreOption) (featureStoreOptions, error) {
	ret := featureStoreOptions{
		table:    table,
		cacheTTL: DefaultCacheTTL,
	}
	if table == "" {
		return ret, errors.New("table name is required")
	}
	for _, o := range options {
		if err := o.apply(&ret); err != nil {
			return ret, err
		}
	}
	return ret, nil
}

func newDynamoDBFeatureStoreInternal(configuredOptions featureStoreOptions, ldConfig ld.Config) (*dynamoDBFeatureStore, error) {
	store := dynamoDBFeatureStore{
		options: configuredOptions,
		client:  configuredOptions.client,
		loggers: ldConfig.Loggers, // the Loggers struct is copied by value, so this one can be modified
	}
	store.loggers.SetBaseLogger(configuredOptions.logger) // no effect if the logger is nil
	store.loggers.SetPrefix("DynamoDBFeatureStore:")
	store.loggers.Infof("Using DynamoDB table %s", configuredOptions.table)

	if store.client == nil {
		sess, err := session.NewSessionWithOptions(configuredOptions.sessionOptions)
		if err != nil {
			return nil, fmt.Errorf("unable to configure DynamoDB client: %s", err)
		}
		store.client = dynamodb.New(sess, configuredOptions.configs...)
	}
	return &store, nil
}

func (store *dynamoDBFeatureStore) GetCacheTTL() time.Duration {
	return store.options.cacheTTL
}

func (store *dynamoDBFeatureStore) InitInternal(allData map[ld.VersionedDataKind]map[string]ld.VersionedData) error {
	orderedData := utils.TransformUnorderedDataToOrderedData(allData)

	// Record the keys that exist now; anything not overwritten below gets deleted at the end.
	staleKeys, err := store.existingItemKeys(orderedData)
	if err != nil {
		return fmt.Errorf("failed to get existing items prior to Init: %s", err)
	}

	var requests []*dynamodb.WriteRequest
	numItems := 0

	// Write in dependency order so that a reader who catches the store mid-init still sees
	// an internally consistent data set.
	for _, coll := range orderedData {
		for _, item := range coll.Items {
			av, err := store.marshalItem(coll.Kind, item)
			if err != nil {
				return fmt.Errorf("failed to marshal %s key %s: %s", coll.Kind, item.GetKey(), err)
			}
			requests = append(requests, &dynamodb.WriteRequest{
				PutRequest: &dynamodb.PutRequest{Item: av},
			})
			delete(staleKeys, tableKey{namespace: store.namespaceForKind(coll.Kind), key: item.GetKey()})
			numItems++
		}
	}

	initedKey := store.initedKey()
	for k := range staleKeys {
		if k.namespace == initedKey {
			continue
		}
		requests = append(requests, &dynamodb.WriteRequest{
			DeleteRequest: &dynamodb.DeleteRequest{Key: map[string]*dynamodb.AttributeValue{
				tablePartitionKey: {S: aws.String(k.namespace)},
				tableSortKey:      {S: aws.String(k.key)},
			}},
		})
	}

	// The sentinel item checked by InitializedInternal goes in last.
	requests = append(requests, &dynamodb.WriteRequest{
		PutRequest: &dynamodb.PutRequest{Item: map[string]*dynamodb.AttributeValue{
			tablePartitionKey: {S: aws.String(initedKey)},
			tableSortKey:      {S: aws.String(initedKey)},
		}},
	})

	if err := batchWriteRequests(store.client, store.options.table, requests); err != nil {
		return fmt.Errorf("failed to write %d items(s) in batches: %s", len(requests), err)
	}

	store.loggers.Infof("Initialized table %q with %d item(s)", store.options.table, numItems)
	return nil
}

func (store *dynamoDBFeatureStore) InitializedInternal() bool {
	result, err := store.client.GetItem(&dynamodb.GetItemInput{
		TableName:      aws.String(store.options.table),
		ConsistentRead: aws.Bool(true),
		Key: map[string]*dynamodb.AttributeValue{
			tablePartitionKey: {S: aws.String(store.initedKey())},
			tableSortKey:      {S: aws.String(store.initedKey())},
		},
	})
	return err == nil && len(result.Item) != 0
}

func (store *dynamoDBFeatureStore) GetAllInternal(kind ld.VersionedDataKind) (map[string]ld.VersionedData, error) {
	results := make(map[string]ld.VersionedData)
	var decodeErr error
	err := store.client.QueryPages(store.queryForKind(kind),
		func(out *dynamodb.QueryOutput, lastPage bool) bool {
			for _, i := range out.Items {
				item, err := decodeItem(kind, i)
				if err != nil {
					decodeErr = err
					return false
				}
				results[item.GetKey()] = item
			}
			return !lastPage
		})
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %s", kind, decodeErr)
	}
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (store *dynamoDBFeatureStore) GetInternal(kind ld.VersionedDataKind, key string) (ld.VersionedData, error) {
	result, err := store.client.GetItem(&dynamodb.GetItemInput{
		TableName:      aws.String(store.options.table),
		ConsistentRead: aws.Bool(true),
		Key: map[string]*dynamodb.AttributeValue{
			tablePartitionKey: {S: aws.String(store.namespaceForKind(kind))},
			tableSortKey:      {S: aws.String(key)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s key %s: %s", kind, key, err)
	}
	if len(result.Item) == 0 {
		store.loggers.Debugf("Item not found (key=%s)", key)
		return nil, nil
	}
	item, err := decodeItem(kind, result.Item)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s key %s: %s", kind, key, err)
	}
	return item, nil
}

func (store *dynamoDBFeatureStore) UpsertInternal(kind ld.VersionedDataKind, item ld.VersionedData) (bool, error) {
	av, err := store.marshalItem(kind, item)
	if err != nil {
		return false, fmt.Errorf("failed to marshal %s key %s: %s", kind, item.GetKey(), err)
	}

	if store.testUpdateHook != nil {
		store.testUpdateHook()
	}

	// The write goes through only if the item does not exist yet or its stored version is
	// lower than the new one; there is no retry loop because losing the condition means a
	// newer version is already in place.
	_, err = store.client.PutItem(&dynamodb.PutItemInput{
		TableName: aws.String(store.options.table),
		Item:      av,
		ConditionExpression: aws.String(
			"attribute_not_exists(#namespace) or " +
				"attribute_not_exists(#key) or " +
				":version > #version",
		),
		ExpressionAttributeNames: map[string]*string{
			"#namespace": aws.String(tablePartitionKey),
			"#key":       aws.String(tableSortKey),
			"#version":   aws.String(versionAttribute),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":version": {N: aws.String(strconv.Itoa(item.GetVersion()))},
		},
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
			store.loggers.Debugf("Not updating item due to condition (namespace=%s key=%s version=%d)",
				kind.GetNamespace(), item.GetKey(), item.GetVersion())
			return false, nil
		}
		return false, fmt.Errorf("failed to put %s key %s: %s", kind, item.GetKey(), err)
	}
	return true, nil
}

func (store *dynamoDBFeatureStore) prefixedNamespace(baseNamespace string) string {
	if store.options.prefix == "" {
		return baseNamespace
	}
	return store.options.prefix + ":" + baseNamespace
}

func (store *dynamoDBFeatureStore) namespaceForKind(kind ld.VersionedDataKind) string {
	return store.prefixedNamespace(kind.GetNamespace())
}

func (store *dynamoDBFeatureStore) initedKey() string {
	return store.prefixedNamespace("$inited")
}

func (store *dynamoDBFeatureStore) queryForKind(kind ld.VersionedDataKind) *dynamodb.QueryInput {
	return &dynamodb.QueryInput{
		TableName:      aws.String(store.options.table),
		ConsistentRead: aws.Bool(true),
		KeyConditions: map[string]*dynamodb.Condition{
			tablePartitionKey: {
				ComparisonOperator: aws.String("EQ"),
				AttributeValueList: []*dynamodb.AttributeValue{
					{S: aws.String(store.namespaceForKind(kind))},
				},
			},
		},
	}
}

// existingItemKeys returns the keys currently stored for every kind present in newData,
// querying only the key attributes.
func (store *dynamoDBFeatureStore) existingItemKeys(newData []utils.StoreCollection) (map[tableKey]bool, error) {
	keys := make(map[tableKey]bool)
	for _, coll := range newData {
		query := store.queryForKind(coll.Kind)
		query.ProjectionExpression = aws.String("#namespace, #key")
		query.ExpressionAttributeNames = map[string]*string{
			"#namespace": aws.String(tablePartitionKey),
			"#key":       aws.String(tableSortKey),
		}
		err := store.client.QueryPages(query,
			func(out *dynamodb.QueryOutput, lastPage bool) bool {
				for _, i := range out.Items {
					keys[tableKey{namespace: *i[tablePartitionKey].S, key: *i[tableSortKey].S}] = true
				}
				return !lastPage
			})
		if err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// batchWriteRequests executes a list of write requests (PutItem or DeleteItem) in batches
// of 25, the BatchWriteItem maximum.
func batchWriteRequests(client dynamodbiface.DynamoDBAPI, table string, requests []*dynamodb.WriteRequest) error {
	for len(requests) > 0 {
		n := len(requests)
		if n > 25 {
			n = 25
		}
		_, err := client.BatchWriteItem(&dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]*dynamodb.WriteRequest{table: requests[:n]},
		})
		if err != nil {
			return err
		}
		requests = requests[n:]
	}
	return nil
}

func (store *dynamoDBFeatureStore) marshalItem(kind ld.VersionedDataKind, item ld.VersionedData) (map[string]*dynamodb.AttributeValue, error) {
	jsonItem, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	return map[string]*dynamodb.AttributeValue{
		tablePartitionKey: {S: aws.String(store.namespaceForKind(kind))},
		tableSortKey:      {S: aws.String(item.GetKey())},
		versionAttribute:  {N: aws.String(strconv.Itoa(item.GetVersion()))},
		itemJSONAttribute: {S: aws.String(string(jsonItem))},
	}, nil
}

func decodeItem(kind ld.VersionedDataKind, item map[string]*dynamodb.AttributeValue) (ld.VersionedData, error) {
	if itemAttr := item[itemJSONAttribute]; itemAttr != nil && itemAttr.S != nil {
		return utils.UnmarshalItem(kind, []byte(*itemAttr.S))
	}
	return nil, errors.New("DynamoDB map did not contain expected item string")
}
