package lddynamodb

import (
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/stretchr/testify/require"

	ld "gopkg.in/launchdarkly/go-server-sdk.v4"
	ldtest "gopkg.in/launchdarkly/go-server-sdk.v4/shared_test"
	"gopkg.in/launchdarkly/go-server-sdk.v4/utils"
)

// These tests require a local DynamoDB instance, such as the one launched by
// "docker run -p 8000:8000 amazon/dynamodb-local".

const (
	localDynamoEndpoint = "http://localhost:8000"
	testTableName       = "LD_DYNAMODB_TEST_TABLE"
)

func testClient(t *testing.T) *dynamodb.DynamoDB {
	sess, err := session.NewSession(&aws.Config{
		Credentials: credentials.NewStaticCredentials("dummy", "not", "used"),
		Endpoint:    aws.String(localDynamoEndpoint),
		Region:      aws.String("us-east-1"),
	})
	require.NoError(t, err)
	return dynamodb.New(sess)
}

func createTableIfNecessary(t *testing.T) {
	client := testClient(t)
	_, err := client.DescribeTable(&dynamodb.DescribeTableInput{TableName: aws.String(testTableName)})
	if err == nil {
		return
	}
	createParams := &dynamodb.CreateTableInput{
		TableName: aws.String(testTableName),
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{AttributeName: aws.String(tablePartitionKey), AttributeType: aws.String("S")},
			{AttributeName: aws.String(tableSortKey), AttributeType: aws.String("S")},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String(tablePartitionKey), KeyType: aws.String("HASH")},
			{AttributeName: aws.String(tableSortKey), KeyType: aws.String("RANGE")},
		},
		ProvisionedThroughput: &dynamodb.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(1),
			WriteCapacityUnits: aws.Int64(1),
		},
	}
	_, err = client.CreateTable(createParams)
	require.NoError(t, err)
	// When DynamoDB creates a table, it may not be ready to use immediately
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		tableInfo, err := client.DescribeTable(&dynamodb.DescribeTableInput{TableName: aws.String(testTableName)})
		if err == nil && *tableInfo.Table.TableStatus == dynamodb.TableStatusActive {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	require.FailNow(t, "timed out waiting for new table to be ready")
}

func clearTestData(t *testing.T) func() error {
	client := testClient(t)
	return func() error {
		var items []map[string]*dynamodb.AttributeValue
		err := client.ScanPages(&dynamodb.ScanInput{
			TableName:            aws.String(testTableName),
			ConsistentRead:       aws.Bool(true),
			ProjectionExpression: aws.String("#namespace, #key"),
			ExpressionAttributeNames: map[string]*string{
				"#namespace": aws.String(tablePartitionKey),
				"#key":       aws.String(tableSortKey),
			},
		}, func(out *dynamodb.ScanOutput, lastPage bool) bool {
			items = append(items, out.Items...)
			return !lastPage
		})
		if err != nil {
			return err
		}
		requests := make([]*dynamodb.WriteRequest, 0, len(items))
		for _, item := range items {
			requests = append(requests, &dynamodb.WriteRequest{
				DeleteRequest: &dynamodb.DeleteRequest{Key: item},
			})
		}
		return batchWriteRequests(client, testTableName, requests)
	}
}

func makeStoreWithCacheTTL(t *testing.T, ttl time.Duration, prefix string) (ld.FeatureStore, *dynamoDBFeatureStore) {
	// capture log output rather than polluting the test output
	config := ld.Config{Loggers: ldtest.NewMockLoggers().Loggers}
	core, err := newDynamoDBFeatureStoreInternal(featureStoreOptions{
		client:   testClient(t),
		table:    testTableName,
		prefix:   prefix,
		cacheTTL: ttl,
	}, config)
	require.NoError(t, err)
	return utils.NewFeatureStoreWrapper(core), core
}

func TestDynamoDBFeatureStoreUncached(t *testing.T) {
	createTableIfNecessary(t)
	ldtest.RunFeatureStoreTests(t, func() (ld.FeatureStore, error) {
		store, _ := makeStoreWithCacheTTL(t, 0, "")
		return store, nil
	}, clearTestData(t), false)
}

func TestDynamoDBFeatureStoreCached(t *testing.T) {
	createTableIfNecessary(t)
	ldtest.RunFeatureStoreTests(t, func() (ld.FeatureStore, error) {
		store, _ := makeStoreWithCacheTTL(t, 30*time.Second, "")
		return store, nil
	}, clearTestData(t), true)
}

func TestDynamoDBFeatureStorePrefixes(t *testing.T) {
	createTableIfNecessary(t)
	ldtest.RunFeatureStorePrefixIndependenceTests(t,
		func(prefix string) (ld.FeatureStore, error) {
			store, _ := makeStoreWithCacheTTL(t, 0, prefix)
			return store, nil
		}, clearTestData(t))
}

func TestDynamoDBFeatureStoreConcurrentModification(t *testing.T) {
	createTableIfNecessary(t)
	require.NoError(t, clearTestData(t)())
	store1, core1 := makeStoreWithCacheTTL(t, 0, "")
	store2, _ := makeStoreWithCacheTTL(t, 0, "")

	ldtest.RunFeatureStoreConcurrentModificationTests(t, store1, store2, func(hook func()) {
		core1.testUpdateHook = hook
	})
}
