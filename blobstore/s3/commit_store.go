package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hupe1980/genkv/blobstore"
)

// ErrConcurrentModification is returned when another writer committed the
// same CURRENT version first.
var ErrConcurrentModification = errors.New("concurrent modification detected")

// DDBClient is the subset of the DynamoDB API the commit store uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

var _ blobstore.Store = (*CommitStore)(nil)

// CommitStore is a Store whose CURRENT blob lives in DynamoDB. Every Put of
// CURRENT appends version n+1 with a conditional write, which S3 alone
// cannot do. All other blobs go to the wrapped Store.
//
// Table schema:
//   - Partition key: base_uri (string), the S3 bucket and prefix
//   - Sort key: version (number)
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name genkv-commits \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=base_uri,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type CommitStore struct {
	*Store
	ddb     DDBClient
	table   string
	baseURI string
}

// NewCommitStore wraps store. baseURI partitions the table, usually
// "s3://bucket/prefix".
func NewCommitStore(store *Store, ddb DDBClient, table, baseURI string) *CommitStore {
	return &CommitStore{
		Store:   store,
		ddb:     ddb,
		table:   table,
		baseURI: baseURI,
	}
}

// NewCommitStoreFromConfig creates both clients from the default AWS
// credential chain.
func NewCommitStoreFromConfig(ctx context.Context, bucket, rootPrefix, table string, optFns ...func(*config.LoadOptions) error) (*CommitStore, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	store := NewStore(s3.NewFromConfig(cfg), bucket, rootPrefix)
	uri := "s3://" + bucket + "/" + rootPrefix
	return NewCommitStore(store, dynamodb.NewFromConfig(cfg), table, uri), nil
}

// Open reads CURRENT from DynamoDB and everything else from S3.
func (s *CommitStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if name != blobstore.CurrentName {
		return s.Store.Open(ctx, name)
	}
	version, value, err := s.latest(ctx)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, blobstore.ErrNotFound
	}
	return blobstore.NewBytesBlob([]byte(value)), nil
}

// Put commits CURRENT as a new version and writes everything else to S3.
func (s *CommitStore) Put(ctx context.Context, name string, data []byte) error {
	if name != blobstore.CurrentName {
		return s.Store.Put(ctx, name, data)
	}
	version, _, err := s.latest(ctx)
	if err != nil {
		return err
	}
	_, err = s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"base_uri": &types.AttributeValueMemberS{Value: s.baseURI},
			"version":  &types.AttributeValueMemberN{Value: strconv.FormatUint(version+1, 10)},
			"value":    &types.AttributeValueMemberS{Value: string(data)},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var cond *types.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return ErrConcurrentModification
		}
		return fmt.Errorf("commit version %d: %w", version+1, err)
	}
	return nil
}

// latest returns the highest committed version and its value. Version 0
// means nothing was committed.
func (s *CommitStore) latest(ctx context.Context) (uint64, string, error) {
	resp, err := s.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: s.baseURI},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return 0, "", fmt.Errorf("query commits: %w", err)
	}
	if len(resp.Items) == 0 {
		return 0, "", nil
	}

	item := resp.Items[0]
	v, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, "", errors.New("invalid version attribute")
	}
	val, ok := item["value"].(*types.AttributeValueMemberS)
	if !ok {
		return 0, "", errors.New("invalid value attribute")
	}
	version, err := strconv.ParseUint(v.Value, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("parse version: %w", err)
	}
	return version, val.Value, nil
}
