// Package dynamodb provides a DynamoDB-backed remote operation store.
package dynamodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/memvault/memvault/syncer"
)

// Client is the interface for DynamoDB operations.
type Client interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Store implements syncer.RemoteOpStore on a DynamoDB table.
//
// Table schema:
//   - Partition key: user_id (string)
//   - Sort key: op_key (string) - "<device_id>#<seq, zero-padded to 20>"
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name memvault-ops \
//	  --attribute-definitions AttributeName=user_id,AttributeType=S AttributeName=op_key,AttributeType=S \
//	  --key-schema AttributeName=user_id,KeyType=HASH AttributeName=op_key,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type Store struct {
	client    Client
	tableName string
}

// New creates a Store on an existing table.
func New(client Client, tableName string) *Store {
	return &Store{client: client, tableName: tableName}
}

// NewFromDefaultConfig creates a Store using the default AWS config chain.
func NewFromDefaultConfig(ctx context.Context, tableName string) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return New(dynamodb.NewFromConfig(cfg), tableName), nil
}

func opKey(deviceID string, seq uint64) string {
	return fmt.Sprintf("%s#%020d", deviceID, seq)
}

// Upload stores one operation. Re-uploading the same operation is a no-op.
func (s *Store) Upload(ctx context.Context, userID string, op *syncer.Operation) error {
	body, err := json.Marshal(op)
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"user_id":   &types.AttributeValueMemberS{Value: userID},
			"op_key":    &types.AttributeValueMemberS{Value: opKey(op.DeviceID, op.Seq)},
			"device_id": &types.AttributeValueMemberS{Value: op.DeviceID},
			"body":      &types.AttributeValueMemberB{Value: body},
		},
		ConditionExpression: aws.String("attribute_not_exists(op_key)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			// Already uploaded by an earlier attempt.
			return nil
		}
		return fmt.Errorf("failed to upload operation: %w", err)
	}
	return nil
}

// Download returns operations from other devices past the given cursors,
// ordered by (device id, seq). Cursor filtering happens client-side after a
// full partition query; a single user's op volume stays small.
func (s *Store) Download(ctx context.Context, userID, excludeDeviceID string, cursors map[string]uint64) ([]*syncer.Operation, error) {
	var ops []*syncer.Operation
	var startKey map[string]types.AttributeValue

	for {
		resp, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("user_id = :uid"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":uid": &types.AttributeValueMemberS{Value: userID},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query operations: %w", err)
		}

		for _, item := range resp.Items {
			bodyAttr, ok := item["body"].(*types.AttributeValueMemberB)
			if !ok {
				return nil, errors.New("invalid body attribute in DynamoDB")
			}
			var op syncer.Operation
			if err := json.Unmarshal(bodyAttr.Value, &op); err != nil {
				return nil, fmt.Errorf("failed to decode operation: %w", err)
			}
			if op.DeviceID == excludeDeviceID {
				continue
			}
			if op.Seq <= cursors[op.DeviceID] {
				continue
			}
			ops = append(ops, &op)
		}

		if resp.LastEvaluatedKey == nil {
			break
		}
		startKey = resp.LastEvaluatedKey
	}

	sort.Slice(ops, func(i, j int) bool {
		if ops[i].DeviceID != ops[j].DeviceID {
			return ops[i].DeviceID < ops[j].DeviceID
		}
		return ops[i].Seq < ops[j].Seq
	})
	return ops, nil
}
