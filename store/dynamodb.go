package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sicko7947/actionflow"
)

// DynamoDBClient is the subset of *dynamodb.Client the ledger calls
type DynamoDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	// TransactWriteItems guards status transitions with a condition check
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

var _ DynamoDBClient = (*dynamodb.Client)(nil)

// DynamoDBLedger implements actionflow.ExecutionLedger using AWS DynamoDB
type DynamoDBLedger struct {
	client    DynamoDBClient
	tableName string
	recordTTL time.Duration
}

// DynamoDBLedgerOption configures a DynamoDBLedger
type DynamoDBLedgerOption func(*DynamoDBLedger)

// WithRecordTTL sets the DynamoDB TTL applied to new ledger records
func WithRecordTTL(ttl time.Duration) DynamoDBLedgerOption {
	return func(l *DynamoDBLedger) {
		l.recordTTL = ttl
	}
}

// NewDynamoDBLedger creates a new DynamoDB-backed execution ledger
func NewDynamoDBLedger(client DynamoDBClient, tableName string, opts ...DynamoDBLedgerOption) *DynamoDBLedger {
	l := &DynamoDBLedger{
		client:    client,
		tableName: tableName,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var _ actionflow.ExecutionLedger = (*DynamoDBLedger)(nil)

func (l *DynamoDBLedger) marshalExecution(exec *actionflow.WorkflowExecution) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(exec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow execution: %w", err)
	}

	createdAt := exec.CreatedAt.UTC().Format(time.RFC3339Nano)

	item[AttrPK] = &types.AttributeValueMemberS{Value: executionPK(exec.ID)}
	item[AttrSK] = &types.AttributeValueMemberS{Value: executionSK()}
	item[AttrEntityType] = &types.AttributeValueMemberS{Value: EntityTypeExecution}

	if exec.UserID != "" {
		item[AttrGSI1PK] = &types.AttributeValueMemberS{Value: executionGSI1PK(exec.UserID)}
		item[AttrGSI1SK] = &types.AttributeValueMemberS{Value: executionGSISK(createdAt)}
	}
	if exec.WorkflowID != "" {
		item[AttrGSI2PK] = &types.AttributeValueMemberS{Value: executionGSI2PK(exec.WorkflowID)}
		item[AttrGSI2SK] = &types.AttributeValueMemberS{Value: executionGSISK(createdAt)}
	}

	return item, nil
}

func (l *DynamoDBLedger) CreateExecution(ctx context.Context, exec *actionflow.WorkflowExecution) error {
	if l.recordTTL > 0 && exec.TTL == 0 {
		exec.TTL = time.Now().Add(l.recordTTL).Unix()
	}

	item, err := l.marshalExecution(exec)
	if err != nil {
		return err
	}

	_, err = l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("execution %s: %w", exec.ID, actionflow.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create workflow execution: %w", err)
	}

	return nil
}

func (l *DynamoDBLedger) GetExecution(ctx context.Context, id string) (*actionflow.WorkflowExecution, error) {
	result, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(l.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: executionPK(id)},
			AttrSK: &types.AttributeValueMemberS{Value: executionSK()},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow execution: %w", err)
	}

	if result.Item == nil {
		return nil, fmt.Errorf("execution %s: %w", id, actionflow.ErrNotFound)
	}

	var exec actionflow.WorkflowExecution
	if err := attributevalue.UnmarshalMap(result.Item, &exec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow execution: %w", err)
	}

	return &exec, nil
}

// UpdateExecution replaces the record inside a transaction guarded by the
// expected status, so two claimants cannot both move it forward
func (l *DynamoDBLedger) UpdateExecution(ctx context.Context, exec *actionflow.WorkflowExecution, expected actionflow.ExecutionStatus) error {
	exec.UpdatedAt = time.Now()

	item, err := l.marshalExecution(exec)
	if err != nil {
		return err
	}

	_, err = l.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(l.tableName),
					Item:                item,
					ConditionExpression: aws.String("attribute_exists(PK) AND #status = :expected"),
					ExpressionAttributeNames: map[string]string{
						"#status": AttrStatus,
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":expected": &types.AttributeValueMemberS{Value: string(expected)},
					},
				},
			},
		},
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			return fmt.Errorf("execution %s expected %s: %w", exec.ID, expected, actionflow.ErrStatusMismatch)
		}
		return fmt.Errorf("failed to update workflow execution: %w", err)
	}

	return nil
}

// DeleteExecution removes the record when its status still equals expected
func (l *DynamoDBLedger) DeleteExecution(ctx context.Context, id string, expected actionflow.ExecutionStatus) error {
	_, err := l.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(l.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: executionPK(id)},
			AttrSK: &types.AttributeValueMemberS{Value: executionSK()},
		},
		ConditionExpression: aws.String("attribute_exists(PK) AND #status = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#status": AttrStatus,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberS{Value: string(expected)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("execution %s expected %s: %w", id, expected, actionflow.ErrStatusMismatch)
		}
		return fmt.Errorf("failed to delete workflow execution: %w", err)
	}

	return nil
}

// ListExecutions queries GSI1 by subject or GSI2 by workflow identifier.
// One of filter.UserID or filter.WorkflowID is required.
func (l *DynamoDBLedger) ListExecutions(ctx context.Context, filter actionflow.ExecutionFilter) ([]*actionflow.WorkflowExecution, error) {
	var indexName, keyExpr, pk string
	switch {
	case filter.UserID != "":
		indexName, keyExpr, pk = IndexUserIndex, "GSI1PK = :pk", executionGSI1PK(filter.UserID)
	case filter.WorkflowID != "":
		indexName, keyExpr, pk = IndexWorkflowIndex, "GSI2PK = :pk", executionGSI2PK(filter.WorkflowID)
	default:
		return nil, actionflow.NewWorkflowError(actionflow.ErrCodeValidation, "listing executions requires a user or workflow id")
	}

	var executions []*actionflow.WorkflowExecution
	var lastEvaluatedKey map[string]types.AttributeValue

	// Paginate through all results
	for {
		queryInput := &dynamodb.QueryInput{
			TableName:              aws.String(l.tableName),
			IndexName:              aws.String(indexName),
			KeyConditionExpression: aws.String(keyExpr),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: pk},
			},
		}

		if lastEvaluatedKey != nil {
			queryInput.ExclusiveStartKey = lastEvaluatedKey
		}

		result, err := l.client.Query(ctx, queryInput)
		if err != nil {
			return nil, fmt.Errorf("failed to list workflow executions: %w", err)
		}

		for _, item := range result.Items {
			var exec actionflow.WorkflowExecution
			if err := attributevalue.UnmarshalMap(item, &exec); err != nil {
				return nil, fmt.Errorf("failed to unmarshal workflow execution: %w", err)
			}
			if !filter.Matches(&exec) {
				continue
			}
			executions = append(executions, &exec)
			if filter.Limit > 0 && len(executions) >= filter.Limit {
				return executions, nil
			}
		}

		if result.LastEvaluatedKey == nil {
			break
		}
		lastEvaluatedKey = result.LastEvaluatedKey
	}

	return executions, nil
}
