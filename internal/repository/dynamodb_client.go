package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"recipe-assistant/internal/domain"
)

const (
	skPrefixTurn = "TURN#"
	skMeta       = "META#"
	ttlDuration  = 30 * 24 * time.Hour // 30-day TTL

	// Fixed-width so sort keys compare lexically in time order.
	sortableTime = "2006-01-02T15:04:05.000000000Z"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores chat turns in a single DynamoDB table, one partition per
// user and meal.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// chatPK returns the partition key for one user's conversation about a meal.
func chatPK(userID, mealID string) string {
	return "CHAT#" + userID + "#" + mealID
}

// turnSK sorts turns chronologically; the id breaks ties.
func turnSK(ts time.Time, id string) string {
	return skPrefixTurn + ts.UTC().Format(sortableTime) + "#" + id
}

func (c *Client) ttlValue() int64 {
	return c.now().Add(ttlDuration).Unix()
}

// SaveTurns writes the turns and bumps the conversation metadata in one
// transaction. All turns must belong to the same meal.
func (c *Client) SaveTurns(ctx context.Context, userID string, turns []domain.ChatTurn) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("repository: SaveTurns: user id is required")
	}
	if len(turns) == 0 {
		return nil
	}
	mealID := turns[0].MealID
	ttl := c.ttlValue()

	items := make([]types.TransactWriteItem, 0, len(turns)+1)
	for _, t := range turns {
		if t.ID == "" || t.MealID != mealID {
			return errors.New("repository: SaveTurns: turns need an id and a shared meal id")
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                turnItem(userID, t, ttl),
				ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
			},
		})
	}
	items = append(items, types.TransactWriteItem{
		Update: &types.Update{
			TableName: aws.String(c.tableName),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: chatPK(userID, mealID)},
				"SK": &types.AttributeValueMemberS{Value: skMeta},
			},
			UpdateExpression: aws.String("ADD turns :n SET lastActivity = :ts, #ttl = :ttl"),
			ExpressionAttributeNames: map[string]string{
				"#ttl": "ttl",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":n":   &types.AttributeValueMemberN{Value: strconv.Itoa(len(turns))},
				":ts":  &types.AttributeValueMemberS{Value: c.now().UTC().Format(time.RFC3339)},
				":ttl": &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
			},
		},
	})

	if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return fmt.Errorf("repository: SaveTurns: %w", err)
	}
	return nil
}

// ListTurns returns up to limit of the most recent turns, oldest first.
func (c *Client) ListTurns(ctx context.Context, userID, mealID string, limit int) ([]domain.ChatTurn, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: chatPK(userID, mealID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		// Read newest first so LIMIT favors the most recent turns.
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: ListTurns query: %w", err)
	}

	turns := make([]domain.ChatTurn, 0, len(out.Items))
	for _, item := range out.Items {
		t, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListTurns unmarshal: %w", err)
		}
		turns = append(turns, t)
	}
	reverse(turns)
	return turns, nil
}

func turnItem(userID string, t domain.ChatTurn, ttl int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: chatPK(userID, t.MealID)},
		"SK":        &types.AttributeValueMemberS{Value: turnSK(t.CreatedAt, t.ID)},
		"id":        &types.AttributeValueMemberS{Value: t.ID},
		"mealId":    &types.AttributeValueMemberS{Value: t.MealID},
		"content":   &types.AttributeValueMemberS{Value: t.Content},
		"isAI":      &types.AttributeValueMemberBOOL{Value: t.IsAI},
		"truncated": &types.AttributeValueMemberBOOL{Value: t.Truncated},
		"createdAt": &types.AttributeValueMemberS{Value: t.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
	}
}

// itemToTurn converts a DynamoDB attribute map to a ChatTurn.
func itemToTurn(item map[string]types.AttributeValue) (domain.ChatTurn, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.ChatTurn{}, err
	}
	mealID, err := strAttr(item, "mealId")
	if err != nil {
		return domain.ChatTurn{}, err
	}
	content, _ := strAttr(item, "content") // allow empty
	created, err := strAttr(item, "createdAt")
	if err != nil {
		return domain.ChatTurn{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return domain.ChatTurn{}, fmt.Errorf("repository: parse createdAt: %w", err)
	}

	return domain.ChatTurn{
		ID:        id,
		MealID:    mealID,
		Content:   content,
		IsAI:      boolAttr(item, "isAI"),
		Truncated: boolAttr(item, "truncated"),
		CreatedAt: ts,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func boolAttr(item map[string]types.AttributeValue, key string) bool {
	b, ok := item[key].(*types.AttributeValueMemberBOOL)
	return ok && b.Value
}

func reverse(turns []domain.ChatTurn) {
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
}
