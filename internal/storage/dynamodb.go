package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/deskline/backend/internal/types"
	"github.com/rs/zerolog"
)

// sortKeyLayout keeps lexicographic order equal to chronological order.
// RFC3339Nano trims trailing zeros, which would break string comparison.
const sortKeyLayout = "2006-01-02T15:04:05.000000000Z"

// customerIndex is the GSI used to look up conversations by customer
const customerIndex = "customer-index"

// DynamoStore implements Store using AWS DynamoDB
type DynamoStore struct {
	client *dynamodb.Client
	config Config
	logger zerolog.Logger
}

type conversationRecord struct {
	ConversationID string
	CustomerID     string
	CustomerName   string
	AgentID        string
	AgentName      string
	Status         string
	StartedAt      time.Time
	StartedAtKey   string
	EndedAt        *time.Time
	LastMessage    string
	LastMessageAt  time.Time
	Rating         int
	Feedback       string
}

type messageRecord struct {
	ConversationID string
	SortKey        string
	MessageID      string
	SenderType     string
	SenderID       string
	SenderName     string
	Content        string
	Timestamp      time.Time
	ReadByAgent    bool
}

func toConversationRecord(conv *types.Conversation) conversationRecord {
	return conversationRecord{
		ConversationID: conv.ConversationID,
		CustomerID:     conv.CustomerID,
		CustomerName:   conv.CustomerName,
		AgentID:        conv.AgentID,
		AgentName:      conv.AgentName,
		Status:         string(conv.Status),
		StartedAt:      conv.StartedAt,
		StartedAtKey:   conv.StartedAt.UTC().Format(sortKeyLayout),
		EndedAt:        conv.EndedAt,
		LastMessage:    conv.LastMessage,
		LastMessageAt:  conv.LastMessageAt,
		Rating:         conv.Rating,
		Feedback:       conv.Feedback,
	}
}

func (r conversationRecord) toConversation() types.Conversation {
	return types.Conversation{
		ConversationID: r.ConversationID,
		CustomerID:     r.CustomerID,
		CustomerName:   r.CustomerName,
		AgentID:        r.AgentID,
		AgentName:      r.AgentName,
		Status:         types.ConversationStatus(r.Status),
		StartedAt:      r.StartedAt,
		EndedAt:        r.EndedAt,
		LastMessage:    r.LastMessage,
		LastMessageAt:  r.LastMessageAt,
		Rating:         r.Rating,
		Feedback:       r.Feedback,
	}
}

func (r messageRecord) toMessage() types.Message {
	return types.Message{
		MessageID:      r.MessageID,
		ConversationID: r.ConversationID,
		SenderType:     types.SenderType(r.SenderType),
		SenderID:       r.SenderID,
		SenderName:     r.SenderName,
		Content:        r.Content,
		Timestamp:      r.Timestamp,
		ReadByAgent:    r.ReadByAgent,
	}
}

// NewDynamoStore creates a new DynamoDB store
func NewDynamoStore(ctx context.Context, cfg Config, logger zerolog.Logger) (*DynamoStore, error) {
	var client *dynamodb.Client

	if cfg.DynamoLocal {
		// For local mode, build the client directly without LoadDefaultConfig.
		// LoadDefaultConfig probes the EC2 IMDS endpoint which hangs on EC2
		// instances when static credentials are intended.
		client = dynamodb.New(dynamodb.Options{
			Region:       cfg.DynamoRegion,
			BaseEndpoint: aws.String(cfg.DynamoEndpoint),
			Credentials:  credentials.NewStaticCredentialsProvider("local", "local", ""),
		})
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.DynamoRegion))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = dynamodb.NewFromConfig(awsCfg)
	}

	store := &DynamoStore{
		client: client,
		config: cfg,
		logger: logger,
	}

	if cfg.DynamoLocal {
		if err := CreateTablesIfNotExist(ctx, client, cfg, logger); err != nil {
			return nil, err
		}
	}

	logger.Info().
		Bool("local", cfg.DynamoLocal).
		Str("region", cfg.DynamoRegion).
		Msg("DynamoDB store initialized")

	return store, nil
}

func (s *DynamoStore) ActiveConversation(ctx context.Context, customerID string) (*types.Conversation, error) {
	keyCond := expression.Key("CustomerID").Equal(expression.Value(customerID))
	filter := expression.Name("Status").NotEqual(expression.Value(string(types.ConversationClosed)))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	result, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.config.ConversationsTable),
		IndexName:                 aws.String(customerIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query active conversation: %w", err)
	}
	if len(result.Items) == 0 {
		return nil, nil
	}

	var record conversationRecord
	if err := attributevalue.UnmarshalMap(result.Items[0], &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	conv := record.toConversation()
	return &conv, nil
}

func (s *DynamoStore) GetConversation(ctx context.Context, conversationID string) (*types.Conversation, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.config.ConversationsTable),
		Key: map[string]dbtypes.AttributeValue{
			"ConversationID": &dbtypes.AttributeValueMemberS{Value: conversationID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if result.Item == nil {
		return nil, nil
	}

	var record conversationRecord
	if err := attributevalue.UnmarshalMap(result.Item, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	conv := record.toConversation()
	return &conv, nil
}

func (s *DynamoStore) CreateConversation(ctx context.Context, conv *types.Conversation) error {
	return s.putConversation(ctx, conv)
}

func (s *DynamoStore) UpdateConversation(ctx context.Context, conv *types.Conversation) error {
	return s.putConversation(ctx, conv)
}

func (s *DynamoStore) putConversation(ctx context.Context, conv *types.Conversation) error {
	item, err := attributevalue.MarshalMap(toConversationRecord(conv))
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.ConversationsTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

func (s *DynamoStore) AppendMessage(ctx context.Context, msg types.Message) error {
	record := messageRecord{
		ConversationID: msg.ConversationID,
		SortKey:        msg.Timestamp.UTC().Format(sortKeyLayout) + "#" + msg.MessageID,
		MessageID:      msg.MessageID,
		SenderType:     string(msg.SenderType),
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Content:        msg.Content,
		Timestamp:      msg.Timestamp,
		ReadByAgent:    msg.ReadByAgent,
	}

	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.MessagesTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func (s *DynamoStore) ListMessages(ctx context.Context, conversationID string) ([]types.Message, error) {
	records, err := s.queryMessages(ctx, conversationID, nil)
	if err != nil {
		return nil, err
	}

	msgs := make([]types.Message, 0, len(records))
	for _, record := range records {
		msgs = append(msgs, record.toMessage())
	}
	return msgs, nil
}

func (s *DynamoStore) ListConversations(ctx context.Context) ([]types.Conversation, error) {
	return s.scanConversations(ctx, nil)
}

func (s *DynamoStore) ConversationsByCustomer(ctx context.Context, customerID string) ([]types.Conversation, error) {
	keyCond := expression.Key("CustomerID").Equal(expression.Value(customerID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	result, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.config.ConversationsTable),
		IndexName:                 aws.String(customerIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}

	var records []conversationRecord
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversations: %w", err)
	}

	convs := make([]types.Conversation, 0, len(records))
	for _, record := range records {
		convs = append(convs, record.toConversation())
	}
	return convs, nil
}

// OpenConversationsByAgent scans with a filter. Agent-side listings are low
// volume, a GSI on AgentID is not worth the write amplification.
func (s *DynamoStore) OpenConversationsByAgent(ctx context.Context, agentID string) ([]types.Conversation, error) {
	filter := expression.Name("AgentID").Equal(expression.Value(agentID)).
		And(expression.Name("Status").NotEqual(expression.Value(string(types.ConversationClosed))))

	convs, err := s.scanConversations(ctx, &filter)
	if err != nil {
		return nil, err
	}

	sort.Slice(convs, func(i, j int) bool {
		return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
	})
	return convs, nil
}

func (s *DynamoStore) scanConversations(ctx context.Context, filter *expression.ConditionBuilder) ([]types.Conversation, error) {
	input := &dynamodb.ScanInput{
		TableName: aws.String(s.config.ConversationsTable),
	}
	if filter != nil {
		expr, err := expression.NewBuilder().WithFilter(*filter).Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build expression: %w", err)
		}
		input.FilterExpression = expr.Filter()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	var records []conversationRecord
	var lastKey map[string]dbtypes.AttributeValue
	for {
		input.ExclusiveStartKey = lastKey
		result, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversations: %w", err)
		}

		var page []conversationRecord
		if err := attributevalue.UnmarshalListOfMaps(result.Items, &page); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conversations: %w", err)
		}
		records = append(records, page...)

		lastKey = result.LastEvaluatedKey
		if lastKey == nil {
			break
		}
	}

	convs := make([]types.Conversation, 0, len(records))
	for _, record := range records {
		convs = append(convs, record.toConversation())
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].StartedAt.After(convs[j].StartedAt)
	})
	return convs, nil
}

func (s *DynamoStore) queryMessages(ctx context.Context, conversationID string, filter *expression.ConditionBuilder) ([]messageRecord, error) {
	keyCond := expression.Key("ConversationID").Equal(expression.Value(conversationID))
	builder := expression.NewBuilder().WithKeyCondition(keyCond)
	if filter != nil {
		builder = builder.WithFilter(*filter)
	}
	expr, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.config.MessagesTable),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}
	if filter != nil {
		input.FilterExpression = expr.Filter()
	}

	var records []messageRecord
	var lastKey map[string]dbtypes.AttributeValue
	for {
		input.ExclusiveStartKey = lastKey
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to query messages: %w", err)
		}

		var page []messageRecord
		if err := attributevalue.UnmarshalListOfMaps(result.Items, &page); err != nil {
			return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
		}
		records = append(records, page...)

		lastKey = result.LastEvaluatedKey
		if lastKey == nil {
			break
		}
	}
	return records, nil
}

func unreadFilter() expression.ConditionBuilder {
	return expression.Name("SenderType").Equal(expression.Value(string(types.SenderCustomer))).
		And(expression.Name("ReadByAgent").Equal(expression.Value(false)))
}

func (s *DynamoStore) UnreadCount(ctx context.Context, conversationID string) (int, error) {
	filter := unreadFilter()
	records, err := s.queryMessages(ctx, conversationID, &filter)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func (s *DynamoStore) MarkMessagesRead(ctx context.Context, conversationID string) error {
	filter := unreadFilter()
	records, err := s.queryMessages(ctx, conversationID, &filter)
	if err != nil {
		return err
	}

	for _, record := range records {
		_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.config.MessagesTable),
			Key: map[string]dbtypes.AttributeValue{
				"ConversationID": &dbtypes.AttributeValueMemberS{Value: record.ConversationID},
				"SortKey":        &dbtypes.AttributeValueMemberS{Value: record.SortKey},
			},
			UpdateExpression: aws.String("SET ReadByAgent = :read"),
			ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
				":read": &dbtypes.AttributeValueMemberBOOL{Value: true},
			},
		})
		if err != nil {
			return fmt.Errorf("failed to mark message read: %w", err)
		}
	}
	return nil
}

func (s *DynamoStore) UpdateLastMessage(ctx context.Context, conversationID, lastMessage string, at time.Time) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.config.ConversationsTable),
		Key: map[string]dbtypes.AttributeValue{
			"ConversationID": &dbtypes.AttributeValueMemberS{Value: conversationID},
		},
		ConditionExpression: aws.String("attribute_exists(ConversationID)"),
		UpdateExpression:    aws.String("SET LastMessage = :msg, LastMessageAt = :at"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":msg": &dbtypes.AttributeValueMemberS{Value: lastMessage},
			":at":  &dbtypes.AttributeValueMemberS{Value: at.UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		var condFailed *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update last message: %w", err)
	}
	return nil
}

func (s *DynamoStore) SaveFeedback(ctx context.Context, conversationID string, rating int, feedback string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.config.ConversationsTable),
		Key: map[string]dbtypes.AttributeValue{
			"ConversationID": &dbtypes.AttributeValueMemberS{Value: conversationID},
		},
		ConditionExpression: aws.String("attribute_exists(ConversationID)"),
		UpdateExpression:    aws.String("SET Rating = :rating, Feedback = :feedback"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":rating":   &dbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", rating)},
			":feedback": &dbtypes.AttributeValueMemberS{Value: feedback},
		},
	})
	if err != nil {
		var condFailed *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to save feedback: %w", err)
	}
	return nil
}
