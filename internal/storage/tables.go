package storage

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
)

// CreateTablesIfNotExist creates DynamoDB tables for local development
func CreateTablesIfNotExist(ctx context.Context, client *dynamodb.Client, cfg Config, logger zerolog.Logger) error {
	if err := createConversationsTable(ctx, client, cfg.ConversationsTable, logger); err != nil {
		return err
	}
	return createMessagesTable(ctx, client, cfg.MessagesTable, logger)
}

func tableExists(ctx context.Context, client *dynamodb.Client, name string) bool {
	_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(name),
	})
	return err == nil
}

func createConversationsTable(ctx context.Context, client *dynamodb.Client, name string, logger zerolog.Logger) error {
	if tableExists(ctx, client, name) {
		logger.Info().Str("table", name).Msg("table already exists")
		return nil
	}

	_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(name),
		KeySchema: []dbtypes.KeySchemaElement{
			{AttributeName: aws.String("ConversationID"), KeyType: dbtypes.KeyTypeHash},
		},
		AttributeDefinitions: []dbtypes.AttributeDefinition{
			{AttributeName: aws.String("ConversationID"), AttributeType: dbtypes.ScalarAttributeTypeS},
			{AttributeName: aws.String("CustomerID"), AttributeType: dbtypes.ScalarAttributeTypeS},
			{AttributeName: aws.String("StartedAtKey"), AttributeType: dbtypes.ScalarAttributeTypeS},
		},
		GlobalSecondaryIndexes: []dbtypes.GlobalSecondaryIndex{
			{
				IndexName: aws.String(customerIndex),
				KeySchema: []dbtypes.KeySchemaElement{
					{AttributeName: aws.String("CustomerID"), KeyType: dbtypes.KeyTypeHash},
					{AttributeName: aws.String("StartedAtKey"), KeyType: dbtypes.KeyTypeRange},
				},
				Projection: &dbtypes.Projection{
					ProjectionType: dbtypes.ProjectionTypeAll,
				},
			},
		},
		BillingMode: dbtypes.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", name, err)
	}
	logger.Info().Str("table", name).Msg("table created")
	return nil
}

func createMessagesTable(ctx context.Context, client *dynamodb.Client, name string, logger zerolog.Logger) error {
	if tableExists(ctx, client, name) {
		logger.Info().Str("table", name).Msg("table already exists")
		return nil
	}

	_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(name),
		KeySchema: []dbtypes.KeySchemaElement{
			{AttributeName: aws.String("ConversationID"), KeyType: dbtypes.KeyTypeHash},
			{AttributeName: aws.String("SortKey"), KeyType: dbtypes.KeyTypeRange},
		},
		AttributeDefinitions: []dbtypes.AttributeDefinition{
			{AttributeName: aws.String("ConversationID"), AttributeType: dbtypes.ScalarAttributeTypeS},
			{AttributeName: aws.String("SortKey"), AttributeType: dbtypes.ScalarAttributeTypeS},
		},
		BillingMode: dbtypes.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", name, err)
	}
	logger.Info().Str("table", name).Msg("table created")
	return nil
}
