package catalog

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/SirIceHydra/sams-hardware-sub001/internal/aws"
)

// Stock statuses as stored in catalog snapshots.
const (
	StockInStock    = "instock"
	StockOutOfStock = "outofstock"
)

// Snapshot is the authoritative price/stock state of a product or variation.
type Snapshot struct {
	Price       float64 `dynamodbav:"price"`
	StockStatus string  `dynamodbav:"stock_status"`
}

// Resolver returns the current authoritative snapshot for a product or
// variation. Implementations return (nil, nil) when the product no longer
// exists, and an error only for transport failures; callers treat those as
// "cannot validate", never as "assume unchanged".
type Resolver interface {
	Resolve(ctx context.Context, productID, variationID string) (*Snapshot, error)
}

// SnapshotStore is the DynamoDB-backed Resolver. Items are keyed by sku:
// the product id, or productID#variationID for a variation.
type SnapshotStore struct {
	client    aws.DynamoDBAPI
	tableName string
}

// NewSnapshotStore returns a SnapshotStore bound to the catalog table.
func NewSnapshotStore(client aws.DynamoDBAPI, tableName string) *SnapshotStore {
	return &SnapshotStore{client: client, tableName: tableName}
}

// SKU builds the catalog key for a product/variation pair.
func SKU(productID, variationID string) string {
	if variationID == "" {
		return productID
	}
	return productID + "#" + variationID
}

// Resolve fetches the snapshot for productID/variationID.
// Returns (nil, nil) if the catalog has no such item.
func (s *SnapshotStore) Resolve(ctx context.Context, productID, variationID string) (*Snapshot, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"sku": &types.AttributeValueMemberS{Value: SKU(productID, variationID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get catalog item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var snap Snapshot
	if err := attributevalue.UnmarshalMap(out.Item, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}
