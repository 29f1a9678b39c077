package catalog

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/shelfline/shelfline/pkg/model"
)

// MongoGateway is the production Gateway backed by MongoDB. Every operation
// maps to a single server-side update, so atomicity follows from the
// document-level guarantees of the server.
type MongoGateway struct {
	db *mongo.Database
}

// NewMongoGateway connects to the store and returns a gateway over the named
// database.
func NewMongoGateway(ctx context.Context, uri, database string) (*MongoGateway, func(context.Context) error, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("connect catalog store: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		disconnectErr := client.Disconnect(ctx)

		return nil, nil, errors.Join(fmt.Errorf("ping catalog store: %w", err), disconnectErr)
	}

	return &MongoGateway{db: client.Database(database)}, client.Disconnect, nil
}

// mongoFilter converts a Filter into a server filter document.
func mongoFilter(filter Filter) bson.M {
	out := bson.M{}

	for field, want := range filter {
		switch w := want.(type) {
		case In:
			out[field] = bson.M{"$in": []any(w)}
		case Ne:
			out[field] = bson.M{"$ne": w.Value}
		default:
			out[field] = want
		}
	}

	return out
}

// InsertOne implements Gateway.
func (g *MongoGateway) InsertOne(ctx context.Context, coll string, id model.ID, doc any) error {
	_, err := g.db.Collection(coll).InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s/%s", ErrDuplicate, coll, id.Hex())
	}

	if err != nil {
		return fmt.Errorf("insert %s: %w", coll, err)
	}

	return nil
}

// FindByID implements Gateway.
func (g *MongoGateway) FindByID(ctx context.Context, coll string, id model.ID, out any) error {
	err := g.db.Collection(coll).FindOne(ctx, bson.M{"_id": id}).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, coll, id.Hex())
	}

	if err != nil {
		return fmt.Errorf("find %s by id: %w", coll, err)
	}

	return nil
}

// FindOne implements Gateway.
func (g *MongoGateway) FindOne(ctx context.Context, coll string, filter Filter, out any) error {
	err := g.db.Collection(coll).FindOne(ctx, mongoFilter(filter)).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %s", ErrNotFound, coll)
	}

	if err != nil {
		return fmt.Errorf("find %s: %w", coll, err)
	}

	return nil
}

// FindPaged implements Gateway.
func (g *MongoGateway) FindPaged(ctx context.Context, coll string, filter Filter, sortBy Sort, skip, limit int64, out any) error {
	opts := options.Find().SetSkip(skip)

	if limit > 0 {
		opts = opts.SetLimit(limit)
	}

	if sortBy.Field != "" {
		// Secondary _id sort keeps pagination stable across equal keys.
		opts = opts.SetSort(bson.D{
			{Key: sortBy.Field, Value: int(sortBy.Dir)},
			{Key: "_id", Value: int(sortBy.Dir)},
		})
	}

	cursor, err := g.db.Collection(coll).Find(ctx, mongoFilter(filter), opts)
	if err != nil {
		return fmt.Errorf("find paged %s: %w", coll, err)
	}

	if err := cursor.All(ctx, out); err != nil {
		return fmt.Errorf("decode page %s: %w", coll, err)
	}

	return nil
}

// Count implements Gateway.
func (g *MongoGateway) Count(ctx context.Context, coll string, filter Filter) (int64, error) {
	n, err := g.db.Collection(coll).CountDocuments(ctx, mongoFilter(filter))
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", coll, err)
	}

	return n, nil
}

func (g *MongoGateway) updateByID(ctx context.Context, coll string, id model.ID, update any) error {
	res, err := g.db.Collection(coll).UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", coll, id.Hex(), err)
	}

	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, coll, id.Hex())
	}

	return nil
}

// IncFields implements Gateway.
func (g *MongoGateway) IncFields(ctx context.Context, coll string, id model.ID, fields map[string]int64) error {
	inc := bson.M{}
	for field, delta := range fields {
		inc[field] = delta
	}

	return g.updateByID(ctx, coll, id, bson.M{"$inc": inc})
}

// IncFieldsClampedZero implements Gateway. The clamp is applied server-side
// in a single aggregation-pipeline update.
func (g *MongoGateway) IncFieldsClampedZero(ctx context.Context, coll string, id model.ID, fields map[string]int64) error {
	set := bson.M{}
	for field, delta := range fields {
		set[field] = bson.M{"$max": bson.A{0, bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$" + field, 0}}, delta}}}}
	}

	return g.updateByID(ctx, coll, id, mongo.Pipeline{{{Key: "$set", Value: set}}})
}

// SetFields implements Gateway.
func (g *MongoGateway) SetFields(ctx context.Context, coll string, id model.ID, fields map[string]any) error {
	return g.updateByID(ctx, coll, id, bson.M{"$set": bson.M(fields)})
}

// PushToArray implements Gateway.
func (g *MongoGateway) PushToArray(ctx context.Context, coll string, id model.ID, field string, element any) error {
	return g.updateByID(ctx, coll, id, bson.M{"$push": bson.M{field: element}})
}

// PullFromArray implements Gateway.
func (g *MongoGateway) PullFromArray(ctx context.Context, coll string, id model.ID, field string, match Filter) error {
	return g.updateByID(ctx, coll, id, bson.M{"$pull": bson.M{field: mongoFilter(match)}})
}

// AddToSetWithRecount implements Gateway. A single aggregation-pipeline
// update unions the value into the set, recomputes countField from the
// array's cardinality, and applies the increments, so the counter can never
// drift from the array.
func (g *MongoGateway) AddToSetWithRecount(ctx context.Context, coll string, id model.ID, setField, countField string, value any, inc map[string]int64) error {
	union := bson.M{"$setUnion": bson.A{bson.M{"$ifNull": bson.A{"$" + setField, bson.A{}}}, bson.A{value}}}

	second := bson.M{countField: bson.M{"$size": "$" + setField}}
	for field, delta := range inc {
		second[field] = bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$" + field, 0}}, delta}}
	}

	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{setField: union}}},
		{{Key: "$set", Value: second}},
	}

	return g.updateByID(ctx, coll, id, pipeline)
}

// DeleteOne implements Gateway.
func (g *MongoGateway) DeleteOne(ctx context.Context, coll string, id model.ID) error {
	res, err := g.db.Collection(coll).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", coll, id.Hex(), err)
	}

	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, coll, id.Hex())
	}

	return nil
}
