// Package archive keeps an append-only history of scrape results in
// MongoDB.
package archive

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/sells-group/price-scraper/internal/config"
	"github.com/sells-group/price-scraper/internal/model"
)

const (
	defaultDatabase   = "price_scraper"
	defaultCollection = "scrape_results"
	connectTimeout    = 10 * time.Second
	writeTimeout      = 5 * time.Second
)

// inserter is the part of *mongo.Collection the archive writes through.
type inserter interface {
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

// Mongo archives results to a MongoDB collection. Write failures are
// logged and never surface to the caller.
type Mongo struct {
	client *mongo.Client
	coll   inserter
}

// Open connects to MongoDB, verifies the connection and ensures the
// vendor/time index exists.
func Open(ctx context.Context, cfg config.ArchiveConfig) (*Mongo, error) {
	if cfg.MongoURI == "" {
		return nil, eris.New("archive: mongo_uri is required")
	}
	db, name := cfg.Database, cfg.Collection
	if db == "" {
		db = defaultDatabase
	}
	if name == "" {
		name = defaultCollection
	}

	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(cctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, eris.Wrap(err, "archive: connect")
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, eris.Wrap(err, "archive: ping")
	}

	coll := client.Database(db).Collection(name)
	_, err = coll.Indexes().CreateOne(cctx, mongo.IndexModel{
		Keys: bson.D{{Key: "vendor_id", Value: 1}, {Key: "started_at", Value: -1}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, eris.Wrap(err, "archive: create index")
	}

	zap.L().Info("result archive connected", zap.String("database", db), zap.String("collection", name))
	return &Mongo{client: client, coll: coll}, nil
}

// Archive inserts one result document.
func (m *Mongo) Archive(ctx context.Context, r model.ScrapeResult) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if _, err := m.coll.InsertOne(wctx, document(r)); err != nil {
		zap.L().Warn("archive: insert failed",
			zap.String("vendor_id", r.VendorID),
			zap.String("job_id", r.JobID),
			zap.Error(err),
		)
	}
}

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	if err := m.client.Disconnect(ctx); err != nil {
		return eris.Wrap(err, "archive: disconnect")
	}
	return nil
}

func document(r model.ScrapeResult) bson.M {
	doc := bson.M{
		"vendor_id":    r.VendorID,
		"job_id":       r.JobID,
		"method":       string(r.Method),
		"status":       string(r.Status),
		"started_at":   r.StartedAt.UTC(),
		"completed_at": r.CompletedAt.UTC(),
		"duration_ms":  r.DurationMs,
		"actual_cost":  r.ActualCost,
	}
	if r.Data != nil {
		tiers := make(bson.A, 0, len(r.Data.Tiers))
		for _, t := range r.Data.Tiers {
			tier := bson.M{
				"name":        t.Name,
				"price_model": t.PriceModel,
				"confidence":  t.Confidence,
			}
			if t.Price != nil {
				tier["price"] = *t.Price
			}
			if t.Currency != "" {
				tier["currency"] = t.Currency
			}
			if t.BillingPeriod != "" {
				tier["billing_period"] = t.BillingPeriod
			}
			tiers = append(tiers, tier)
		}
		doc["tiers"] = tiers
		doc["source_url"] = r.Data.SourceURL
		if r.Data.Currency != "" {
			doc["currency"] = r.Data.Currency
		}
	}
	if r.Error != nil {
		doc["error"] = bson.M{
			"message":      r.Error.Message,
			"should_retry": r.Error.ShouldRetry,
			"terminal":     r.Error.Terminal,
		}
	}
	return doc
}
