package store

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/spanner"
	"github.com/boostcampwm2025/web06-locus-sub000/pkg/config"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	_ "github.com/lib/pq" // PostgreSQL driver
)

var sqlOpen = sql.Open

var NewSpannerRepositoryFactory = func(client *spanner.Client) OutBoxRepository {
	return &SpannerRepository{client: client}
}

var NewMongoRepositoryFactory = func(client *mongo.Client, cfg config.DbSettings) OutBoxRepository {
	return NewMongoRepository(client, cfg.DBName, cfg.Collection)
}

func NewRepository(ctx context.Context, cfg config.DbSettings) (OutBoxRepository, error) {
	switch cfg.Type {
	case "postgres":
		db, err := sqlOpen("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewPostgresRepository(db), nil
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
		if err != nil {
			return nil, err
		}
		return NewMongoRepositoryFactory(client, cfg), nil
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return NewSpannerRepositoryFactory(client), nil
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
}

// RecordSourceFor returns the backfill source sharing the repository's connection.
func RecordSourceFor(repo OutBoxRepository) (RecordSource, error) {
	provider, ok := repo.(interface{ Records() RecordSource })
	if !ok {
		return nil, fmt.Errorf("%T has no record source", repo)
	}
	return provider.Records(), nil
}
