package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/usermgmt/server/config"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	defaultDBDriver     = "postgres"
	defaultPingTimeout  = 5 * time.Second
	defaultConnMaxIdle  = 2 * time.Minute
	defaultConnMaxLife  = 30 * time.Minute
	defaultMaxIdleConns = 5
	defaultMaxOpenConns = 25
	defaultMongoPool    = 25
)

//go:embed migrations/*.sql
var migrations embed.FS

// Conn holds the open connection for whichever backend the config selects.
// Exactly one of SQL and Mongo is set.
type Conn struct {
	SQL     *sql.DB
	Mongo   *mongo.Client
	MongoDB *mongo.Database
}

// Open connects to the configured store and verifies it is reachable.
func Open(ctx context.Context, cfg config.Config) (*Conn, error) {
	if cfg.Database.IsPostgres() {
		sqlDB, err := OpenPostgres(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		return &Conn{SQL: sqlDB}, nil
	}

	client, err := OpenMongo(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	return &Conn{Mongo: client, MongoDB: client.Database(cfg.Database.Name)}, nil
}

// Close releases the underlying connection.
func (c *Conn) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if c.SQL != nil {
		return c.SQL.Close()
	}
	if c.Mongo != nil {
		return c.Mongo.Disconnect(ctx)
	}
	return nil
}

func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open(defaultDBDriver, dsn)
	if err != nil {
		return nil, err
	}

	db.SetConnMaxIdleTime(defaultConnMaxIdle)
	db.SetConnMaxLifetime(defaultConnMaxLife)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetMaxOpenConns(defaultMaxOpenConns)

	ctx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}

func OpenMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetRetryWrites(true).
		SetMaxPoolSize(defaultMongoPool).
		SetMaxConnIdleTime(defaultConnMaxIdle)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	return client, nil
}

// MigrateUp applies the embedded PostgreSQL migrations.
func MigrateUp(dsn string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	migrator, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("init migrator failed: %w", err)
	}
	defer func() {
		_, _ = migrator.Close()
	}()

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("migrate up failed: %w", err)
	}
	return nil
}

// Ping checks that the store still answers.
func (c *Conn) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	switch {
	case c.SQL != nil:
		return c.SQL.PingContext(ctx)
	case c.Mongo != nil:
		return c.Mongo.Ping(ctx, readpref.Primary())
	}
	return errors.New("no database connection")
}
