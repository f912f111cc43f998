// Package ledger is herald's durable record of users, processed comments and
// published packages.
//
// Every operation is independent and short; callers never hold a ledger
// transaction across git or network work. Two backends implement Ledger:
// SQLite for single-node deployments and Redis for shared ones.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned by lookups that match nothing.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when inserting a comment id or package version
	// that is already recorded.
	ErrDuplicate = errors.New("already recorded")
)

// User is a commenter. Records are upserted whenever a user is seen.
type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Comment is a processed comment. Ledgering its id is the dedup boundary.
type Comment struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Package is one published version. All records of a group share an owner.
type Package struct {
	Group       string `json:"group"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	UserID      int64  `json:"user_id"`
}

// Ledger is implemented by SQLite and Redis.
type Ledger interface {
	UpsertUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id int64) (*User, error)
	HasComment(ctx context.Context, id int64) (bool, error)
	InsertComment(ctx context.Context, c Comment) error
	InsertPackage(ctx context.Context, p Package) error
	// QueryPackages returns the records of group, or all records when group
	// is empty, ordered by group, name and version.
	QueryPackages(ctx context.Context, group string) ([]Package, error)
	Ping(ctx context.Context) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Backend  string
	Path     string // sqlite database file
	RedisURL string
	Instance string // redis key namespace
}

// Open connects to the configured backend and verifies it is reachable.
func Open(ctx context.Context, opts Options) (Ledger, error) {
	switch opts.Backend {
	case BackendSQLite, "":
		return OpenSQLite(ctx, opts.Path)
	case BackendRedis:
		redisOpts, err := redis.ParseURL(opts.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		l, err := NewRedis(redisOpts, opts.Instance)
		if err != nil {
			return nil, err
		}
		if err := l.Ping(ctx); err != nil {
			l.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", opts.Backend)
	}
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
