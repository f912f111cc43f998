package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Redis stores the ledger under instance-scoped keys.
// It is safe for concurrent use; every write is a single atomic command.
type Redis struct {
	rdb          *redis.Client
	instanceName string
}

// NewRedis creates a Redis ledger for the specified instance.
// Returns an error if instanceName is empty.
func NewRedis(redisOpts *redis.Options, instanceName string) (*Redis, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	return &Redis{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

// Ping verifies Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// UpsertUser writes the user hash, replacing the display name.
func (r *Redis) UpsertUser(ctx context.Context, u User) error {
	key := UserKey(r.instanceName, u.ID)
	if err := r.rdb.HSet(ctx, key, "id", u.ID, "name", u.Name).Err(); err != nil {
		return fmt.Errorf("failed to write user to Redis: %w", err)
	}
	return nil
}

// GetUser returns ErrNotFound for unknown ids.
func (r *Redis) GetUser(ctx context.Context, id int64) (*User, error) {
	fields, err := r.rdb.HGetAll(ctx, UserKey(r.instanceName, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read user from Redis: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	parsed, err := strconv.ParseInt(fields["id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt user %d: %w", id, err)
	}
	return &User{ID: parsed, Name: fields["name"]}, nil
}

// HasComment checks whether the comment id has been ledgered.
func (r *Redis) HasComment(ctx context.Context, id int64) (bool, error) {
	n, err := r.rdb.Exists(ctx, CommentKey(r.instanceName, id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check comment existence: %w", err)
	}
	return n > 0, nil
}

// InsertComment records the comment with SETNX so concurrent inserts of the
// same id yield exactly one winner.
func (r *Redis) InsertComment(ctx context.Context, c Comment) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal comment: %w", err)
	}
	ok, err := r.rdb.SetNX(ctx, CommentKey(r.instanceName, c.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to write comment to Redis: %w", err)
	}
	if !ok {
		return ErrDuplicate
	}
	return nil
}

// InsertPackage records the version with HSETNX.
func (r *Redis) InsertPackage(ctx context.Context, p Package) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal package: %w", err)
	}
	field := PackageField(p.Group, p.Name, p.Version)
	ok, err := r.rdb.HSetNX(ctx, PackagesKey(r.instanceName), field, data).Result()
	if err != nil {
		return fmt.Errorf("failed to write package to Redis: %w", err)
	}
	if !ok {
		return ErrDuplicate
	}
	return nil
}

// QueryPackages reads every record and filters by group.
func (r *Redis) QueryPackages(ctx context.Context, group string) ([]Package, error) {
	all, err := r.rdb.HGetAll(ctx, PackagesKey(r.instanceName)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read packages from Redis: %w", err)
	}

	var packages []Package
	for field, raw := range all {
		var p Package
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("corrupt package record %s: %w", field, err)
		}
		if group != "" && p.Group != group {
			continue
		}
		packages = append(packages, p)
	}

	sort.Slice(packages, func(i, j int) bool {
		a, b := packages[i], packages[j]
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Version < b.Version
	})
	return packages, nil
}
