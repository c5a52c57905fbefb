package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "session:"

// RedisVerifier looks session cookies up in the external session store the
// web application writes to. The stored value is the owner ID.
type RedisVerifier struct {
	client redis.UniversalClient
}

// NewRedisVerifier creates a verifier backed by the given Redis client.
func NewRedisVerifier(client redis.UniversalClient) *RedisVerifier {
	return &RedisVerifier{client: client}
}

// NewRedisVerifierFromURL connects to the session store at url.
func NewRedisVerifierFromURL(url string) (*RedisVerifier, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisVerifier{client: redis.NewClient(opts)}, nil
}

// Verify implements Verifier.
func (v *RedisVerifier) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", Errf("missing credential")
	}

	owner, err := v.client.Get(ctx, sessionKeyPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", Errf("unknown or expired session")
	}
	if err != nil {
		return "", fmt.Errorf("session store lookup: %w", err)
	}
	if owner == "" {
		return "", Errf("session carries no owner")
	}
	return owner, nil
}
