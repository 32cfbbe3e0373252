package store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bashirmohd/bigdataexpress-C/common/types"
)

const (
	// KeyPrefix is prepended to the name of a collection to form the key of the Redis hash holding it.
	KeyPrefix = "bde:"
)

// updateScript replaces a field of a hash only if the field already exists.
var updateScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
	redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
	return 1
end
return 0
`)

// RedisStore is a DocumentStore that keeps each collection in a Redis hash, keyed by document id.
type RedisStore struct {
	hostname      string
	port          int
	databaseIndex int
	password      string

	redisClient *redis.Client

	logger        *zap.Logger
	sugaredLogger *zap.SugaredLogger
}

func NewRedisStore(hostname string, port int) *RedisStore {
	store := &RedisStore{
		hostname: hostname,
		port:     port,
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}

	store.logger = logger
	store.sugaredLogger = logger.Sugar()

	return store
}

// SetDatabase sets the database number to use when connecting to Redis.
//
// If the RedisStore is already connected to Redis, then changing the database number will not have an effect
// unless the RedisStore reconnects to Redis.
func (s *RedisStore) SetDatabase(db int) {
	s.databaseIndex = db
}

// SetRedisPassword sets the password to use when connecting to Redis.
func (s *RedisStore) SetRedisPassword(password string) {
	s.password = password
}

func (s *RedisStore) Connect(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.hostname, s.port)

	s.redisClient = redis.NewClient(&redis.Options{
		Addr:     address,
		Password: s.password,
		DB:       s.databaseIndex,
	})

	if err := s.redisClient.Ping(ctx).Err(); err != nil {
		s.logger.Error("Failed to connect to Redis.", zap.String("address", address), zap.Error(err))
		return fmt.Errorf("%w: %v", types.ErrDisconnected, err)
	}

	s.logger.Debug("Connected to Redis.", zap.String("address", address), zap.Int("db", s.databaseIndex))
	return nil
}

func (s *RedisStore) Close() error {
	if s.redisClient == nil {
		return nil
	}

	return s.redisClient.Close()
}

func redisKey(collection Collection) string {
	return KeyPrefix + string(collection)
}

func (s *RedisStore) Find(ctx context.Context, collection Collection, id string) ([]byte, error) {
	if err := checkKey(collection, id); err != nil {
		return nil, err
	}

	document, err := s.redisClient.HGet(ctx, redisKey(collection), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s/%s", types.ErrNotFound, collection, id)
	}

	return document, err
}

func (s *RedisStore) List(ctx context.Context, collection Collection) ([][]byte, error) {
	if err := collection.Validate(); err != nil {
		return nil, err
	}

	documents, err := s.redisClient.HGetAll(ctx, redisKey(collection)).Result()
	if err != nil {
		s.logger.Error("Failed to list collection.", zap.String("collection", string(collection)), zap.Error(err))
		return nil, err
	}

	ids := make([]string, 0, len(documents))
	for id := range documents {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	result := make([][]byte, 0, len(ids))
	for _, id := range ids {
		result = append(result, []byte(documents[id]))
	}

	return result, nil
}

func (s *RedisStore) Insert(ctx context.Context, collection Collection, id string, document []byte) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}

	inserted, err := s.redisClient.HSetNX(ctx, redisKey(collection), id, document).Result()
	if err != nil {
		return err
	}

	if !inserted {
		return fmt.Errorf("%w: %s/%s already exists", types.ErrConflict, collection, id)
	}

	return nil
}

func (s *RedisStore) Update(ctx context.Context, collection Collection, id string, document []byte) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}

	updated, err := updateScript.Run(ctx, s.redisClient, []string{redisKey(collection)}, id, document).Int()
	if err != nil {
		return err
	}

	if updated == 0 {
		return fmt.Errorf("%w: %s/%s", types.ErrNotFound, collection, id)
	}

	return nil
}

func (s *RedisStore) Put(ctx context.Context, collection Collection, id string, document []byte) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}

	return s.redisClient.HSet(ctx, redisKey(collection), id, document).Err()
}

func (s *RedisStore) Remove(ctx context.Context, collection Collection, id string) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}

	removed, err := s.redisClient.HDel(ctx, redisKey(collection), id).Result()
	if err != nil {
		return err
	}

	if removed == 0 {
		return fmt.Errorf("%w: %s/%s", types.ErrNotFound, collection, id)
	}

	return nil
}

func (s *RedisStore) Clear(ctx context.Context, collection Collection) error {
	if err := collection.Validate(); err != nil {
		return err
	}

	s.sugaredLogger.Debugf("Clearing collection %s.", collection)
	return s.redisClient.Del(ctx, redisKey(collection)).Err()
}
