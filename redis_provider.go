package quipodb

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisProvider stores collections in Redis.
//
// Keys, under a configurable prefix:
//
//	<prefix>collections          HASH  collection name -> primary key
//	<prefix>c:<name>:docs        HASH  document id -> JSON
//	<prefix>c:<name>:order       ZSET  document id scored by insertion sequence
//	<prefix>c:<name>:seq         STRING sequence counter
//
// A document id is the JSON encoding of its primary key, or a generated ID
// when the collection has none.
type RedisProvider struct {
	client     *redis.Client
	prefix     string
	ownsClient bool
}

// NewRedisProvider creates a provider over a client the caller closes.
func NewRedisProvider(client *redis.Client, prefix string) *RedisProvider {
	return &RedisProvider{client: client, prefix: prefix}
}

// NewRedisProviderWithOwnedClient creates a provider that closes the client
// on Close.
func NewRedisProviderWithOwnedClient(client *redis.Client, prefix string) *RedisProvider {
	return &RedisProvider{client: client, prefix: prefix, ownsClient: true}
}

func (r *RedisProvider) Name() string { return "redis" }

func (r *RedisProvider) registryKey() string { return r.prefix + "collections" }
func (r *RedisProvider) docsKey(c string) string  { return r.prefix + "c:" + c + ":docs" }
func (r *RedisProvider) orderKey(c string) string { return r.prefix + "c:" + c + ":order" }
func (r *RedisProvider) seqKey(c string) string   { return r.prefix + "c:" + c + ":seq" }

// Ping checks the connection.
func (r *RedisProvider) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"provider": r.Name(),
			"error":    err.Error(),
		})
	}
	return nil
}

func (r *RedisProvider) CreateCollection(ctx context.Context, spec CollectionSpec) error {
	return r.client.HSet(ctx, r.registryKey(), spec.Name, spec.PrimaryKey).Err()
}

func (r *RedisProvider) DeleteCollection(ctx context.Context, name string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.docsKey(name), r.orderKey(name), r.seqKey(name))
		pipe.HDel(ctx, r.registryKey(), name)
		return nil
	})
	return err
}

func (r *RedisProvider) Collections(ctx context.Context) ([]string, error) {
	names, err := r.client.HKeys(ctx, r.registryKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (r *RedisProvider) primaryKey(ctx context.Context, collection string) (string, error) {
	pk, err := r.client.HGet(ctx, r.registryKey(), collection).Result()
	if errors.Is(err, redis.Nil) {
		return "", collectionNotFound(r.Name(), collection)
	}
	return pk, err
}

func (r *RedisProvider) GetCollection(ctx context.Context, name string) ([]Document, error) {
	if _, err := r.primaryKey(ctx, name); err != nil {
		return nil, err
	}
	entries, err := r.scan(ctx, name)
	if err != nil {
		return nil, err
	}
	docs := make([]Document, len(entries))
	for i, e := range entries {
		docs[i] = e.doc
	}
	return docs, nil
}

func (r *RedisProvider) CreateDoc(ctx context.Context, collection string, doc Document) error {
	pk, err := r.primaryKey(ctx, collection)
	if err != nil {
		return err
	}
	id, err := redisDocID(pk, doc)
	if err != nil {
		return err
	}
	data, err := doc.marshal()
	if err != nil {
		return err
	}

	seq, err := r.client.Incr(ctx, r.seqKey(collection)).Result()
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.docsKey(collection), id, data)
		pipe.ZAddNX(ctx, r.orderKey(collection), redis.Z{Score: float64(seq), Member: id})
		return nil
	})
	return err
}

func (r *RedisProvider) GetDoc(ctx context.Context, collection string, match Document) (Document, error) {
	e, err := r.find(ctx, collection, match)
	if err != nil {
		return nil, err
	}
	return e.doc, nil
}

func (r *RedisProvider) UpdateDoc(ctx context.Context, collection string, ref, doc Document) error {
	pk, err := r.primaryKey(ctx, collection)
	if err != nil {
		return err
	}
	e, err := r.find(ctx, collection, keyMatch(pk, ref))
	if err != nil {
		return err
	}
	data, err := doc.marshal()
	if err != nil {
		return err
	}

	newID := e.id
	if pk != "" {
		if newID, err = redisDocID(pk, doc); err != nil {
			return err
		}
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if newID != e.id {
			pipe.HDel(ctx, r.docsKey(collection), e.id)
			pipe.ZRem(ctx, r.orderKey(collection), e.id)
			pipe.ZAdd(ctx, r.orderKey(collection), redis.Z{Score: e.score, Member: newID})
		}
		pipe.HSet(ctx, r.docsKey(collection), newID, data)
		return nil
	})
	return err
}

func (r *RedisProvider) DeleteDoc(ctx context.Context, collection string, match Document) error {
	e, err := r.find(ctx, collection, match)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.docsKey(collection), e.id)
		pipe.ZRem(ctx, r.orderKey(collection), e.id)
		return nil
	})
	return err
}

func (r *RedisProvider) Close() error {
	if r.ownsClient {
		return r.client.Close()
	}
	return nil
}

type redisEntry struct {
	id    string
	score float64
	doc   Document
}

func (r *RedisProvider) find(ctx context.Context, collection string, match Document) (redisEntry, error) {
	pk, err := r.primaryKey(ctx, collection)
	if err != nil {
		return redisEntry{}, err
	}

	if v, ok := match[pk]; ok && pk != "" && v != nil {
		id, err := redisDocID(pk, match)
		if err != nil {
			return redisEntry{}, err
		}
		raw, err := r.client.HGet(ctx, r.docsKey(collection), id).Result()
		if errors.Is(err, redis.Nil) {
			return redisEntry{}, ErrNotFound
		}
		if err != nil {
			return redisEntry{}, err
		}
		doc, err := decodeDocument([]byte(raw))
		if err != nil {
			return redisEntry{}, err
		}
		if !doc.Contains(match) {
			return redisEntry{}, ErrNotFound
		}
		score, err := r.client.ZScore(ctx, r.orderKey(collection), id).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return redisEntry{}, err
		}
		return redisEntry{id: id, score: score, doc: doc}, nil
	}

	entries, err := r.scan(ctx, collection)
	if err != nil {
		return redisEntry{}, err
	}
	for _, e := range entries {
		if e.doc.Contains(match) {
			return e, nil
		}
	}
	return redisEntry{}, ErrNotFound
}

func (r *RedisProvider) scan(ctx context.Context, collection string) ([]redisEntry, error) {
	members, err := r.client.ZRangeWithScores(ctx, r.orderKey(collection), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = fmt.Sprint(m.Member)
	}
	values, err := r.client.HMGet(ctx, r.docsKey(collection), ids...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]redisEntry, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		doc, err := decodeDocument([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, redisEntry{id: ids[i], score: members[i].Score, doc: doc})
	}
	return out, nil
}

func redisDocID(pk string, doc Document) (string, error) {
	if pk == "" {
		return NewID(), nil
	}
	return encodeKey(pk, doc)
}
