package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisKeyPrefix = "landmarks"

	fieldClassName   = "class_name"
	fieldDescription = "description"

	maxWatchRetries = 5
)

// RedisDatabase keeps one hash per class and a sorted set of known indices
// scored by index, which gives ordered listing without SCAN.
type RedisDatabase struct {
	client *redis.Client
	prefix string
}

// NewRedisDatabase accepts either a redis:// URL or a bare host:port.
func NewRedisDatabase(connectionString, prefix string) (DatabaseService, error) {
	var opts *redis.Options
	if strings.Contains(connectionString, "://") {
		parsed, err := redis.ParseURL(connectionString)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		if connectionString == "" {
			return nil, errors.New("redis address is required")
		}
		opts = &redis.Options{Addr: connectionString}
	}
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisDatabase{
		client: redis.NewClient(opts),
		prefix: prefix,
	}, nil
}

func (r *RedisDatabase) classKey(index int) string {
	return r.prefix + ":class:" + strconv.Itoa(index)
}

func (r *RedisDatabase) indexKey() string {
	return r.prefix + ":classes"
}

// CreateDatabase only verifies connectivity; redis needs no schema.
func (r *RedisDatabase) CreateDatabase(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisDatabase) DoesDatabaseExist(ctx context.Context) bool {
	return r.client.Ping(ctx).Err() == nil
}

func (r *RedisDatabase) Close() error {
	return r.client.Close()
}

func (r *RedisDatabase) GetClassRecord(ctx context.Context, index int) (ClassRecord, bool, error) {
	fields, err := r.client.HGetAll(ctx, r.classKey(index)).Result()
	if err != nil {
		return ClassRecord{}, false, err
	}
	if len(fields) == 0 {
		return ClassRecord{}, false, nil
	}
	return recordFromHash(index, fields), true, nil
}

func recordFromHash(index int, fields map[string]string) ClassRecord {
	return ClassRecord{
		Index:       index,
		Name:        fields[fieldClassName],
		Description: fields[fieldDescription],
	}
}

func (r *RedisDatabase) UpsertClassRecord(ctx context.Context, record ClassRecord) error {
	record, err := prepareRecord(record)
	if err != nil {
		return err
	}
	key := r.classKey(record.Index)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fieldClassName, record.Name, fieldDescription, record.Description)
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: float64(record.Index), Member: strconv.Itoa(record.Index)})
		return nil
	})
	return err
}

func (r *RedisDatabase) SeedClassRecords(ctx context.Context, records []ClassRecord) (int, error) {
	inserted := 0
	for _, rec := range records {
		rec, err := prepareRecord(rec)
		if err != nil {
			return inserted, err
		}
		added, err := r.insertIfAbsent(ctx, rec)
		if err != nil {
			return inserted, err
		}
		if added {
			inserted++
		}
	}
	return inserted, nil
}

// insertIfAbsent retries when a concurrent writer touches the key between
// the existence check and the write.
func (r *RedisDatabase) insertIfAbsent(ctx context.Context, record ClassRecord) (bool, error) {
	key := r.classKey(record.Index)
	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		added := false
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, fieldClassName, record.Name, fieldDescription, record.Description)
				pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: float64(record.Index), Member: strconv.Itoa(record.Index)})
				return nil
			})
			if err == nil {
				added = true
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return added, err
	}
	return false, fmt.Errorf("seed class %d: too many concurrent modifications", record.Index)
}

func (r *RedisDatabase) GetAllClassRecords(ctx context.Context) ([]ClassRecord, error) {
	members, err := r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	indices := make([]int, 0, len(members))
	for _, m := range members {
		index, err := ParseClassIndex(m)
		if err != nil {
			return nil, fmt.Errorf("corrupt class index set: %w", err)
		}
		indices = append(indices, index)
	}

	cmds := make([]*redis.MapStringStringCmd, len(indices))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, index := range indices {
			cmds[i] = pipe.HGetAll(ctx, r.classKey(index))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	records := make([]ClassRecord, 0, len(indices))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// removed between ZRANGE and HGETALL
			continue
		}
		records = append(records, recordFromHash(indices[i], fields))
	}
	return records, nil
}

func (r *RedisDatabase) DeleteClassRecord(ctx context.Context, index int) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.classKey(index))
		pipe.ZRem(ctx, r.indexKey(), strconv.Itoa(index))
		return nil
	})
	return err
}
