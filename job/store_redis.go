package job

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis.
// Keys: job:<id> => JSON(Job). Sorted set "jobs" indexes ids by creation time.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) key(id string) string { return fmt.Sprintf("job:%s", id) }

func (s *RedisStore) Create(ctx context.Context, j *Job) error {
	exists, err := s.client.Exists(ctx, s.key(j.ID)).Result()
	if err != nil {
		return err
	}
	if exists > 0 {
		return fmt.Errorf("job %s already exists", j.ID)
	}

	b, err := json.Marshal(redisRecord(j))
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(j.ID), b, 0)
	pipe.ZAdd(ctx, "jobs", redis.Z{Score: float64(j.CreatedAt.Unix()), Member: j.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	val, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("job %s not found", id)
		}
		return nil, err
	}
	var rec storedJob
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, err
	}
	j := rec.Job
	j.OutputPath = rec.OutputPath
	j.ProcessOutput = rec.ProcessOutput
	return &j, nil
}

func (s *RedisStore) Update(ctx context.Context, j *Job) error {
	old, err := s.Get(ctx, j.ID)
	if err != nil {
		return fmt.Errorf("job %s not found for update: %w", j.ID, err)
	}
	if err := reconcile(old, j); err != nil {
		return err
	}

	b, err := json.Marshal(redisRecord(j))
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(j.ID), b, 0).Err()
}

func (s *RedisStore) List(ctx context.Context) ([]*Job, error) {
	ids, err := s.client.ZRevRange(ctx, "jobs", 0, -1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if err == nil {
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}

// storedJob persists the operator-only fields that Job deliberately hides
// from its public JSON form.
type storedJob struct {
	Job
	OutputPath    string `json:"outputPath,omitempty"`
	ProcessOutput string `json:"processOutput,omitempty"`
}

func redisRecord(j *Job) storedJob {
	return storedJob{Job: *j, OutputPath: j.OutputPath, ProcessOutput: j.ProcessOutput}
}

// NewRedisClient constructs a go-redis client for the given address.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}
