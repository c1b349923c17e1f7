package redis

import (
	"context"
	"encoding/json"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"quiz-arena/internal/app"
	"quiz-arena/internal/domain"
)

// QuestionRepository caches each session's questions in Redis and falls back to a
// loader on a miss. Questions are stored as: HSET quiz:{sessionID}:questions {index} {json}
type QuestionRepository struct {
	client *redis.Client
	loader app.QuestionLoader
	ttl    time.Duration
	sf     singleflight.Group

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func NewQuestionRepository(client *redis.Client, loader app.QuestionLoader, ttl time.Duration) *QuestionRepository {
	return &QuestionRepository{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *QuestionRepository) GetQuestions(ctx context.Context, sessionID int64) ([]domain.Question, error) {
	key := r.key(sessionID)
	if qs, ok := r.fromCache(ctx, key); ok {
		return qs, nil
	}

	result, err, _ := r.sf.Do(key, func() (interface{}, error) {
		// another caller may have filled it meanwhile
		if qs, ok := r.fromCache(ctx, key); ok {
			return qs, nil
		}
		qs, err := r.loader.LoadQuestions(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		r.store(ctx, key, qs)
		return qs, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Question), nil
}

// Invalidate drops the cached questions of a session.
func (r *QuestionRepository) Invalidate(ctx context.Context, sessionID int64) {
	if err := r.client.Del(ctx, r.key(sessionID)).Err(); err != nil {
		log.Warn().Err(err).Int64("session_id", sessionID).Msg("question cache invalidation failed")
	}
}

func (r *QuestionRepository) fromCache(ctx context.Context, key string) ([]domain.Question, bool) {
	fields, err := r.client.HGetAll(ctx, key).Result()
	if err != nil || len(fields) == 0 {
		return nil, false
	}
	qs := make([]domain.Question, 0, len(fields))
	for field, raw := range fields {
		var q domain.Question
		if err := json.Unmarshal([]byte(raw), &q); err != nil {
			return nil, false
		}
		if idx, err := strconv.Atoi(field); err != nil || idx != q.Index {
			return nil, false
		}
		qs = append(qs, q)
	}
	sort.Slice(qs, func(i, j int) bool { return qs[i].Index < qs[j].Index })
	for i, q := range qs {
		// a partially written hash is treated as a miss
		if q.Index != i {
			return nil, false
		}
	}
	return qs, true
}

func (r *QuestionRepository) store(ctx context.Context, key string, qs []domain.Question) {
	if len(qs) == 0 {
		return
	}
	values := make([]interface{}, 0, len(qs)*2)
	for _, q := range qs {
		raw, err := json.Marshal(q)
		if err != nil {
			return
		}
		values = append(values, strconv.Itoa(q.Index), string(raw))
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, values...)
	if ttl := r.ttlWithJitter(); ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("question cache fill failed")
	}
}

func (r *QuestionRepository) key(sessionID int64) string {
	return "quiz:" + strconv.FormatInt(sessionID, 10) + ":questions"
}

func (r *QuestionRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	jitterMax := int64(r.ttl) / 10
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}
