package memory

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"quiz-arena/internal/app"
	"quiz-arena/internal/domain"
)

// QuestionRepository caches each session's questions with a TTL so the resolver and
// validator can run on every tick without hitting the backing store.
type QuestionRepository struct {
	loader app.QuestionLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group

	mu    sync.RWMutex
	rnd   *rand.Rand
	cache map[int64]cachedQuestions
}

type cachedQuestions struct {
	questions []domain.Question
	expiresAt time.Time
}

func NewQuestionRepository(loader app.QuestionLoader, ttl time.Duration) *QuestionRepository {
	return &QuestionRepository{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[int64]cachedQuestions),
	}
}

func (r *QuestionRepository) GetQuestions(ctx context.Context, sessionID int64) ([]domain.Question, error) {
	if qs, ok := r.cached(sessionID); ok {
		return qs, nil
	}

	result, err, _ := r.sf.Do(strconv.FormatInt(sessionID, 10), func() (interface{}, error) {
		if qs, ok := r.cached(sessionID); ok {
			return qs, nil
		}
		qs, err := r.loader.LoadQuestions(ctx, sessionID)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.cache[sessionID] = cachedQuestions{
			questions: qs,
			expiresAt: r.clock().Add(r.ttlWithJitterLocked()),
		}
		r.mu.Unlock()
		return qs, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Question), nil
}

// Invalidate drops the cached questions of a session.
func (r *QuestionRepository) Invalidate(_ context.Context, sessionID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, sessionID)
}

func (r *QuestionRepository) cached(sessionID int64) ([]domain.Question, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[sessionID]
	if !ok || !entry.expiresAt.After(r.clock()) {
		return nil, false
	}
	return entry.questions, true
}

func (r *QuestionRepository) ttlWithJitterLocked() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	// up to 10% jitter spreads expirations
	jitterMax := int64(r.ttl) / 10
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}
