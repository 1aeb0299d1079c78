package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vedran77/relay/internal/cache"
	"github.com/vedran77/relay/internal/database"
	"github.com/vedran77/relay/internal/domain"
	"github.com/vedran77/relay/internal/events"
	"github.com/vedran77/relay/internal/repository"
	"github.com/vedran77/relay/internal/repository/sqlite"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type directoryFixture struct {
	dir    *ChannelDirectory
	repo   *sqlite.ChannelRepo
	events *recorder
	clock  *testClock
}

func newDirectoryFixture(t *testing.T) *directoryFixture {
	t.Helper()
	return newDirectoryFixtureOn(t, openTestDB(t))
}

func newDirectoryFixtureOn(t *testing.T, db *sql.DB) *directoryFixture {
	t.Helper()
	f := &directoryFixture{
		repo:   sqlite.NewChannelRepo(db, zerolog.Nop()),
		events: &recorder{},
		clock:  newTestClock(),
	}
	f.dir = NewChannelDirectory(f.repo, f.events, zerolog.Nop())
	f.dir.now = f.clock.Now
	require.NoError(t, f.dir.Initialize(context.Background()))
	return f
}

type dispatcherFixture struct {
	*directoryFixture
	svc      *MessageDispatcher
	messages *sqlite.MessageRepo
	subs     *sqlite.SubscriptionRepo
	cache    *cache.Memory
}

// newDispatcherFixture wires a dispatcher over an in-memory database. A nil
// cache uses the fixture's memory cache.
func newDispatcherFixture(t *testing.T, c cache.Cache) *dispatcherFixture {
	t.Helper()
	db := openTestDB(t)
	df := newDirectoryFixtureOn(t, db)

	mem := cache.NewMemory()
	mem.SetClock(df.clock.Now)
	if c == nil {
		c = mem
	}

	f := &dispatcherFixture{
		directoryFixture: df,
		messages:         sqlite.NewMessageRepo(db),
		subs:             sqlite.NewSubscriptionRepo(db),
		cache:            mem,
	}
	f.svc = NewMessageDispatcher(f.messages, f.subs, df.dir, c, df.events, DefaultLimits(), zerolog.Nop())
	f.svc.now = df.clock.Now
	return f
}

const time1m = time.Minute

var errStoreDown = errors.New("connection refused")

type failingChannelRepo struct{}

func (failingChannelRepo) FindAll(context.Context) ([]domain.Channel, error) {
	return nil, errStoreDown
}

func (failingChannelRepo) FindByID(context.Context, uuid.UUID) (*domain.Channel, error) {
	return nil, errStoreDown
}

func (failingChannelRepo) FindByName(context.Context, string, domain.ChannelType) (*domain.Channel, error) {
	return nil, errStoreDown
}

func (failingChannelRepo) CreateOrGet(context.Context, *domain.Channel) (*domain.Channel, bool, error) {
	return nil, false, errStoreDown
}

func (failingChannelRepo) Upsert(context.Context, *domain.Channel) error { return errStoreDown }

func (failingChannelRepo) Delete(context.Context, uuid.UUID) error { return errStoreDown }

// switchableChannelRepo passes through to a real store until down is set.
// afterFind runs once a row has been read, before it is returned.
type switchableChannelRepo struct {
	repository.ChannelRepository
	down      atomic.Bool
	afterFind func(id uuid.UUID)
}

func (r *switchableChannelRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.Channel, error) {
	ch, err := r.ChannelRepository.FindByID(ctx, id)
	if r.afterFind != nil {
		r.afterFind(id)
	}
	return ch, err
}

func (r *switchableChannelRepo) Upsert(ctx context.Context, ch *domain.Channel) error {
	if r.down.Load() {
		return errStoreDown
	}
	return r.ChannelRepository.Upsert(ctx, ch)
}

func (r *switchableChannelRepo) Delete(ctx context.Context, id uuid.UUID) error {
	if r.down.Load() {
		return errStoreDown
	}
	return r.ChannelRepository.Delete(ctx, id)
}

// newSwitchableDirectory builds a directory over a sqlite store wrapped in a
// switchableChannelRepo.
func newSwitchableDirectory(t *testing.T) (*ChannelDirectory, *switchableChannelRepo, *recorder) {
	t.Helper()
	repo := &switchableChannelRepo{ChannelRepository: sqlite.NewChannelRepo(openTestDB(t), zerolog.Nop())}
	rec := &recorder{}
	dir := NewChannelDirectory(repo, rec, zerolog.Nop())
	require.NoError(t, dir.Initialize(context.Background()))
	return dir, repo, rec
}

// failingMessageRepo rejects every write.
type failingMessageRepo struct {
	repository.MessageRepository
}

func (failingMessageRepo) Create(context.Context, *domain.Message) error { return errStoreDown }

func (failingMessageRepo) UpdateStatus(context.Context, uuid.UUID, domain.MessageStatus, domain.MessageStatus, time.Time) (bool, error) {
	return false, errStoreDown
}

// flakyCache fails notification pushes for the listed users.
type flakyCache struct {
	*cache.Memory
	failFor map[string]bool
}

func (c *flakyCache) PushCapped(ctx context.Context, key string, value []byte, maxLen int64, ttl time.Duration) error {
	for user := range c.failFor {
		if key == cache.NotificationKey(user) {
			return errors.New("queue unavailable")
		}
	}
	return c.Memory.PushCapped(ctx, key, value, maxLen, ttl)
}
