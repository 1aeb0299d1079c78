package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedran77/relay/internal/domain"
	"github.com/vedran77/relay/internal/events"
	"github.com/vedran77/relay/pkg/apperror"
)

func TestResolve_DirectIsOrderIndependent(t *testing.T) {
	ctx := context.Background()
	f := newDirectoryFixture(t)

	ab, err := f.dir.Resolve(ctx, ResolveInput{Target: "bob", Source: "alice", MessageType: "direct"})
	require.NoError(t, err)
	ba, err := f.dir.Resolve(ctx, ResolveInput{Target: "alice", Source: "bob", MessageType: "direct"})
	require.NoError(t, err)

	assert.Equal(t, ab.ID, ba.ID)
	assert.Equal(t, "dm-alice-bob", ab.Name)
	assert.Equal(t, domain.ChannelDirect, ab.Type)
	assert.Equal(t, []string{"alice", "bob"}, ab.Metadata.Participants)
	assert.Len(t, f.events.ofType(events.ChannelCreated), 1)

	stored, err := f.repo.FindByID(ctx, ab.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "dm-alice-bob", stored.Name)
}

func TestResolve_SequentialCallsReuseChannel(t *testing.T) {
	ctx := context.Background()
	f := newDirectoryFixture(t)
	in := ResolveInput{Target: "ops", Source: "alice", MessageType: "group", Participants: []string{"alice", "bob", "alice"}}

	first, err := f.dir.Resolve(ctx, in)
	require.NoError(t, err)
	second, err := f.dir.Resolve(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []string{"alice", "bob"}, second.Metadata.Participants)
	assert.Zero(t, second.Metadata.MessageCount)
	assert.Len(t, f.dir.GetAll(), 1)
}

func TestResolve_ByID(t *testing.T) {
	ctx := context.Background()
	f := newDirectoryFixture(t)

	ch, err := f.dir.Resolve(ctx, ResolveInput{Target: "news", MessageType: "broadcast"})
	require.NoError(t, err)

	got, err := f.dir.Resolve(ctx, ResolveInput{Target: ch.ID.String(), MessageType: "group"})
	require.NoError(t, err)
	assert.Equal(t, ch.ID, got.ID)
	assert.Equal(t, domain.ChannelBroadcast, got.Type)
}

func TestResolve_TypeMismatchCreatesSeparateChannel(t *testing.T) {
	ctx := context.Background()
	f := newDirectoryFixture(t)

	group, err := f.dir.Resolve(ctx, ResolveInput{Target: "deploys", MessageType: "group"})
	require.NoError(t, err)

	topic, err := f.dir.Resolve(ctx, ResolveInput{Target: "deploys", MessageType: "event"})
	require.NoError(t, err)
	assert.NotEqual(t, group.ID, topic.ID)
	assert.Equal(t, domain.ChannelTopic, topic.Type)

	untyped, err := f.dir.Resolve(ctx, ResolveInput{Target: "deploys"})
	require.NoError(t, err)
	assert.Equal(t, group.ID, untyped.ID)
}

func TestResolve_FallbackSeedsSource(t *testing.T) {
	f := newDirectoryFixture(t)

	ch, err := f.dir.Resolve(context.Background(), ResolveInput{Target: "standup", Source: "carol"})
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelGroup, ch.Type)
	assert.Equal(t, []string{"carol"}, ch.Metadata.Participants)
}

func TestResolve_RejectsBadInput(t *testing.T) {
	ctx := context.Background()
	f := newDirectoryFixture(t)

	_, err := f.dir.Resolve(ctx, ResolveInput{})
	assert.ErrorIs(t, err, ErrEmptyTarget)
	assert.Equal(t, apperror.CodeInvalidArgument, apperror.CodeOf(err))

	_, err = f.dir.Resolve(ctx, ResolveInput{Target: "alice", Source: "alice", MessageType: "direct"})
	assert.ErrorIs(t, err, ErrCannotDMSelf)
}

func TestResolve_ConcurrentCallsCreateOnce(t *testing.T) {
	ctx := context.Background()
	f := newDirectoryFixture(t)

	const workers = 20
	ids := make([]uuid.UUID, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			in := ResolveInput{Target: "bob", Source: "alice", MessageType: "direct"}
			if i%2 == 1 {
				in = ResolveInput{Target: "alice", Source: "bob", MessageType: "direct"}
			}
			ch, err := f.dir.Resolve(ctx, in)
			if assert.NoError(t, err) {
				ids[i] = ch.ID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Len(t, f.events.ofType(events.ChannelCreated), 1)
	assert.Len(t, f.dir.GetAll(), 1)
}

func TestRoute_RecordsActivity(t *testing.T) {
	ctx := context.Background()
	f := newDirectoryFixture(t)
	in := ResolveInput{Target: "bob", Source: "alice", MessageType: "direct"}

	first, err := f.dir.Route(ctx, in)
	require.NoError(t, err)
	created := first.Metadata.Created

	f.clock.Advance(time1m)
	second, err := f.dir.Route(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, int64(2), second.Metadata.MessageCount)
	assert.True(t, second.Metadata.LastActive.After(created))
	assert.Len(t, f.events.ofType(events.MessageRouted), 2)

	stored, err := f.repo.FindByID(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Metadata.MessageCount)
}

func TestSave_KeepsCountersMonotonic(t *testing.T) {
	ctx := context.Background()
	f := newDirectoryFixture(t)

	stale, err := f.dir.Resolve(ctx, ResolveInput{Target: "ops"})
	require.NoError(t, err)
	_, err = f.dir.Route(ctx, ResolveInput{Target: "ops"})
	require.NoError(t, err)

	stale.Metadata.Description = "on-call"
	require.NoError(t, f.dir.Save(ctx, stale))

	got, err := f.dir.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Metadata.MessageCount)
	assert.Equal(t, "on-call", got.Metadata.Description)
}

func TestGet_FallsBackToStore(t *testing.T) {
	ctx := context.Background()
	f := newDirectoryFixture(t)

	ch := &domain.Channel{ID: uuid.New(), Name: "elsewhere", Type: domain.ChannelTopic, Metadata: domain.NewChannelMetadata(f.clock.Now())}
	_, _, err := f.repo.CreateOrGet(ctx, ch)
	require.NoError(t, err)

	got, err := f.dir.Get(ctx, ch.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "elsewhere", got.Name)
	assert.Len(t, f.dir.GetAll(), 1)

	missing, err := f.dir.Get(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestInitialize_LoadsStoredChannels(t *testing.T) {
	ctx := context.Background()
	f := newDirectoryFixture(t)

	created, err := f.dir.Resolve(ctx, ResolveInput{Target: "bob", Source: "alice", MessageType: "direct"})
	require.NoError(t, err)

	fresh := NewChannelDirectory(f.repo, nil, zerolog.Nop())
	require.NoError(t, fresh.Initialize(ctx))

	all := fresh.GetAll()
	require.Len(t, all, 1)
	assert.Equal(t, created.ID, all[0].ID)

	again, err := fresh.Resolve(ctx, ResolveInput{Target: "alice", Source: "bob", MessageType: "direct"})
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID)
}

func TestInitialize_StoreFailure(t *testing.T) {
	dir := NewChannelDirectory(failingChannelRepo{}, nil, zerolog.Nop())
	err := dir.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperror.CodeUnavailable, apperror.CodeOf(err))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	f := newDirectoryFixture(t)

	require.NoError(t, f.dir.Delete(ctx, uuid.New()))
	assert.Empty(t, f.events.ofType(events.ChannelDeleted))

	ch, err := f.dir.Resolve(ctx, ResolveInput{Target: "ops"})
	require.NoError(t, err)
	require.NoError(t, f.dir.Delete(ctx, ch.ID))

	got, err := f.dir.Get(ctx, ch.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Len(t, f.events.ofType(events.ChannelDeleted), 1)

	// The name is free again.
	again, err := f.dir.Resolve(ctx, ResolveInput{Target: "ops"})
	require.NoError(t, err)
	assert.NotEqual(t, ch.ID, again.ID)
}

func TestParticipants_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newDirectoryFixture(t)

	ch, err := f.dir.Resolve(ctx, ResolveInput{Target: "ops"})
	require.NoError(t, err)

	_, err = f.dir.AddParticipant(ctx, ch.ID, "u1")
	require.NoError(t, err)
	got, err := f.dir.AddParticipant(ctx, ch.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, got.Metadata.Participants)

	before := got.Metadata.LastActive
	f.clock.Advance(time1m)
	got, err = f.dir.RemoveParticipant(ctx, ch.ID, "nobody")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, got.Metadata.Participants)
	assert.Equal(t, before, got.Metadata.LastActive)

	got, err = f.dir.RemoveParticipant(ctx, ch.ID, "u1")
	require.NoError(t, err)
	assert.Empty(t, got.Metadata.Participants)

	_, err = f.dir.AddParticipant(ctx, uuid.New(), "u1")
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestParticipants_DirectChannelIsFixed(t *testing.T) {
	ctx := context.Background()
	f := newDirectoryFixture(t)

	dm, err := f.dir.Resolve(ctx, ResolveInput{Target: "bob", Source: "alice", MessageType: "direct"})
	require.NoError(t, err)

	_, err = f.dir.AddParticipant(ctx, dm.ID, "carol")
	assert.ErrorIs(t, err, ErrDirectChannelMembership)
	_, err = f.dir.RemoveParticipant(ctx, dm.ID, "bob")
	assert.ErrorIs(t, err, ErrDirectChannelMembership)

	got, err := f.dir.AddParticipant(ctx, dm.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, got.Metadata.Participants)
}

func TestSubscriberCounter(t *testing.T) {
	ctx := context.Background()
	f := newDirectoryFixture(t)

	ch, err := f.dir.Resolve(ctx, ResolveInput{Target: "alerts", MessageType: "event"})
	require.NoError(t, err)

	got, err := f.dir.AddSubscriber(ctx, ch.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Metadata.Subscribers)
	assert.True(t, got.Metadata.HasParticipant("u1"))

	got, err = f.dir.RemoveSubscriber(ctx, ch.ID, "u1")
	require.NoError(t, err)
	assert.Zero(t, got.Metadata.Subscribers)
	assert.False(t, got.Metadata.HasParticipant("u1"))

	got, err = f.dir.RemoveSubscriber(ctx, ch.ID, "u1")
	require.NoError(t, err)
	assert.Zero(t, got.Metadata.Subscribers)
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	f := newDirectoryFixture(t)

	ch, err := f.dir.Create(ctx, CreateChannelInput{Name: "release-notes", Type: domain.ChannelTopic, Description: "Releases", Tags: []string{"eng"}})
	require.NoError(t, err)
	assert.Equal(t, "Releases", ch.Metadata.Description)
	assert.Equal(t, []string{"eng"}, ch.Metadata.Tags)

	_, err = f.dir.Create(ctx, CreateChannelInput{Name: "release-notes", Type: domain.ChannelTopic})
	assert.ErrorIs(t, err, ErrChannelNameTaken)

	dm, err := f.dir.Create(ctx, CreateChannelInput{Type: domain.ChannelDirect, Participants: []string{"zed", "amy"}})
	require.NoError(t, err)
	assert.Equal(t, "dm-amy-zed", dm.Name)
	assert.Equal(t, []string{"amy", "zed"}, dm.Metadata.Participants)

	_, err = f.dir.Create(ctx, CreateChannelInput{Name: "bad name!", Type: domain.ChannelGroup})
	var appErr *apperror.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperror.CodeInvalidArgument, appErr.Code)
	assert.Contains(t, appErr.Fields, "name")
}

func TestList_FiltersAndSorts(t *testing.T) {
	ctx := context.Background()
	f := newDirectoryFixture(t)

	older, err := f.dir.Resolve(ctx, ResolveInput{Target: "a", Participants: []string{"u1"}})
	require.NoError(t, err)
	f.clock.Advance(time1m)
	newer, err := f.dir.Resolve(ctx, ResolveInput{Target: "b", Participants: []string{"u1", "u2"}})
	require.NoError(t, err)
	_, err = f.dir.Resolve(ctx, ResolveInput{Target: "c", MessageType: "event"})
	require.NoError(t, err)

	got := f.dir.List(domain.ChannelFilter{Participant: "u1"})
	require.Len(t, got, 2)
	assert.Equal(t, newer.ID, got[0].ID)
	assert.Equal(t, older.ID, got[1].ID)

	assert.Len(t, f.dir.List(domain.ChannelFilter{Type: domain.ChannelTopic}), 1)
	assert.Len(t, f.dir.List(domain.ChannelFilter{}), 3)
}

func TestReturnedChannelsAreCopies(t *testing.T) {
	ctx := context.Background()
	f := newDirectoryFixture(t)

	ch, err := f.dir.Resolve(ctx, ResolveInput{Target: "ops", Participants: []string{"u1"}})
	require.NoError(t, err)
	ch.Metadata.Participants[0] = "mallory"
	ch.Metadata.MessageCount = 99

	got, err := f.dir.Get(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, got.Metadata.Participants)
	assert.Zero(t, got.Metadata.MessageCount)
}

func TestResolve_DirectNamesDoNotCollide(t *testing.T) {
	ctx := context.Background()
	f := newDirectoryFixture(t)

	first, err := f.dir.Resolve(ctx, ResolveInput{Target: "c", Source: "a-b", MessageType: "direct"})
	require.NoError(t, err)
	second, err := f.dir.Resolve(ctx, ResolveInput{Target: "b-c", Source: "a", MessageType: "direct"})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, []string{"a-b", "c"}, first.Metadata.Participants)
	assert.Equal(t, []string{"a", "b-c"}, second.Metadata.Participants)
}

func TestResolve_DirectNameHeldByOthers(t *testing.T) {
	ctx := context.Background()
	f := newDirectoryFixture(t)

	// A direct channel created by name alone has no participants.
	squatter, err := f.dir.Resolve(ctx, ResolveInput{Target: "dm-alice-bob", MessageType: "direct"})
	require.NoError(t, err)
	assert.Empty(t, squatter.Metadata.Participants)

	_, err = f.dir.Resolve(ctx, ResolveInput{Target: "bob", Source: "alice", MessageType: "direct"})
	assert.ErrorIs(t, err, ErrDirectChannelConflict)
}

func TestCreate_DefaultsToGroup(t *testing.T) {
	ctx := context.Background()
	f := newDirectoryFixture(t)

	ch, err := f.dir.Create(ctx, CreateChannelInput{Name: "general"})
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelGroup, ch.Type)
	assert.True(t, ch.Type.Valid())

	groups := f.dir.List(domain.ChannelFilter{Type: domain.ChannelGroup})
	require.Len(t, groups, 1)
	assert.Equal(t, ch.ID, groups[0].ID)
}

func TestSave_StoreFailure(t *testing.T) {
	ctx := context.Background()
	dir, repo, _ := newSwitchableDirectory(t)

	ch, err := dir.Resolve(ctx, ResolveInput{Target: "ops"})
	require.NoError(t, err)

	repo.down.Store(true)
	update := ch.Clone()
	update.Metadata.Description = "pager rota"
	err = dir.Save(ctx, update)
	require.Error(t, err)
	assert.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, apperror.CodeUnavailable, apperror.CodeOf(err))

	// The index keeps the last stored state.
	got, err := dir.Get(ctx, ch.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Metadata.Description)

	_, err = dir.Route(ctx, ResolveInput{Target: ch.ID.String()})
	assert.Equal(t, apperror.CodeUnavailable, apperror.CodeOf(err))
}

func TestDelete_StoreFailure(t *testing.T) {
	ctx := context.Background()
	dir, repo, rec := newSwitchableDirectory(t)

	ch, err := dir.Resolve(ctx, ResolveInput{Target: "ops"})
	require.NoError(t, err)

	repo.down.Store(true)
	err = dir.Delete(ctx, ch.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, apperror.CodeUnavailable, apperror.CodeOf(err))

	got, err := dir.Get(ctx, ch.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Empty(t, rec.ofType(events.ChannelDeleted))
}

func TestGet_StoreFallbackKeepsNewerIndexedCopy(t *testing.T) {
	ctx := context.Background()
	dir, repo, _ := newSwitchableDirectory(t)

	stale := &domain.Channel{ID: uuid.New(), Name: "elsewhere", Type: domain.ChannelTopic, Metadata: domain.NewChannelMetadata(time.Now().UTC())}
	stale.Metadata.MessageCount = 1
	_, _, err := repo.CreateOrGet(ctx, stale)
	require.NoError(t, err)

	// A save lands between the store read and indexing.
	var once sync.Once
	repo.afterFind = func(id uuid.UUID) {
		once.Do(func() {
			newer := stale.Clone()
			newer.Metadata.MessageCount = 5
			require.NoError(t, dir.Save(ctx, newer))
		})
	}

	got, err := dir.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Metadata.MessageCount)

	again, err := dir.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), again.Metadata.MessageCount)
}
