package sqlite

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vedran77/relay/internal/database"
	"github.com/vedran77/relay/internal/domain"
	"github.com/vedran77/relay/internal/repository"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newChannel(name string, chType domain.ChannelType, participants ...string) *domain.Channel {
	meta := domain.NewChannelMetadata(time.Now())
	meta.Participants = append([]string{}, participants...)
	return &domain.Channel{ID: uuid.New(), Name: name, Type: chType, Metadata: meta}
}

func TestChannelRepo_CreateOrGetCollapsesOnNameAndType(t *testing.T) {
	ctx := context.Background()
	repo := NewChannelRepo(openTestDB(t), zerolog.Nop())

	first := newChannel("dm-alice-bob", domain.ChannelDirect, "alice", "bob")
	stored, created, err := repo.CreateOrGet(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first.ID, stored.ID)

	second := newChannel("dm-alice-bob", domain.ChannelDirect, "alice", "bob")
	stored, created, err = repo.CreateOrGet(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, stored.ID)

	// Same name, different type is a different channel.
	third := newChannel("dm-alice-bob", domain.ChannelGroup)
	stored, created, err = repo.CreateOrGet(ctx, third)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, third.ID, stored.ID)

	all, err := repo.FindAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestChannelRepo_UpsertAndFind(t *testing.T) {
	ctx := context.Background()
	repo := NewChannelRepo(openTestDB(t), zerolog.Nop())

	ch := newChannel("ops", domain.ChannelTopic, "u1")
	require.NoError(t, repo.Upsert(ctx, ch))

	ch.Metadata.MessageCount = 3
	ch.Metadata.Participants = append(ch.Metadata.Participants, "u2")
	require.NoError(t, repo.Upsert(ctx, ch))

	got, err := repo.FindByID(ctx, ch.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(3), got.Metadata.MessageCount)
	assert.Equal(t, []string{"u1", "u2"}, got.Metadata.Participants)

	byName, err := repo.FindByName(ctx, "ops", domain.ChannelTopic)
	require.NoError(t, err)
	require.NotNil(t, byName)
	assert.Equal(t, ch.ID, byName.ID)

	missing, err := repo.FindByID(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestChannelRepo_UnreadableMetadataFallsBackToDefaults(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewChannelRepo(db, zerolog.Nop())

	id := uuid.New()
	created := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	_, err := db.ExecContext(ctx,
		`INSERT INTO channels (id, name, type, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, "legacy", "group", "{oops", created.UnixNano(), created.UnixNano())
	require.NoError(t, err)

	// Serialized-string metadata written by older code.
	_, err = db.ExecContext(ctx,
		`INSERT INTO channels (id, name, type, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New(), "stringly", "group", `"{\"messageCount\":7,\"participants\":[\"a\"]}"`, created.UnixNano(), created.UnixNano())
	require.NoError(t, err)

	all, err := repo.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	byName := map[string]domain.Channel{}
	for _, ch := range all {
		byName[ch.Name] = ch
	}
	assert.True(t, created.Equal(byName["legacy"].Metadata.Created))
	assert.Equal(t, []string{}, byName["legacy"].Metadata.Participants)
	assert.Equal(t, int64(7), byName["stringly"].Metadata.MessageCount)
	assert.Equal(t, []string{"a"}, byName["stringly"].Metadata.Participants)
}

func TestChannelRepo_Delete(t *testing.T) {
	ctx := context.Background()
	repo := NewChannelRepo(openTestDB(t), zerolog.Nop())

	ch := newChannel("tmp", domain.ChannelGroup)
	require.NoError(t, repo.Upsert(ctx, ch))

	require.NoError(t, repo.Delete(ctx, ch.ID))
	assert.ErrorIs(t, repo.Delete(ctx, ch.ID), repository.ErrNotFound)
}

func newMessage(sender string, recipients []string, at time.Time) *domain.Message {
	return &domain.Message{
		ID:         uuid.New(),
		Type:       domain.MessageDirect,
		SenderID:   sender,
		Recipients: recipients,
		Content:    "hello",
		Metadata:   map[string]any{"source": "test"},
		Status:     domain.StatusPending,
		Timestamp:  at,
		UpdatedAt:  at,
	}
}

func TestMessageRepo_CreateGetAndStatusCAS(t *testing.T) {
	ctx := context.Background()
	repo := NewMessageRepo(openTestDB(t))

	now := time.Now()
	chID := uuid.New()
	msg := newMessage("alice", []string{"bob"}, now)
	msg.ChannelID = &chID
	require.NoError(t, repo.Create(ctx, msg))

	got, err := repo.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"bob"}, got.Recipients)
	assert.Equal(t, "test", got.Metadata["source"])
	require.NotNil(t, got.ChannelID)
	assert.Equal(t, chID, *got.ChannelID)
	assert.True(t, now.Equal(got.Timestamp))
	assert.Nil(t, got.ExpiresAt)

	ok, err := repo.UpdateStatus(ctx, msg.ID, domain.StatusPending, domain.StatusSent, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.UpdateStatus(ctx, msg.ID, domain.StatusPending, domain.StatusFailed, now)
	require.NoError(t, err)
	assert.False(t, ok, "stale from-status must not apply")

	got, err = repo.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, got.Status)
}

func TestMessageRepo_ListFilters(t *testing.T) {
	ctx := context.Background()
	repo := NewMessageRepo(openTestDB(t))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	chA, chB := uuid.New(), uuid.New()

	m1 := newMessage("alice", []string{"bob"}, base)
	m1.ChannelID = &chA
	m2 := newMessage("bob", []string{"alice", "carol"}, base.Add(time.Minute))
	m2.ChannelID = &chA
	m2.Status = domain.StatusRead
	m3 := newMessage("dave", []string{"erin"}, base.Add(2*time.Minute))
	m3.ChannelID = &chB

	for _, m := range []*domain.Message{m1, m2, m3} {
		require.NoError(t, repo.Create(ctx, m))
	}

	all, err := repo.List(ctx, domain.MessageFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	inA, err := repo.List(ctx, domain.MessageFilter{ChannelID: &chA})
	require.NoError(t, err)
	assert.Len(t, inA, 2)

	carol, err := repo.List(ctx, domain.MessageFilter{Participant: "carol"})
	require.NoError(t, err)
	require.Len(t, carol, 1)
	assert.Equal(t, m2.ID, carol[0].ID)

	alice, err := repo.List(ctx, domain.MessageFilter{Participant: "alice"})
	require.NoError(t, err)
	assert.Len(t, alice, 2)

	read, err := repo.List(ctx, domain.MessageFilter{Status: domain.StatusRead})
	require.NoError(t, err)
	assert.Len(t, read, 1)

	since := base.Add(30 * time.Second)
	until := base.Add(90 * time.Second)
	window, err := repo.List(ctx, domain.MessageFilter{Since: &since, Until: &until})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, m2.ID, window[0].ID)

	limited, err := repo.List(ctx, domain.MessageFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMessageRepo_DeleteExpired(t *testing.T) {
	ctx := context.Background()
	repo := NewMessageRepo(openTestDB(t))

	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	retention := 24 * time.Hour

	past := now.Add(-time.Second)
	future := now.Add(time.Hour)

	expiredExplicit := newMessage("a", []string{"b"}, now.Add(-time.Minute))
	expiredExplicit.ExpiresAt = &past
	liveExplicit := newMessage("a", []string{"b"}, now.Add(-48*time.Hour))
	liveExplicit.ExpiresAt = &future
	expiredByRetention := newMessage("a", []string{"b"}, now.Add(-25*time.Hour))
	liveByRetention := newMessage("a", []string{"b"}, now.Add(-23*time.Hour))

	for _, m := range []*domain.Message{expiredExplicit, liveExplicit, expiredByRetention, liveByRetention} {
		require.NoError(t, repo.Create(ctx, m))
	}

	deleted, err := repo.DeleteExpired(ctx, now, retention)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{expiredExplicit.ID, expiredByRetention.ID}, deleted)

	left, err := repo.List(ctx, domain.MessageFilter{})
	require.NoError(t, err)
	ids := []uuid.UUID{}
	for _, m := range left {
		ids = append(ids, m.ID)
	}
	assert.ElementsMatch(t, []uuid.UUID{liveExplicit.ID, liveByRetention.ID}, ids)
}

func TestMessageRepo_DeleteMany(t *testing.T) {
	ctx := context.Background()
	repo := NewMessageRepo(openTestDB(t))

	now := time.Now()
	ch := uuid.New()
	m1 := newMessage("a", []string{"b"}, now.Add(-time.Hour))
	m1.ChannelID = &ch
	m2 := newMessage("a", []string{"b"}, now)
	m2.ChannelID = &ch
	m3 := newMessage("a", []string{"b"}, now.Add(-time.Hour))
	for _, m := range []*domain.Message{m1, m2, m3} {
		require.NoError(t, repo.Create(ctx, m))
	}

	_, err := repo.DeleteMany(ctx, domain.HistoryFilter{})
	assert.Error(t, err)

	before := now.Add(-time.Minute)
	deleted, err := repo.DeleteMany(ctx, domain.HistoryFilter{ChannelID: &ch, Before: &before})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{m1.ID}, deleted)
}

func TestSubscriptionRepo_Lifecycle(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	channels := NewChannelRepo(db, zerolog.Nop())
	repo := NewSubscriptionRepo(db)

	ch := newChannel("news", domain.ChannelTopic)
	require.NoError(t, channels.Upsert(ctx, ch))

	now := time.Now()
	sub := &domain.Subscription{ID: uuid.New(), UserID: "u1", ChannelID: ch.ID, Status: domain.SubscriptionActive, CreatedAt: now, UpdatedAt: now}
	stored, created, err := repo.CreateOrGet(ctx, sub)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, sub.ID, stored.ID)

	again := &domain.Subscription{ID: uuid.New(), UserID: "u1", ChannelID: ch.ID, Status: domain.SubscriptionActive, CreatedAt: now, UpdatedAt: now}
	stored, created, err = repo.CreateOrGet(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, sub.ID, stored.ID)

	require.NoError(t, repo.UpdateStatus(ctx, sub.ID, domain.SubscriptionMuted, now))
	got, err := repo.Get(ctx, "u1", ch.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionMuted, got.Status)

	byUser, err := repo.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, byUser, 1)

	require.NoError(t, repo.Delete(ctx, "u1", ch.ID))
	assert.ErrorIs(t, repo.Delete(ctx, "u1", ch.ID), repository.ErrNotFound)
}

func TestSubscriptionRepo_CascadesWithChannel(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	channels := NewChannelRepo(db, zerolog.Nop())
	repo := NewSubscriptionRepo(db)

	ch := newChannel("news", domain.ChannelTopic)
	require.NoError(t, channels.Upsert(ctx, ch))
	now := time.Now()
	_, _, err := repo.CreateOrGet(ctx, &domain.Subscription{ID: uuid.New(), UserID: "u1", ChannelID: ch.ID, Status: domain.SubscriptionActive, CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)

	require.NoError(t, channels.Delete(ctx, ch.ID))

	subs, err := repo.ListByChannel(ctx, ch.ID)
	require.NoError(t, err)
	assert.Empty(t, subs)
}
