package service

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/vedran77/relay/internal/domain"
	"github.com/vedran77/relay/internal/events"
	"github.com/vedran77/relay/internal/logging"
	"github.com/vedran77/relay/internal/metrics"
	"github.com/vedran77/relay/internal/repository"
	"github.com/vedran77/relay/pkg/apperror"
	"github.com/vedran77/relay/pkg/validator"
)

// lookupOrder decides which channel wins a name lookup when no type is requested.
var lookupOrder = []domain.ChannelType{
	domain.ChannelDirect,
	domain.ChannelGroup,
	domain.ChannelTopic,
	domain.ChannelBroadcast,
}

type channelKey struct {
	name string
	typ  domain.ChannelType
}

func (k channelKey) String() string { return string(k.typ) + "|" + k.name }

// ChannelDirectory resolves message targets to channels and owns the
// in-memory channel index. The index is a read-through cache over the
// channel repository and is never assumed to be complete.
type ChannelDirectory struct {
	repo      repository.ChannelRepository
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time

	mu     sync.RWMutex
	byID   map[uuid.UUID]*domain.Channel
	byName map[channelKey]uuid.UUID

	creating singleflight.Group
	locks    keyedMutex
}

func NewChannelDirectory(repo repository.ChannelRepository, publisher events.Publisher, logger zerolog.Logger) *ChannelDirectory {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &ChannelDirectory{
		repo:      repo,
		publisher: publisher,
		logger:    logging.Component(logger, "channel_directory"),
		now:       func() time.Time { return time.Now().UTC() },
		byID:      make(map[uuid.UUID]*domain.Channel),
		byName:    make(map[channelKey]uuid.UUID),
	}
}

// ResolveInput describes a message target. Target is a channel id, a channel
// name or, for direct messages, the other participant.
type ResolveInput struct {
	Target       string
	Source       string
	MessageType  string
	Participants []string
}

type CreateChannelInput struct {
	Name         string             `json:"name"`
	Type         domain.ChannelType `json:"type"`
	Description  string             `json:"description"`
	Tags         []string           `json:"tags"`
	Participants []string           `json:"participants"`
}

// Initialize loads every stored channel into the index.
func (d *ChannelDirectory) Initialize(ctx context.Context) error {
	channels, err := d.repo.FindAll(ctx)
	if err != nil {
		return apperror.Store("load channels", err)
	}

	d.mu.Lock()
	d.byID = make(map[uuid.UUID]*domain.Channel, len(channels))
	d.byName = make(map[channelKey]uuid.UUID, len(channels))
	for i := range channels {
		d.indexLocked(channels[i].Clone())
	}
	size := len(d.byID)
	d.mu.Unlock()

	metrics.ChannelIndexSize.Set(float64(size))
	d.logger.Info().Int("channels", size).Msg("channel index loaded")
	return nil
}

func (d *ChannelDirectory) Resolve(ctx context.Context, in ResolveInput) (*domain.Channel, error) {
	if in.Target == "" {
		return nil, ErrEmptyTarget
	}

	if id, err := uuid.Parse(in.Target); err == nil {
		ch, err := d.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ch != nil {
			return ch, nil
		}
	}

	if ch := d.lookupName(in.Target, in.MessageType); ch != nil {
		return ch, nil
	}

	wantType := domain.ChannelTypeFor(in.MessageType)

	if wantType == domain.ChannelDirect && in.Source != "" {
		if in.Source == in.Target {
			return nil, ErrCannotDMSelf
		}
		pair := domain.SortedPair(in.Source, in.Target)
		ch, _, err := d.create(ctx, channelDraft{
			name:         domain.DirectChannelName(in.Source, in.Target),
			typ:          domain.ChannelDirect,
			participants: pair,
		})
		if err != nil {
			return nil, err
		}
		if !sameMembers(ch.Metadata.Participants, pair) {
			d.logger.Warn().
				Str("channel_id", ch.ID.String()).
				Strs("participants", ch.Metadata.Participants).
				Strs("want", pair).
				Msg("direct channel name held by other participants")
			return nil, ErrDirectChannelConflict
		}
		return ch, nil
	}

	participants := in.Participants
	if len(participants) == 0 && in.Source != "" {
		participants = []string{in.Source}
	}
	ch, _, err := d.create(ctx, channelDraft{
		name:         in.Target,
		typ:          wantType,
		participants: participants,
	})
	return ch, err
}

// Route resolves the target and records one message of activity on it.
func (d *ChannelDirectory) Route(ctx context.Context, in ResolveInput) (*domain.Channel, error) {
	ch, err := d.Resolve(ctx, in)
	if err != nil {
		return nil, err
	}

	routed, err := d.mutate(ctx, ch.ID, func(c *domain.Channel) (bool, error) {
		c.Metadata.MessageCount++
		c.Metadata.Touch(d.now())
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	d.publisher.Publish(events.Event{
		Type:      events.MessageRouted,
		ChannelID: &routed.ID,
		Channel:   routed.Clone(),
	})
	return routed, nil
}

// Create registers a new channel. The type defaults to group.
func (d *ChannelDirectory) Create(ctx context.Context, in CreateChannelInput) (*domain.Channel, error) {
	if in.Type == "" {
		in.Type = domain.ChannelGroup
	}
	if errs := validator.ValidateChannel(in.Name, string(in.Type), in.Participants); errs.HasErrors() {
		return nil, apperror.Validation(errs)
	}

	draft := channelDraft{
		name:         in.Name,
		typ:          in.Type,
		participants: in.Participants,
		description:  in.Description,
		tags:         in.Tags,
	}
	if in.Type == domain.ChannelDirect {
		draft.participants = domain.SortedPair(in.Participants[0], in.Participants[1])
		draft.name = domain.DirectChannelName(in.Participants[0], in.Participants[1])
	}

	ch, created, err := d.create(ctx, draft)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, ErrChannelNameTaken
	}
	return ch, nil
}

// Save persists ch and replaces the indexed copy. Message count and last
// activity never move backwards even if ch was read before a newer update.
func (d *ChannelDirectory) Save(ctx context.Context, ch *domain.Channel) error {
	unlock := d.locks.Lock(ch.ID)
	defer unlock()
	return d.save(ctx, ch.Clone())
}

func (d *ChannelDirectory) save(ctx context.Context, ch *domain.Channel) error {
	d.mu.RLock()
	if prev, ok := d.byID[ch.ID]; ok {
		if prev.Metadata.MessageCount > ch.Metadata.MessageCount {
			ch.Metadata.MessageCount = prev.Metadata.MessageCount
		}
		ch.Metadata.Touch(prev.Metadata.LastActive)
	}
	d.mu.RUnlock()

	if err := d.repo.Upsert(ctx, ch); err != nil {
		d.logger.Error().Err(err).Str("channel_id", ch.ID.String()).Msg("failed to save channel")
		return apperror.Store("save channel", err)
	}
	d.index(ch)
	return nil
}

// Get returns a copy of the channel, loading it from the store when the
// index misses. A channel that exists nowhere yields (nil, nil).
func (d *ChannelDirectory) Get(ctx context.Context, id uuid.UUID) (*domain.Channel, error) {
	d.mu.RLock()
	ch, ok := d.byID[id]
	d.mu.RUnlock()
	if ok {
		return ch.Clone(), nil
	}

	stored, err := d.repo.FindByID(ctx, id)
	if err != nil {
		return nil, apperror.Store("find channel", err)
	}
	if stored == nil {
		return nil, nil
	}
	return d.indexIfAbsent(stored).Clone(), nil
}

func (d *ChannelDirectory) GetAll() []*domain.Channel {
	d.mu.RLock()
	out := make([]*domain.Channel, 0, len(d.byID))
	for _, ch := range d.byID {
		out = append(out, ch.Clone())
	}
	d.mu.RUnlock()

	slices.SortFunc(out, func(a, b *domain.Channel) int {
		return a.Metadata.Created.Compare(b.Metadata.Created)
	})
	return out
}

// List returns indexed channels matching filter, most recently active first.
func (d *ChannelDirectory) List(filter domain.ChannelFilter) []*domain.Channel {
	d.mu.RLock()
	out := make([]*domain.Channel, 0)
	for _, ch := range d.byID {
		if filter.Match(ch) {
			out = append(out, ch.Clone())
		}
	}
	d.mu.RUnlock()

	slices.SortFunc(out, func(a, b *domain.Channel) int {
		return b.Metadata.LastActive.Compare(a.Metadata.LastActive)
	})
	return out
}

// Delete removes the channel from the store and the index. Deleting a
// channel that does not exist is not an error.
func (d *ChannelDirectory) Delete(ctx context.Context, id uuid.UUID) error {
	unlock := d.locks.Lock(id)
	defer unlock()

	existed := true
	if err := d.repo.Delete(ctx, id); err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			d.logger.Error().Err(err).Str("channel_id", id.String()).Msg("failed to delete channel")
			return apperror.Store("delete channel", err)
		}
		d.logger.Debug().Str("channel_id", id.String()).Msg("channel not in store")
		existed = false
	}

	d.mu.Lock()
	ch, indexed := d.byID[id]
	if indexed {
		delete(d.byID, id)
		delete(d.byName, channelKey{ch.Name, ch.Type})
	}
	size := len(d.byID)
	d.mu.Unlock()
	metrics.ChannelIndexSize.Set(float64(size))

	if existed || indexed {
		d.publisher.Publish(events.Event{Type: events.ChannelDeleted, ChannelID: &id})
		d.logger.Info().Str("channel_id", id.String()).Msg("channel deleted")
	}
	return nil
}

func (d *ChannelDirectory) AddParticipant(ctx context.Context, channelID uuid.UUID, participant string) (*domain.Channel, error) {
	return d.mutate(ctx, channelID, func(c *domain.Channel) (bool, error) {
		if c.Type == domain.ChannelDirect {
			if c.Metadata.HasParticipant(participant) {
				return false, nil
			}
			return false, ErrDirectChannelMembership
		}
		if !c.Metadata.AddParticipant(participant) {
			return false, nil
		}
		c.Metadata.Touch(d.now())
		return true, nil
	})
}

func (d *ChannelDirectory) RemoveParticipant(ctx context.Context, channelID uuid.UUID, participant string) (*domain.Channel, error) {
	return d.mutate(ctx, channelID, func(c *domain.Channel) (bool, error) {
		if c.Type == domain.ChannelDirect {
			if !c.Metadata.HasParticipant(participant) {
				return false, nil
			}
			return false, ErrDirectChannelMembership
		}
		if !c.Metadata.RemoveParticipant(participant) {
			return false, nil
		}
		c.Metadata.Touch(d.now())
		return true, nil
	})
}

// AddSubscriber counts a new subscription and makes the user a participant.
func (d *ChannelDirectory) AddSubscriber(ctx context.Context, channelID uuid.UUID, userID string) (*domain.Channel, error) {
	return d.mutate(ctx, channelID, func(c *domain.Channel) (bool, error) {
		if c.Type == domain.ChannelDirect && !c.Metadata.HasParticipant(userID) {
			return false, ErrDirectChannelMembership
		}
		c.Metadata.AddParticipant(userID)
		c.Metadata.Subscribers++
		c.Metadata.Touch(d.now())
		return true, nil
	})
}

func (d *ChannelDirectory) RemoveSubscriber(ctx context.Context, channelID uuid.UUID, userID string) (*domain.Channel, error) {
	return d.mutate(ctx, channelID, func(c *domain.Channel) (bool, error) {
		changed := false
		if c.Type != domain.ChannelDirect {
			changed = c.Metadata.RemoveParticipant(userID)
		}
		if c.Metadata.Subscribers > 0 {
			c.Metadata.Subscribers--
			changed = true
		}
		if changed {
			c.Metadata.Touch(d.now())
		}
		return changed, nil
	})
}

// mutate runs fn on a fresh copy of the channel under its lock and saves the
// result when fn reports a change.
func (d *ChannelDirectory) mutate(ctx context.Context, id uuid.UUID, fn func(*domain.Channel) (bool, error)) (*domain.Channel, error) {
	unlock := d.locks.Lock(id)
	defer unlock()

	ch, err := d.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, ErrChannelNotFound
	}

	changed, err := fn(ch)
	if err != nil {
		return nil, err
	}
	if !changed {
		return ch, nil
	}
	if err := d.save(ctx, ch); err != nil {
		return nil, err
	}
	return ch.Clone(), nil
}

type channelDraft struct {
	name         string
	typ          domain.ChannelType
	participants []string
	description  string
	tags         []string
}

type createResult struct {
	ch      *domain.Channel
	created bool
	claimed *atomic.Bool
}

// create returns the channel for the draft's (name, type), creating it if needed.
// Concurrent calls for the same key share one store round trip, and the
// store's unique (name, type) key settles races between processes.
func (d *ChannelDirectory) create(ctx context.Context, draft channelDraft) (*domain.Channel, bool, error) {
	key := channelKey{draft.name, draft.typ}

	v, err, _ := d.creating.Do(key.String(), func() (any, error) {
		if ch := d.lookupExact(key); ch != nil {
			return createResult{ch: ch, claimed: new(atomic.Bool)}, nil
		}

		now := d.now()
		ch := &domain.Channel{
			ID:       uuid.New(),
			Name:     draft.name,
			Type:     draft.typ,
			Metadata: domain.NewChannelMetadata(now),
		}
		for _, p := range draft.participants {
			ch.Metadata.AddParticipant(p)
		}
		ch.Metadata.Description = draft.description
		ch.Metadata.Tags = slices.Clone(draft.tags)

		stored, created, err := d.repo.CreateOrGet(ctx, ch)
		if err != nil {
			d.logger.Error().Err(err).Str("channel", key.String()).Msg("failed to create channel")
			return nil, apperror.Store("create channel", err)
		}
		d.index(stored.Clone())

		if created {
			metrics.ChannelsCreated.WithLabelValues(string(stored.Type)).Inc()
			d.publisher.Publish(events.Event{
				Type:      events.ChannelCreated,
				ChannelID: &stored.ID,
				Channel:   stored.Clone(),
			})
			d.logger.Info().
				Str("channel_id", stored.ID.String()).
				Str("name", stored.Name).
				Str("type", string(stored.Type)).
				Msg("channel created")
		}
		return createResult{ch: stored, created: created, claimed: new(atomic.Bool)}, nil
	})
	if err != nil {
		return nil, false, err
	}

	res := v.(createResult)
	// Callers sharing one creation see it reported as created exactly once.
	created := res.created && res.claimed.CompareAndSwap(false, true)
	return res.ch.Clone(), created, nil
}

// lookupName finds an indexed channel by name. With a message type only a
// channel of the matching type is returned; a same-name channel of another
// type is skipped with a warning.
func (d *ChannelDirectory) lookupName(name, messageType string) *domain.Channel {
	if messageType == "" {
		for _, t := range lookupOrder {
			if ch := d.lookupExact(channelKey{name, t}); ch != nil {
				return ch
			}
		}
		return nil
	}

	want := domain.ChannelTypeFor(messageType)
	if ch := d.lookupExact(channelKey{name, want}); ch != nil {
		return ch
	}
	for _, t := range lookupOrder {
		if t == want {
			continue
		}
		if ch := d.lookupExact(channelKey{name, t}); ch != nil {
			d.logger.Warn().
				Str("name", name).
				Str("channel_type", string(ch.Type)).
				Str("message_type", messageType).
				Msg("channel name matches but type does not, skipping")
			break
		}
	}
	return nil
}

func (d *ChannelDirectory) lookupExact(key channelKey) *domain.Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byName[key]
	if !ok {
		return nil
	}
	return d.byID[id].Clone()
}

func (d *ChannelDirectory) index(ch *domain.Channel) {
	d.mu.Lock()
	d.indexLocked(ch)
	size := len(d.byID)
	d.mu.Unlock()
	metrics.ChannelIndexSize.Set(float64(size))
}

// indexIfAbsent indexes ch unless a copy is already held, which is then
// kept since it may be newer than a row read without the channel lock.
func (d *ChannelDirectory) indexIfAbsent(ch *domain.Channel) *domain.Channel {
	d.mu.Lock()
	if cur, ok := d.byID[ch.ID]; ok {
		d.mu.Unlock()
		return cur
	}
	ch = ch.Clone()
	d.indexLocked(ch)
	size := len(d.byID)
	d.mu.Unlock()
	metrics.ChannelIndexSize.Set(float64(size))
	return ch
}

func (d *ChannelDirectory) indexLocked(ch *domain.Channel) {
	if prev, ok := d.byID[ch.ID]; ok && (prev.Name != ch.Name || prev.Type != ch.Type) {
		delete(d.byName, channelKey{prev.Name, prev.Type})
	}
	d.byID[ch.ID] = ch
	d.byName[channelKey{ch.Name, ch.Type}] = ch.ID
}

func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}
