package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vedran77/relay/internal/cache"
	"github.com/vedran77/relay/internal/domain"
	"github.com/vedran77/relay/internal/events"
	"github.com/vedran77/relay/internal/logging"
	"github.com/vedran77/relay/internal/metrics"
	"github.com/vedran77/relay/internal/repository"
	"github.com/vedran77/relay/pkg/apperror"
	"github.com/vedran77/relay/pkg/validator"
)

const (
	fanOutLimit      = 8
	statusRetries    = 3
	defaultNotifyTTL = 24 * time.Hour
)

type Limits struct {
	Retention            time.Duration
	MaxRecipients        int
	MaxMessageLength     int
	NotificationQueueLen int64
}

func DefaultLimits() Limits {
	return Limits{
		Retention:            7 * 24 * time.Hour,
		MaxRecipients:        100,
		MaxMessageLength:     10000,
		NotificationQueueLen: 1000,
	}
}

type SendOptions struct {
	Type     domain.MessageType
	Channel  string
	Metadata map[string]any
	// ExpiresIn overrides the retention period for this message when positive.
	ExpiresIn time.Duration
}

// MessageDispatcher owns message and subscription lifecycles. Channels are
// only ever read and written through the ChannelDirectory.
type MessageDispatcher struct {
	messages  repository.MessageRepository
	subs      repository.SubscriptionRepository
	directory *ChannelDirectory
	cache     cache.Cache
	publisher events.Publisher
	limits    Limits
	logger    zerolog.Logger
	now       func() time.Time

	sweeping atomic.Bool
}

func NewMessageDispatcher(
	messages repository.MessageRepository,
	subs repository.SubscriptionRepository,
	directory *ChannelDirectory,
	c cache.Cache,
	publisher events.Publisher,
	limits Limits,
	logger zerolog.Logger,
) *MessageDispatcher {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &MessageDispatcher{
		messages:  messages,
		subs:      subs,
		directory: directory,
		cache:     c,
		publisher: publisher,
		limits:    limits,
		logger:    logging.Component(logger, "message_dispatcher"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Send validates, routes and persists a message, then queues a notification
// for every recipient. If some notifications fail the message is still sent
// and is returned together with a partial failure error.
func (s *MessageDispatcher) Send(ctx context.Context, senderID string, recipients []string, content string, opts SendOptions) (*domain.Message, error) {
	msgType := opts.Type
	if msgType == "" {
		if len(recipients) == 1 {
			msgType = domain.MessageDirect
		} else {
			msgType = domain.MessageGroup
		}
	}

	limits := validator.SendLimits{MaxRecipients: s.limits.MaxRecipients, MaxMessageLength: s.limits.MaxMessageLength}
	if errs := validator.ValidateSend(senderID, recipients, content, string(msgType), opts.Channel, limits); errs.HasErrors() {
		metrics.MessagesRejected.WithLabelValues("validation").Inc()
		return nil, apperror.Validation(errs)
	}
	recipients = uniqueStrings(recipients)

	ch, err := s.directory.Route(ctx, s.routeInput(senderID, recipients, msgType, opts.Channel))
	if err != nil {
		metrics.MessagesRejected.WithLabelValues("routing").Inc()
		return nil, err
	}

	now := s.now()
	msg := &domain.Message{
		ID:         uuid.New(),
		ChannelID:  &ch.ID,
		Type:       msgType,
		SenderID:   senderID,
		Recipients: recipients,
		Content:    content,
		Metadata:   opts.Metadata,
		Status:     domain.StatusPending,
		Timestamp:  now,
		UpdatedAt:  now,
	}
	if opts.ExpiresIn > 0 {
		exp := now.Add(opts.ExpiresIn)
		msg.ExpiresAt = &exp
	}

	if err := s.messages.Create(ctx, msg); err != nil {
		s.logger.Error().Err(err).Str("message_id", msg.ID.String()).Msg("failed to persist message")
		return nil, apperror.Store("create message", err)
	}
	s.cacheMessage(ctx, msg)

	sentAt := s.now()
	ok, err := s.messages.UpdateStatus(ctx, msg.ID, domain.StatusPending, domain.StatusSent, sentAt)
	if err != nil {
		s.logger.Error().Err(err).Str("message_id", msg.ID.String()).Msg("failed to mark message sent")
		return msg, apperror.Store("mark message sent", err)
	}
	if ok {
		msg.Status = domain.StatusSent
		msg.UpdatedAt = sentAt
		s.cacheMessage(ctx, msg)
	}
	metrics.MessagesSent.WithLabelValues(string(msgType)).Inc()

	notifyErr := s.notify(ctx, msg)

	s.publisher.Publish(events.Event{
		Type:      events.MessageSent,
		ChannelID: msg.ChannelID,
		MessageID: &msg.ID,
		Message:   cloneMessage(msg),
	})

	if notifyErr != nil {
		s.logger.Warn().Err(notifyErr).Str("message_id", msg.ID.String()).Msg("message sent but some recipients were not notified")
		return msg, apperror.PartialFailure("message sent, notification failed", notifyErr)
	}

	s.logger.Debug().
		Str("message_id", msg.ID.String()).
		Str("channel_id", ch.ID.String()).
		Int("recipients", len(recipients)).
		Msg("message sent")
	return msg, nil
}

func (s *MessageDispatcher) routeInput(senderID string, recipients []string, msgType domain.MessageType, channel string) ResolveInput {
	in := ResolveInput{Source: senderID, MessageType: string(msgType)}

	switch {
	case channel != "":
		in.Target = channel
	case msgType == domain.MessageDirect:
		in.Target = recipients[0]
	case msgType == domain.MessageBroadcast:
		in.Target = "broadcast-" + senderID
	default:
		in.Target = domain.GroupChannelName(append([]string{senderID}, recipients...))
	}

	if msgType == domain.MessageGroup {
		in.Participants = uniqueStrings(append([]string{senderID}, recipients...))
	}
	return in
}

// notify pushes one notification per recipient. Every recipient is tried;
// the returned error joins all failures.
func (s *MessageDispatcher) notify(ctx context.Context, msg *domain.Message) error {
	payload, err := json.Marshal(domain.NewNotification(msg))
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(fanOutLimit)

	ttl := s.limits.Retention
	if ttl <= 0 {
		ttl = defaultNotifyTTL
	}
	for _, r := range msg.Recipients {
		g.Go(func() error {
			if err := s.cache.PushCapped(ctx, cache.NotificationKey(r), payload, s.limits.NotificationQueueLen, ttl); err != nil {
				metrics.NotificationFailures.Inc()
				mu.Lock()
				errs = append(errs, fmt.Errorf("notifying %s: %w", r, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// GetMessage reads through the cache to the store.
func (s *MessageDispatcher) GetMessage(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	if msg := s.cachedMessage(ctx, id); msg != nil {
		return msg, nil
	}

	msg, err := s.messages.GetByID(ctx, id)
	if err != nil {
		return nil, apperror.Store("get message", err)
	}
	if msg == nil {
		return nil, ErrMessageNotFound
	}
	s.cacheMessage(ctx, msg)
	return msg, nil
}

func (s *MessageDispatcher) GetMessages(ctx context.Context, filter domain.MessageFilter) ([]domain.Message, error) {
	msgs, err := s.messages.List(ctx, filter)
	if err != nil {
		return nil, apperror.Store("list messages", err)
	}
	return msgs, nil
}

// UpdateMessageStatus moves a message forward through its lifecycle.
// Setting the current status again is a no-op.
func (s *MessageDispatcher) UpdateMessageStatus(ctx context.Context, id uuid.UUID, status domain.MessageStatus) (*domain.Message, error) {
	return s.updateStatus(ctx, id, status, nil)
}

func (s *MessageDispatcher) updateStatus(ctx context.Context, id uuid.UUID, status domain.MessageStatus, check func(*domain.Message) error) (*domain.Message, error) {
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}

	for range statusRetries {
		msg, err := s.messages.GetByID(ctx, id)
		if err != nil {
			return nil, apperror.Store("get message", err)
		}
		if msg == nil {
			return nil, ErrMessageNotFound
		}
		if check != nil {
			if err := check(msg); err != nil {
				return nil, err
			}
		}
		if msg.Status == status {
			return msg, nil
		}
		if !domain.CanTransition(msg.Status, status) {
			return nil, fmt.Errorf("%w: %s to %s", ErrInvalidStatusTransition, msg.Status, status)
		}

		at := s.now()
		ok, err := s.messages.UpdateStatus(ctx, id, msg.Status, status, at)
		if err != nil {
			s.logger.Error().Err(err).Str("message_id", id.String()).Msg("failed to update message status")
			return nil, apperror.Store("update message status", err)
		}
		if !ok {
			// Someone else moved it first; re-read and re-check.
			continue
		}

		msg.Status = status
		msg.UpdatedAt = at
		s.refreshCachedMessage(ctx, msg)

		metrics.StatusUpdates.WithLabelValues(string(status)).Inc()
		s.publisher.Publish(events.Event{
			Type:      events.MessageStatusUpdated,
			ChannelID: msg.ChannelID,
			MessageID: &msg.ID,
			Status:    status,
			Message:   cloneMessage(msg),
		})
		return msg, nil
	}

	return nil, apperror.New(apperror.CodeUnavailable, "message status changed concurrently, try again")
}

// MarkMessagesAsRead marks each message read on behalf of one of its
// recipients. Messages are handled independently; the returned ids are the
// ones now read and the error joins every failure.
func (s *MessageDispatcher) MarkMessagesAsRead(ctx context.Context, userID string, ids []uuid.UUID) ([]uuid.UUID, error) {
	if userID == "" {
		return nil, apperror.InvalidArg("user id is required")
	}

	isRecipient := func(msg *domain.Message) error {
		if !slices.Contains(msg.Recipients, userID) {
			return apperror.FailedPrecondition(fmt.Sprintf("%s is not a recipient of message %s", userID, msg.ID))
		}
		return nil
	}

	var (
		read []uuid.UUID
		errs []error
	)
	for _, id := range ids {
		if _, err := s.updateStatus(ctx, id, domain.StatusRead, isRecipient); err != nil {
			errs = append(errs, fmt.Errorf("message %s: %w", id, err))
			continue
		}
		read = append(read, id)
	}

	if len(read) > 0 {
		s.publisher.Publish(events.Event{
			Type:       events.MessagesRead,
			UserID:     userID,
			MessageIDs: read,
			Count:      len(read),
		})
	}
	return read, errors.Join(errs...)
}

func (s *MessageDispatcher) CreateChannel(ctx context.Context, in CreateChannelInput) (*domain.Channel, error) {
	return s.directory.Create(ctx, in)
}

func (s *MessageDispatcher) GetChannels(_ context.Context, filter domain.ChannelFilter) ([]*domain.Channel, error) {
	return s.directory.List(filter), nil
}

// DeleteChannel removes a channel together with its subscriptions and
// announces each dropped subscription. Stored messages keep their channel id.
func (s *MessageDispatcher) DeleteChannel(ctx context.Context, channelID uuid.UUID) error {
	ch, err := s.directory.Get(ctx, channelID)
	if err != nil {
		return err
	}
	if ch == nil {
		return ErrChannelNotFound
	}

	subs, err := s.subs.ListByChannel(ctx, channelID)
	if err != nil {
		return apperror.Store("list channel subscriptions", err)
	}
	if err := s.directory.Delete(ctx, channelID); err != nil {
		return err
	}

	for i := range subs {
		sub := subs[i]
		s.publisher.Publish(events.Event{
			Type:         events.SubscriptionDeleted,
			ChannelID:    &channelID,
			UserID:       sub.UserID,
			Subscription: &sub,
		})
	}
	s.logger.Info().
		Str("channel_id", channelID.String()).
		Int("subscriptions", len(subs)).
		Msg("channel deleted")
	return nil
}

// AuthorizeListener checks that userID may receive live events for the
// channel: a participant, or a subscriber who has not blocked it.
func (s *MessageDispatcher) AuthorizeListener(ctx context.Context, userID string, channelID uuid.UUID) error {
	ch, err := s.directory.Get(ctx, channelID)
	if err != nil {
		return err
	}
	if ch == nil {
		return ErrChannelNotFound
	}

	sub, err := s.subs.Get(ctx, userID, channelID)
	if err != nil {
		return apperror.Store("get subscription", err)
	}
	switch {
	case sub != nil && sub.Status == domain.SubscriptionBlocked:
		return ErrNotChannelMember
	case sub != nil, ch.Metadata.HasParticipant(userID):
		return nil
	default:
		return ErrNotChannelMember
	}
}

// Subscribe is idempotent: an existing subscription is returned unchanged.
func (s *MessageDispatcher) Subscribe(ctx context.Context, userID string, channelID uuid.UUID, metadata map[string]any) (*domain.Subscription, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperror.InvalidArg("user id is required")
	}

	ch, err := s.directory.Get(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, ErrChannelNotFound
	}
	if ch.Type == domain.ChannelDirect && !ch.Metadata.HasParticipant(userID) {
		return nil, ErrDirectChannelMembership
	}

	existing, err := s.subs.Get(ctx, userID, channelID)
	if err != nil {
		return nil, apperror.Store("get subscription", err)
	}
	if existing != nil {
		return existing, nil
	}

	now := s.now()
	sub := &domain.Subscription{
		ID:        uuid.New(),
		UserID:    userID,
		ChannelID: channelID,
		Status:    domain.SubscriptionActive,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	stored, created, err := s.subs.CreateOrGet(ctx, sub)
	if err != nil {
		return nil, apperror.Store("create subscription", err)
	}
	if !created {
		return stored, nil
	}

	if _, err := s.directory.AddSubscriber(ctx, channelID, userID); err != nil {
		if delErr := s.subs.Delete(ctx, userID, channelID); delErr != nil && !errors.Is(delErr, repository.ErrNotFound) {
			s.logger.Error().Err(delErr).Str("user_id", userID).Str("channel_id", channelID.String()).Msg("failed to roll back subscription")
		}
		return nil, err
	}

	s.publisher.Publish(events.Event{
		Type:         events.SubscriptionCreated,
		ChannelID:    &channelID,
		UserID:       userID,
		Subscription: stored,
	})
	s.logger.Info().Str("user_id", userID).Str("channel_id", channelID.String()).Msg("subscribed")
	return stored, nil
}

// Unsubscribe removes the subscription. Unsubscribing twice is a no-op.
func (s *MessageDispatcher) Unsubscribe(ctx context.Context, userID string, channelID uuid.UUID) error {
	existing, err := s.subs.Get(ctx, userID, channelID)
	if err != nil {
		return apperror.Store("get subscription", err)
	}
	if existing == nil {
		return nil
	}

	if err := s.subs.Delete(ctx, userID, channelID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return apperror.Store("delete subscription", err)
	}

	if _, err := s.directory.RemoveSubscriber(ctx, channelID, userID); err != nil && !errors.Is(err, ErrChannelNotFound) {
		return err
	}

	s.publisher.Publish(events.Event{
		Type:         events.SubscriptionDeleted,
		ChannelID:    &channelID,
		UserID:       userID,
		Subscription: existing,
	})
	s.logger.Info().Str("user_id", userID).Str("channel_id", channelID.String()).Msg("unsubscribed")
	return nil
}

func (s *MessageDispatcher) UpdateSubscriptionStatus(ctx context.Context, userID string, channelID uuid.UUID, status domain.SubscriptionStatus) (*domain.Subscription, error) {
	if errs := validator.ValidateSubscriptionStatus(string(status)); errs.HasErrors() {
		return nil, apperror.Validation(errs)
	}

	sub, err := s.subs.Get(ctx, userID, channelID)
	if err != nil {
		return nil, apperror.Store("get subscription", err)
	}
	if sub == nil {
		return nil, ErrSubscriptionNotFound
	}
	if sub.Status == status {
		return sub, nil
	}

	at := s.now()
	if err := s.subs.UpdateStatus(ctx, sub.ID, status, at); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, apperror.Store("update subscription", err)
	}
	sub.Status = status
	sub.UpdatedAt = at
	return sub, nil
}

func (s *MessageDispatcher) GetSubscriptions(ctx context.Context, userID string) ([]domain.Subscription, error) {
	subs, err := s.subs.ListByUser(ctx, userID)
	if err != nil {
		return nil, apperror.Store("list subscriptions", err)
	}
	return subs, nil
}

// GetNotifications returns up to limit queued notifications for userID,
// newest first. A limit of zero or less returns the whole queue.
func (s *MessageDispatcher) GetNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	raw, err := s.cache.Range(ctx, cache.NotificationKey(userID), 0, stop)
	if err != nil {
		metrics.CacheErrors.WithLabelValues("range").Inc()
		return nil, apperror.Wrap(apperror.CodeUnavailable, "reading notifications", err)
	}

	out := make([]domain.Notification, 0, len(raw))
	for _, b := range raw {
		var n domain.Notification
		if err := json.Unmarshal(b, &n); err != nil {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("skipping unreadable notification")
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// CleanupExpiredMessages deletes every message past its expiry or the
// retention period. Only one sweep runs at a time.
func (s *MessageDispatcher) CleanupExpiredMessages(ctx context.Context) (int, error) {
	if !s.sweeping.CompareAndSwap(false, true) {
		metrics.SweepRuns.WithLabelValues("skipped").Inc()
		return 0, ErrSweepRunning
	}
	defer s.sweeping.Store(false)

	start := s.now()
	ids, err := s.messages.DeleteExpired(ctx, start, s.limits.Retention)
	if err != nil {
		metrics.SweepRuns.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Msg("expiry sweep failed")
		return 0, apperror.Store("delete expired messages", err)
	}

	s.dropCached(ctx, ids)
	metrics.SweepRuns.WithLabelValues("ok").Inc()
	metrics.MessagesExpired.Add(float64(len(ids)))

	if len(ids) > 0 {
		s.publisher.Publish(events.Event{
			Type:       events.MessagesExpired,
			MessageIDs: ids,
			Count:      len(ids),
		})
	}
	s.logger.Info().
		Int("deleted", len(ids)).
		Dur("took", s.now().Sub(start)).
		Msg("expiry sweep finished")
	return len(ids), nil
}

// ClearHistory bulk deletes messages matching filter. An empty filter is
// rejected rather than wiping everything.
func (s *MessageDispatcher) ClearHistory(ctx context.Context, filter domain.HistoryFilter) (int, error) {
	if filter.Empty() {
		return 0, ErrEmptyHistoryFilter
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return 0, ErrInvalidStatus
	}

	ids, err := s.messages.DeleteMany(ctx, filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to clear history")
		return 0, apperror.Store("clear history", err)
	}
	s.dropCached(ctx, ids)

	s.publisher.Publish(events.Event{
		Type:       events.HistoryCleared,
		ChannelID:  filter.ChannelID,
		MessageIDs: ids,
		Count:      len(ids),
	})
	s.logger.Info().Int("deleted", len(ids)).Msg("history cleared")
	return len(ids), nil
}

// cacheTTL is how long msg may stay cached: until its expiry or for the
// retention period. Zero means it should not be cached.
func (s *MessageDispatcher) cacheTTL(msg *domain.Message) time.Duration {
	ttl := s.limits.Retention
	if msg.ExpiresAt != nil {
		ttl = msg.ExpiresAt.Sub(s.now())
	} else if !msg.Timestamp.IsZero() {
		ttl = msg.Timestamp.Add(s.limits.Retention).Sub(s.now())
	}
	return max(ttl, 0)
}

func (s *MessageDispatcher) cacheMessage(ctx context.Context, msg *domain.Message) {
	ttl := s.cacheTTL(msg)
	if ttl <= 0 {
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn().Err(err).Str("message_id", msg.ID.String()).Msg("failed to encode message for cache")
		return
	}
	if err := s.cache.Set(ctx, cache.MessageKey(msg.ID.String()), b, ttl); err != nil {
		metrics.CacheErrors.WithLabelValues("set").Inc()
		s.logger.Warn().Err(err).Str("message_id", msg.ID.String()).Msg("failed to cache message")
	}
}

// refreshCachedMessage rewrites the cached copy only if one exists.
func (s *MessageDispatcher) refreshCachedMessage(ctx context.Context, msg *domain.Message) {
	ok, err := s.cache.Exists(ctx, cache.MessageKey(msg.ID.String()))
	if err != nil {
		metrics.CacheErrors.WithLabelValues("exists").Inc()
		s.logger.Warn().Err(err).Str("message_id", msg.ID.String()).Msg("failed to check cached message")
		return
	}
	if ok {
		s.cacheMessage(ctx, msg)
	}
}

func (s *MessageDispatcher) cachedMessage(ctx context.Context, id uuid.UUID) *domain.Message {
	key := cache.MessageKey(id.String())
	b, err := s.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			metrics.CacheErrors.WithLabelValues("get").Inc()
			s.logger.Warn().Err(err).Str("message_id", id.String()).Msg("cache read failed, using store")
		}
		return nil
	}

	var msg domain.Message
	if err := json.Unmarshal(b, &msg); err != nil {
		s.logger.Warn().Err(err).Str("message_id", id.String()).Msg("dropping unreadable cached message")
		s.dropCached(ctx, []uuid.UUID{id})
		return nil
	}
	if msg.ExpiredAt(s.now(), s.limits.Retention) {
		s.dropCached(ctx, []uuid.UUID{id})
		return nil
	}
	return &msg
}

func (s *MessageDispatcher) dropCached(ctx context.Context, ids []uuid.UUID) {
	if len(ids) == 0 {
		return
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = cache.MessageKey(id.String())
	}
	if err := s.cache.Del(ctx, keys...); err != nil {
		metrics.CacheErrors.WithLabelValues("del").Inc()
		s.logger.Warn().Err(err).Int("keys", len(keys)).Msg("failed to drop cached messages")
	}
}

func cloneMessage(msg *domain.Message) *domain.Message {
	cp := *msg
	cp.Recipients = slices.Clone(msg.Recipients)
	return &cp
}

// uniqueStrings drops duplicates and keeps the first occurrence order.
func uniqueStrings(vals []string) []string {
	out := make([]string, 0, len(vals))
	seen := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
