package service

import "github.com/vedran77/relay/pkg/apperror"

var (
	ErrEmptyTarget             = apperror.InvalidArg("message target is required")
	ErrCannotDMSelf            = apperror.InvalidArg("cannot start a direct channel with yourself")
	ErrChannelNotFound         = apperror.NotFound("channel not found")
	ErrChannelNameTaken        = apperror.AlreadyExists("channel name already exists for this type")
	ErrDirectChannelMembership = apperror.FailedPrecondition("direct channel membership is fixed")
	ErrDirectChannelConflict   = apperror.FailedPrecondition("direct channel name is held by other participants")

	ErrMessageNotFound         = apperror.NotFound("message not found")
	ErrInvalidStatus           = apperror.InvalidArg("unknown message status")
	ErrInvalidStatusTransition = apperror.FailedPrecondition("message status can only move forward")
	ErrEmptyHistoryFilter      = apperror.InvalidArg("history filter needs a channel, a cutoff or a status")
	ErrSweepRunning            = apperror.FailedPrecondition("expiry sweep already running")

	ErrSubscriptionNotFound = apperror.NotFound("subscription not found")
	ErrNotChannelMember     = apperror.PermissionDenied("not a member of this channel")
)
