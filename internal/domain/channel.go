package domain

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ChannelType string

const (
	ChannelDirect    ChannelType = "direct"
	ChannelGroup     ChannelType = "group"
	ChannelTopic     ChannelType = "topic"
	ChannelBroadcast ChannelType = "broadcast"
)

func (t ChannelType) Valid() bool {
	switch t {
	case ChannelDirect, ChannelGroup, ChannelTopic, ChannelBroadcast:
		return true
	}
	return false
}

type Channel struct {
	ID       uuid.UUID       `json:"id"`
	Name     string          `json:"name"`
	Type     ChannelType     `json:"type"`
	Metadata ChannelMetadata `json:"metadata"`
}

type ChannelMetadata struct {
	Created      time.Time `json:"created"`
	LastActive   time.Time `json:"lastActive"`
	MessageCount int64     `json:"messageCount"`
	Participants []string  `json:"participants"`
	Subscribers  int64     `json:"subscribers"`
	Description  string    `json:"description,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
}

// NewChannelMetadata returns fresh bookkeeping for a channel created at now.
func NewChannelMetadata(now time.Time) ChannelMetadata {
	return ChannelMetadata{
		Created:      now,
		LastActive:   now,
		Participants: []string{},
	}
}

// Touch moves LastActive forward; it never goes back.
func (m *ChannelMetadata) Touch(now time.Time) {
	if now.After(m.LastActive) {
		m.LastActive = now
	}
}

func (m *ChannelMetadata) HasParticipant(id string) bool {
	return slices.Contains(m.Participants, id)
}

// AddParticipant appends id unless present and reports whether it changed.
func (m *ChannelMetadata) AddParticipant(id string) bool {
	if id == "" || m.HasParticipant(id) {
		return false
	}
	m.Participants = append(m.Participants, id)
	return true
}

// RemoveParticipant drops id and reports whether it was present.
func (m *ChannelMetadata) RemoveParticipant(id string) bool {
	i := slices.Index(m.Participants, id)
	if i < 0 {
		return false
	}
	m.Participants = slices.Delete(m.Participants, i, i+1)
	return true
}

// Clone returns a deep copy so callers cannot mutate shared state.
func (c *Channel) Clone() *Channel {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Metadata.Participants = slices.Clone(c.Metadata.Participants)
	if cp.Metadata.Participants == nil {
		cp.Metadata.Participants = []string{}
	}
	cp.Metadata.Tags = slices.Clone(c.Metadata.Tags)
	return &cp
}

// Member ids are joined with "-", so a "-" inside an id is escaped as "~-"
// and "~" as "~~". Ids without either character appear unchanged.
var memberEscaper = strings.NewReplacer("~", "~~", "-", "~-")

func joinMembers(prefix string, ids []string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, id := range ids {
		b.WriteByte('-')
		b.WriteString(memberEscaper.Replace(id))
	}
	return b.String()
}

// DirectChannelName builds the canonical name for the pair, independent of order.
func DirectChannelName(a, b string) string {
	return joinMembers("dm", SortedPair(a, b))
}

// GroupChannelName names the implicit channel of a member set. Order and
// duplicates do not matter.
func GroupChannelName(members []string) string {
	sorted := slices.Clone(members)
	slices.Sort(sorted)
	return joinMembers("group", slices.Compact(sorted))
}

func SortedPair(a, b string) []string {
	if a > b {
		a, b = b, a
	}
	return []string{a, b}
}

// ChannelTypeFor maps a routing message type onto the channel type it creates.
func ChannelTypeFor(messageType string) ChannelType {
	switch messageType {
	case "direct":
		return ChannelDirect
	case "event", "state-update", "topic":
		return ChannelTopic
	case "broadcast":
		return ChannelBroadcast
	default:
		return ChannelGroup
	}
}

// ChannelFilter narrows channel listings. Zero fields match everything.
type ChannelFilter struct {
	Type        ChannelType
	Participant string
	Name        string
	ActiveSince *time.Time
}

func (f ChannelFilter) Match(ch *Channel) bool {
	if f.Type != "" && ch.Type != f.Type {
		return false
	}
	if f.Name != "" && ch.Name != f.Name {
		return false
	}
	if f.Participant != "" && !ch.Metadata.HasParticipant(f.Participant) {
		return false
	}
	if f.ActiveSince != nil && ch.Metadata.LastActive.Before(*f.ActiveSince) {
		return false
	}
	return true
}
