package repository

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vedran77/relay/internal/domain"
)

// Stores keep structured fields as JSON text. Everything that crosses the
// store boundary goes through the functions below so the rest of the code
// only ever sees native values.

func EncodeChannelMetadata(m domain.ChannelMetadata) (string, error) {
	if m.Participants == nil {
		m.Participants = []string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding channel metadata: %w", err)
	}
	return string(b), nil
}

// DecodeChannelMetadata accepts a JSON object or a JSON string holding one,
// which older rows were written as.
func DecodeChannelMetadata(raw []byte) (domain.ChannelMetadata, error) {
	var m domain.ChannelMetadata

	raw, err := unwrapString(raw)
	if err != nil {
		return m, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return m, fmt.Errorf("decoding channel metadata: empty value")
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("decoding channel metadata: %w", err)
	}
	if m.Participants == nil {
		m.Participants = []string{}
	}
	return m, nil
}

// ChannelMetadataOrDefault decodes raw and falls back to fresh metadata when
// the stored value is unreadable, so one bad row never fails a whole load.
func ChannelMetadataOrDefault(logger zerolog.Logger, channelID string, raw []byte, created time.Time) domain.ChannelMetadata {
	m, err := DecodeChannelMetadata(raw)
	if err != nil {
		logger.Warn().Err(err).Str("channel_id", channelID).Msg("unreadable channel metadata, using defaults")
		return domain.NewChannelMetadata(created)
	}
	if m.Created.IsZero() {
		m.Created = created
	}
	if m.LastActive.Before(m.Created) {
		m.LastActive = m.Created
	}
	return m
}

func EncodeStrings(vals []string) (string, error) {
	if vals == nil {
		vals = []string{}
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return "", fmt.Errorf("encoding list: %w", err)
	}
	return string(b), nil
}

func DecodeStrings(raw []byte) ([]string, error) {
	raw, err := unwrapString(raw)
	if err != nil {
		return nil, err
	}
	out := []string{}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(raw, []byte("null")) {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding list: %w", err)
	}
	return out, nil
}

func EncodeMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	return string(b), nil
}

func DecodeMap(raw []byte) (map[string]any, error) {
	raw, err := unwrapString(raw)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(raw, []byte("null")) {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return out, nil
}

func unwrapString(raw []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return trimmed, nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return nil, fmt.Errorf("decoding serialized value: %w", err)
	}
	return []byte(s), nil
}
