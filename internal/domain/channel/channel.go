// Package channel holds the scheduler's core data model: the channels it
// tracks, the watermarks that record parsing progress, the mode a channel
// is parsed in, and the event emitted for each newly observed post.
package channel

import (
	"time"

	"github.com/google/uuid"
)

// Channel is a tracked Telegram channel.
type Channel struct {
	ID           uuid.UUID
	ExternalID   int64 // Telegram channel ID, as seen by the message source
	Active       bool
	LastParsedAt *time.Time // LPA: durable watermark, nil before the first successful parse
}

// ParseMode selects how a channel is fetched on a given tick.
type ParseMode int

const (
	// ModeHistorical fetches from a fixed lookback window; used when LPA is
	// nil or older than the stale threshold.
	ModeHistorical ParseMode = iota
	// ModeIncremental fetches everything since the later of HWM and LPA.
	ModeIncremental
	// ModeOverride is treated like ModeHistorical by the watermark manager
	// (HWM and LPA ignored). The Channel Selector never produces it:
	// PARSER_MODE_OVERRIDE makes the selector return ModeHistorical or
	// ModeIncremental directly.
	ModeOverride
)

// String renders the mode for logs and metric labels.
func (m ParseMode) String() string {
	switch m {
	case ModeHistorical:
		return "historical"
	case ModeIncremental:
		return "incremental"
	case ModeOverride:
		return "override"
	default:
		return "unknown"
	}
}

// HWM is the volatile high-water mark: the most recent position a
// channel's message stream has been durably observed to, stored in the
// fast store for low-latency reads on every tick.
type HWM struct {
	ChannelID       uuid.UUID
	LastOKTimestamp time.Time
	LastOKMessageID int64
	UpdatedAt       time.Time
}

// Media describes a single media attachment on a post, enough for a
// downstream consumer to locate and fetch it.
type Media struct {
	Kind     string // photo, video, document, ...
	FileID   string
	MimeType string
	SizeHint int64
}

// PostParsedEvent is published once per newly observed post. Dedup on
// (ChannelID, TelegramMessageID) is the consumer's responsibility, not the
// scheduler's.
type PostParsedEvent struct {
	ChannelID         uuid.UUID
	TelegramMessageID int64
	ContentHash       string
	PostedAt          time.Time
	Media             []Media
	TraceID           string
}

// ChannelMode pairs a channel with the mode the Channel Selector chose for it.
type ChannelMode struct {
	Channel Channel
	Mode    ParseMode
}
