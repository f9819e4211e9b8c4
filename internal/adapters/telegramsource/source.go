package telegramsource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/gotd/td/tg"

	"github.com/ilyasni/tgparser/internal/domain/channel"
	"github.com/ilyasni/tgparser/internal/ports"
)

var _ ports.MessageSource = (*Client)(nil)

// FetchMessages returns up to pageSize messages posted at or after since,
// oldest first, matching ports.MessageSource's inclusive contract. It uses
// the standard MTProto forward-pagination trick: offset_date pinned at
// since combined with a negative add_offset asks messages.getHistory for
// the page immediately following that instant instead of the most recent
// messages (Telegram's own response ordering for this slice is still
// newest-first, so the result is sorted oldest-first by (posted_at,
// message ID) before returning). Re-fetching the boundary message on the next call is
// expected; downstream dedup on (channel_id, telegram_message_id) absorbs it.
func (c *Client) FetchMessages(ctx context.Context, externalChannelID int64, since time.Time, pageSize int) (ports.MessagePage, error) {
	if err := c.gate.waitOnline(ctx); err != nil {
		return ports.MessagePage{}, err
	}

	inputChannel, err := c.peers.resolve(ctx, externalChannelID)
	if err != nil {
		return ports.MessagePage{}, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return ports.MessagePage{}, err
	}

	resp, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:       &tg.InputPeerChannel{ChannelID: inputChannel.ChannelID, AccessHash: inputChannel.AccessHash},
		OffsetDate: int(since.Unix()),
		AddOffset:  -pageSize,
		Limit:      pageSize,
	})
	if err != nil {
		return ports.MessagePage{}, asRateLimitError(err)
	}

	raw, err := normalizeHistory(resp)
	if err != nil {
		return ports.MessagePage{}, err
	}

	events := make([]channel.PostParsedEvent, 0, len(raw))
	for _, m := range raw {
		msg, ok := m.(*tg.Message)
		if !ok {
			continue // service messages (joins/pins/...) carry no parseable post content
		}
		if int64(msg.Date) < since.Unix() {
			continue // offset_date arithmetic can include messages just before since
		}
		events = append(events, toPostParsedEvent(externalChannelID, msg))
	}

	sort.Slice(events, func(i, j int) bool {
		if !events[i].PostedAt.Equal(events[j].PostedAt) {
			return events[i].PostedAt.Before(events[j].PostedAt)
		}
		return events[i].TelegramMessageID < events[j].TelegramMessageID
	})

	return ports.MessagePage{
		Messages: events,
		HasMore:  len(raw) >= pageSize,
	}, nil
}

func toPostParsedEvent(externalChannelID int64, msg *tg.Message) channel.PostParsedEvent {
	return channel.PostParsedEvent{
		TelegramMessageID: int64(msg.ID),
		ContentHash:       contentHash(msg),
		PostedAt:          time.Unix(int64(msg.Date), 0).UTC(),
		Media:             extractMedia(msg),
	}
}

// contentHash lets a downstream consumer detect an edited repost of the
// same message ID without the core needing its own dedup store (spec.md's
// natural dedup key is (channel_id, telegram_message_id); content_hash is
// purely advisory on top of it).
func contentHash(msg *tg.Message) string {
	sum := sha256.Sum256([]byte(msg.Message))
	return hex.EncodeToString(sum[:])
}

func extractMedia(msg *tg.Message) []channel.Media {
	media, ok := msg.GetMedia()
	if !ok {
		return nil
	}
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.AsNotEmpty()
		if !ok {
			return nil
		}
		return []channel.Media{{Kind: "photo", FileID: fmt.Sprintf("photo:%d", photo.GetID())}}
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.AsNotEmpty()
		if !ok {
			return nil
		}
		med := channel.Media{Kind: "document", FileID: fmt.Sprintf("document:%d", doc.GetID()), MimeType: doc.MimeType, SizeHint: doc.Size}
		return []channel.Media{med}
	default:
		return nil
	}
}

// normalizeHistory folds the possible messages.getHistory response shapes
// into a plain slice; MessagesMessagesNotModified never occurs here since
// this call never passes a hash.
func normalizeHistory(resp tg.MessagesMessagesClass) ([]tg.MessageClass, error) {
	switch m := resp.(type) {
	case *tg.MessagesMessages:
		return m.Messages, nil
	case *tg.MessagesMessagesSlice:
		return m.Messages, nil
	case *tg.MessagesChannelMessages:
		return m.Messages, nil
	default:
		return nil, fmt.Errorf("telegramsource: unexpected history response %T", resp)
	}
}
