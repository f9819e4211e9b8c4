package telegramsource

import (
	"context"
	"fmt"
	"sync"

	"github.com/gotd/td/tg"
)

// peerCache resolves a Telegram channel's numeric ID to the InputChannel
// gotd's RPC calls require (ID + access_hash). Access hashes are only handed
// out by Telegram alongside a peer's full metadata, so they must be learned
// from a dialogs listing or a channel lookup before messages.getHistory can
// be called for that channel.
//
// Unlike the teacher's cache package this is not a process-wide singleton:
// one Client owns one peerCache, rebuilt from a single dialogs sweep at
// startup. There is no persistent on-disk cache (the teacher's bbolt-backed
// warmup) because a scheduler process resolves every active channel once
// per process lifetime, not once per update — the cost of rebuilding this
// map on every restart is negligible next to Telegram's own rate limits.
type peerCache struct {
	api *tg.Client

	mu       sync.RWMutex
	channels map[int64]int64 // external channel ID -> access hash
}

func newPeerCache(api *tg.Client) *peerCache {
	return &peerCache{api: api, channels: make(map[int64]int64)}
}

// warmup loads the account's dialog list once so every channel this account
// already follows resolves without a per-channel RPC round trip.
func (c *peerCache) warmup(ctx context.Context) error {
	const (
		limit = 100
	)
	offsetDate, offsetID := 0, 0
	offsetPeer := tg.InputPeerClass(&tg.InputPeerEmpty{})

	for {
		resp, err := c.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetDate: offsetDate,
			OffsetID:   offsetID,
			OffsetPeer: offsetPeer,
			Limit:      limit,
		})
		if err != nil {
			return fmt.Errorf("telegramsource: get dialogs: %w", err)
		}
		batch, err := normalizeDialogs(resp)
		if err != nil {
			return err
		}
		if len(batch.Dialogs) == 0 {
			return nil
		}

		c.mu.Lock()
		for _, chat := range batch.Chats {
			if ch, ok := chat.(*tg.Channel); ok {
				c.channels[ch.ID] = ch.AccessHash
			}
		}
		c.mu.Unlock()

		if len(batch.Dialogs) < limit {
			return nil
		}

		last := batch.Dialogs[len(batch.Dialogs)-1]
		switch d := last.(type) {
		case *tg.Dialog:
			offsetID = d.TopMessage
			offsetPeer = c.dialogPeerToInput(d.Peer)
		case *tg.DialogFolder:
			offsetID = d.TopMessage
			offsetPeer = c.dialogPeerToInput(d.Peer)
		default:
			return nil
		}
	}
}

func (c *peerCache) dialogPeerToInput(peer tg.PeerClass) tg.InputPeerClass {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := peer.(*tg.PeerChannel); ok {
		return &tg.InputPeerChannel{ChannelID: p.ChannelID, AccessHash: c.channels[p.ChannelID]}
	}
	return &tg.InputPeerEmpty{}
}

// resolve returns the tg.InputChannel for externalID, falling back to
// channels.getChannels on a cache miss (e.g. a channel added after warmup).
func (c *peerCache) resolve(ctx context.Context, externalID int64) (*tg.InputChannel, error) {
	c.mu.RLock()
	hash, ok := c.channels[externalID]
	c.mu.RUnlock()
	if ok {
		return &tg.InputChannel{ChannelID: externalID, AccessHash: hash}, nil
	}

	resp, err := c.api.ChannelsGetChannels(ctx, []tg.InputChannelClass{
		&tg.InputChannel{ChannelID: externalID},
	})
	if err != nil {
		return nil, fmt.Errorf("telegramsource: resolve channel %d: %w", externalID, err)
	}
	chats := resp.GetChats()
	for _, chat := range chats {
		if ch, ok := chat.(*tg.Channel); ok && ch.ID == externalID {
			c.mu.Lock()
			c.channels[externalID] = ch.AccessHash
			c.mu.Unlock()
			return &tg.InputChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}, nil
		}
	}
	return nil, fmt.Errorf("telegramsource: channel %d not found", externalID)
}

// normalizeDialogs folds the two populated dialogs-response shapes gotd can
// return into one; MessagesDialogsNotModified never occurs here since this
// call never sets the exclude_pinned/hash fields that would trigger it.
func normalizeDialogs(resp tg.MessagesDialogsClass) (*tg.MessagesDialogs, error) {
	switch d := resp.(type) {
	case *tg.MessagesDialogs:
		return d, nil
	case *tg.MessagesDialogsSlice:
		return &tg.MessagesDialogs{Dialogs: d.Dialogs, Messages: d.Messages, Chats: d.Chats, Users: d.Users}, nil
	default:
		return nil, fmt.Errorf("telegramsource: unexpected dialogs response %T", resp)
	}
}
