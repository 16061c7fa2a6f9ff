package discord

import (
	"context"
	"encoding/json"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/bwmarrin/discordgo"
)

// ChannelCache keeps recently resolved channel lists so a dense schedule
// does not hammer the channels endpoint every cycle. Entries expire after a
// short TTL; send-time resolution stays the source of truth.
type ChannelCache struct {
	cache *bigcache.BigCache
}

// NewChannelCache creates a cache whose entries live for ttl.
func NewChannelCache(ctx context.Context, ttl time.Duration) (*ChannelCache, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	c, err := bigcache.New(ctx, bigcache.DefaultConfig(ttl))
	if err != nil {
		return nil, err
	}
	return &ChannelCache{cache: c}, nil
}

// Get returns the cached channel list for a guild, or ok=false on miss.
func (c *ChannelCache) Get(guildID string) ([]*discordgo.Channel, bool) {
	data, err := c.cache.Get(guildID)
	if err != nil {
		return nil, false
	}
	var channels []*discordgo.Channel
	if err := json.Unmarshal(data, &channels); err != nil {
		_ = c.cache.Delete(guildID)
		return nil, false
	}
	return channels, true
}

// Set stores the channel list for a guild.
func (c *ChannelCache) Set(guildID string, channels []*discordgo.Channel) error {
	data, err := json.Marshal(channels)
	if err != nil {
		return err
	}
	return c.cache.Set(guildID, data)
}

// Invalidate drops a guild's entry; a miss is not an error.
func (c *ChannelCache) Invalidate(guildID string) {
	_ = c.cache.Delete(guildID)
}

// Close releases the cache.
func (c *ChannelCache) Close() error {
	return c.cache.Close()
}
