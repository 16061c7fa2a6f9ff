// Package events defines the closed set of event identifiers the scheduler
// core communicates with, plus the payload types carried by gateway-originated
// events. Core lifecycle events (update, removal, message-ready) carry the
// affected object itself as their payload so listener predicates can gate on
// identity.
package events

import "github.com/bwmarrin/discordgo"

// ID identifies an event category on the controller.
type ID string

const (
	// ServerUpdate requests an atomic reconfiguration of the object carried
	// in the UpdateRequest payload.
	ServerUpdate ID = "server_update"

	// ServerRemoved signals that the payload object reached its removal
	// deadline and should be detached by its owner.
	ServerRemoved ID = "server_removed"

	// MessageReady fires when a message's period timer elapses. Payload is
	// the message object itself.
	MessageReady ID = "message_ready"

	// MessageRemoved signals that a message's remove-after policy is
	// satisfied. Payload is the message object itself.
	MessageRemoved ID = "message_removed"

	// AutoGuildStartJoin triggers one auto-join attempt on the AutoGuild
	// carried as payload.
	AutoGuildStartJoin ID = "auto_guild_start_join"

	// Gateway-originated events.
	GuildJoin    ID = "discord_guild_join"
	GuildRemove  ID = "discord_guild_remove"
	MemberJoin   ID = "discord_member_join"
	InviteDelete ID = "discord_invite_delete"
)

// UpdateRequest is the payload of ServerUpdate.
type UpdateRequest struct {
	// Target is the object to reconfigure. The single listener that
	// executes the update is gated on Target being itself.
	Target any

	// Overrides holds the construction parameters to change. The concrete
	// type is the options struct of the target (e.g. *guild.Options);
	// fields left nil keep their current value.
	Overrides any
}

// GuildPayload is the payload of GuildJoin and GuildRemove.
type GuildPayload struct {
	Guild *discordgo.Guild
}

// MemberJoinPayload is the payload of MemberJoin.
type MemberJoinPayload struct {
	GuildID   string
	GuildName string
	UserID    string
	UserName  string
}

// InviteDeletePayload is the payload of InviteDelete.
type InviteDeletePayload struct {
	GuildID   string
	GuildName string
	InviteID  string
}
