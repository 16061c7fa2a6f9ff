package discord

import (
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/herald-labs/discord-herald/eventbus"
	"github.com/herald-labs/discord-herald/events"
)

// GatewayEventHandler bridges incoming gateway events onto the event
// controller. The bridge is the only place discordgo callbacks touch core
// state, and it does so exclusively by emitting.
type GatewayEventHandler interface {
	RegisterHandlers()
}

type gatewayEventHandler struct {
	ctrl    *eventbus.EventController
	logger  *slog.Logger
	session Session
}

// NewGatewayEventHandler creates the gateway bridge for one session.
func NewGatewayEventHandler(ctrl *eventbus.EventController, logger *slog.Logger, session Session) GatewayEventHandler {
	return &gatewayEventHandler{ctrl: ctrl, logger: logger, session: session}
}

// RegisterHandlers registers all the gateway event handlers.
func (h *gatewayEventHandler) RegisterHandlers() {
	h.session.AddHandler(h.guildCreate)
	h.session.AddHandler(h.guildDelete)
	h.session.AddHandler(h.memberAdd)
	h.session.AddHandler(h.inviteDelete)
}

func (h *gatewayEventHandler) guildCreate(_ *discordgo.Session, g *discordgo.GuildCreate) {
	h.logger.Debug("gateway guild create", slog.String("guild", g.Name))
	h.ctrl.Emit(events.GuildJoin, events.GuildPayload{Guild: g.Guild})
}

func (h *gatewayEventHandler) guildDelete(_ *discordgo.Session, g *discordgo.GuildDelete) {
	h.logger.Debug("gateway guild delete", slog.String("guild_id", g.ID))
	h.ctrl.Emit(events.GuildRemove, events.GuildPayload{Guild: g.Guild})
}

func (h *gatewayEventHandler) memberAdd(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
	guildName := ""
	if g, err := h.session.Guild(m.GuildID); err == nil {
		guildName = g.Name
	}
	h.ctrl.Emit(events.MemberJoin, events.MemberJoinPayload{
		GuildID:   m.GuildID,
		GuildName: guildName,
		UserID:    m.User.ID,
		UserName:  m.User.Username,
	})
}

func (h *gatewayEventHandler) inviteDelete(_ *discordgo.Session, i *discordgo.InviteDelete) {
	guildName := ""
	if g, err := h.session.Guild(i.GuildID); err == nil {
		guildName = g.Name
	}
	h.ctrl.Emit(events.InviteDelete, events.InviteDeletePayload{
		GuildID:   i.GuildID,
		GuildName: guildName,
		InviteID:  i.Code,
	})
}
