package message

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/herald-labs/discord-herald/discord"
	"github.com/herald-labs/discord-herald/eventbus"
	"github.com/herald-labs/discord-herald/events"
	"github.com/herald-labs/discord-herald/tracking"
)

// VoiceMessage periodically streams an audio payload into a set of guild
// voice channels, one channel at a time.
type VoiceMessage struct {
	Base
	channelIDs []string

	parent         ChannelParent
	updateListener *eventbus.Listener
}

// VoiceOptions are the Update overrides for a VoiceMessage.
type VoiceOptions struct {
	StartPeriod *time.Duration
	EndPeriod   *time.Duration
	StartIn     *time.Duration
	Data        any
	Channels    []string
	RemoveAfter *RemoveAfter
}

// NewVoiceMessage creates a detached voice message. data must resolve to an
// AudioData payload at send time.
func NewVoiceMessage(startPeriod, endPeriod time.Duration, data any, channelIDs []string, startIn time.Duration, removeAfter RemoveAfter) *VoiceMessage {
	return &VoiceMessage{
		Base:       newBase(startPeriod, endPeriod, startIn, data, removeAfter),
		channelIDs: append([]string(nil), channelIDs...),
	}
}

// Initialize attaches the message to its owning guild.
func (m *VoiceMessage) Initialize(parent ChannelParent, ctrl *eventbus.EventController, logger *slog.Logger) error {
	if len(m.channelIDs) == 0 {
		return fmt.Errorf("voice message has no channels")
	}
	m.parent = parent
	m.initBase(m, ctrl, logger)
	m.updateListener = ctrl.AddListener(events.ServerUpdate, m.onUpdate, func(payload any) bool {
		req, ok := payload.(events.UpdateRequest)
		return ok && req.Target == Message(m)
	})
	return nil
}

// Update atomically reconfigures the message via the controller.
func (m *VoiceMessage) Update(opts *VoiceOptions) error {
	m.section.Lock()
	ctrl := m.ctrl
	initialized := m.initialized
	m.section.Unlock()
	if !initialized {
		m.apply(opts)
		return nil
	}
	return ctrl.Emit(events.ServerUpdate, events.UpdateRequest{Target: Message(m), Overrides: opts}).Wait()
}

func (m *VoiceMessage) onUpdate(_ context.Context, payload any) error {
	req := payload.(events.UpdateRequest)
	opts, ok := req.Overrides.(*VoiceOptions)
	if !ok {
		return fmt.Errorf("voice message update: unexpected overrides type %T", req.Overrides)
	}

	m.section.Lock()
	defer m.section.Unlock()

	type snapshot struct {
		startPeriod, endPeriod, startIn time.Duration
		payload                         any
		removeAfter                     RemoveAfter
		channelIDs                      []string
	}
	prev := snapshot{m.startPeriod, m.endPeriod, m.startIn, m.payload, m.removeAfter, append([]string(nil), m.channelIDs...)}
	parent, ctrl, logger := m.parent, m.ctrl, m.logger
	m.closeLocked()
	m.apply(opts)
	if err := m.reinit(parent, ctrl, logger); err != nil {
		m.startPeriod, m.endPeriod, m.startIn = prev.startPeriod, prev.endPeriod, prev.startIn
		m.payload, m.removeAfter, m.channelIDs = prev.payload, prev.removeAfter, prev.channelIDs
		if rbErr := m.reinit(parent, ctrl, logger); rbErr != nil {
			return fmt.Errorf("update failed and rollback failed (%v): %w", rbErr, err)
		}
		return fmt.Errorf("update failed, previous configuration restored: %w", err)
	}
	return nil
}

func (m *VoiceMessage) apply(opts *VoiceOptions) {
	if opts == nil {
		return
	}
	if opts.StartPeriod != nil {
		m.startPeriod = *opts.StartPeriod
	}
	if opts.EndPeriod != nil {
		m.endPeriod = *opts.EndPeriod
	}
	if opts.StartIn != nil {
		m.startIn = *opts.StartIn
	}
	if opts.Data != nil {
		m.payload = opts.Data
	}
	if opts.Channels != nil {
		m.channelIDs = append([]string(nil), opts.Channels...)
	}
	if opts.RemoveAfter != nil {
		m.removeAfter = *opts.RemoveAfter
	}
}

func (m *VoiceMessage) reinit(parent ChannelParent, ctrl *eventbus.EventController, logger *slog.Logger) error {
	if len(m.channelIDs) == 0 {
		return fmt.Errorf("voice message has no channels")
	}
	m.parent = parent
	m.initBase(m, ctrl, logger)
	m.updateListener = ctrl.AddListener(events.ServerUpdate, m.onUpdate, func(payload any) bool {
		req, ok := payload.(events.UpdateRequest)
		return ok && req.Target == Message(m)
	})
	return nil
}

// Close cancels the timer and unregisters the update listener.
func (m *VoiceMessage) Close() {
	m.section.Lock()
	defer m.section.Unlock()
	m.closeLocked()
}

func (m *VoiceMessage) closeLocked() {
	if !m.initialized {
		return
	}
	if m.updateListener != nil {
		m.ctrl.RemoveListener(m.updateListener)
		m.updateListener = nil
	}
	m.closeBase()
}

// Clone returns a detached structural copy sharing the template origin.
func (m *VoiceMessage) Clone() Message {
	return &VoiceMessage{
		Base:       m.cloneBase(),
		channelIDs: append([]string(nil), m.channelIDs...),
	}
}

// Send runs one playback cycle across the configured voice channels.
func (m *VoiceMessage) Send(ctx context.Context) (*Report, error) {
	m.section.Lock()
	defer m.section.Unlock()
	if !m.initialized {
		return nil, nil
	}

	data, err := resolveData(m.payload)
	if err != nil {
		m.finishCycle(false, true)
		return nil, fmt.Errorf("failed to render payload: %w", err)
	}
	ad, ok := data.(AudioData)
	if !ok || ad.Source == nil {
		m.finishCycle(false, true)
		return nil, nil
	}

	report := &Report{Type: "VoiceMessage", SentData: ad.Description()}
	live, err := m.liveChannels(ctx)
	if err != nil {
		reason := string(discord.Classify(err))
		for _, id := range m.channelIDs {
			report.Channels.Failed = append(report.Channels.Failed, ChannelResult{ID: id, Reason: reason})
		}
		m.finishCycle(false, true)
		return report, nil
	}

	var prune []string
	for _, id := range m.channelIDs {
		ch, found := live[id]
		if !found {
			report.Channels.Failed = append(report.Channels.Failed, ChannelResult{ID: id, Reason: string(discord.KindNotFound)})
			prune = append(prune, id)
			continue
		}
		if err := discord.PlayAudio(ctx, m.parent.Session(), m.parent.RemoteGuildID(), id, ad.Source); err != nil {
			serr := discord.WrapSend(id, err)
			report.Channels.Failed = append(report.Channels.Failed, ChannelResult{ID: id, Name: ch.Name, Reason: string(serr.Kind)})
			if serr.Kind == discord.KindForbidden {
				prune = append(prune, id)
			}
			continue
		}
		report.Channels.Successful = append(report.Channels.Successful, ChannelResult{ID: id, Name: ch.Name})
	}

	for _, id := range prune {
		m.dropChannel(id)
	}
	m.finishCycle(len(report.Channels.Successful) > 0, len(m.channelIDs) > 0)
	return report, nil
}

func (m *VoiceMessage) liveChannels(ctx context.Context) (map[string]*discordgo.Channel, error) {
	channels, err := m.parent.Session().GuildChannels(ctx, m.parent.RemoteGuildID())
	if err != nil {
		m.logger.Error("failed to list guild channels", slog.Any("error", err))
		return nil, err
	}
	live := make(map[string]*discordgo.Channel, len(channels))
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildVoice || ch.Type == discordgo.ChannelTypeGuildStageVoice {
			live[ch.ID] = ch
		}
	}
	return live, nil
}

func (m *VoiceMessage) dropChannel(id string) {
	for i, cid := range m.channelIDs {
		if cid == id {
			m.channelIDs = append(m.channelIDs[:i], m.channelIDs[i+1:]...)
			return
		}
	}
}

// Describe returns the semi-serialized form for the control plane.
func (m *VoiceMessage) Describe() tracking.Ref {
	return tracking.Ref{
		Type: "VoiceMessage",
		ID:   m.TrackingID().String(),
		Parameters: map[string]any{
			"start_period": m.startPeriod.String(),
			"end_period":   m.endPeriod.String(),
			"channels":     m.channelIDs,
		},
	}
}
