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

// TextMessage periodically delivers a text payload to a set of guild text
// channels. Channels are matched against the guild's live channel list at
// send time, never at registration time.
type TextMessage struct {
	Base
	mode       Mode
	channelIDs []string

	parent         ChannelParent
	sentMessages   map[string]string // channel ID -> last sent message ID
	updateListener *eventbus.Listener
}

// TextOptions are the Update overrides for a TextMessage. Nil fields keep
// their current value.
type TextOptions struct {
	StartPeriod *time.Duration
	EndPeriod   *time.Duration
	StartIn     *time.Duration
	Data        any
	Channels    []string
	Mode        *Mode
	RemoveAfter *RemoveAfter
}

// NewTextMessage creates a detached text message. data may be a Data value,
// a DataFunc or a *Rotation.
func NewTextMessage(startPeriod, endPeriod time.Duration, data any, channelIDs []string, mode Mode, startIn time.Duration, removeAfter RemoveAfter) *TextMessage {
	return &TextMessage{
		Base:         newBase(startPeriod, endPeriod, startIn, data, removeAfter),
		mode:         mode,
		channelIDs:   append([]string(nil), channelIDs...),
		sentMessages: make(map[string]string),
	}
}

// Initialize attaches the message to its owning guild and arms the first
// cycle.
func (m *TextMessage) Initialize(parent ChannelParent, ctrl *eventbus.EventController, logger *slog.Logger) error {
	if len(m.channelIDs) == 0 {
		return fmt.Errorf("text message has no channels")
	}
	m.parent = parent
	m.initBase(m, ctrl, logger)
	m.updateListener = ctrl.AddListener(events.ServerUpdate, m.onUpdate, func(payload any) bool {
		req, ok := payload.(events.UpdateRequest)
		return ok && req.Target == Message(m)
	})
	return nil
}

// Update atomically reconfigures the message through the controller so the
// reconfiguration executes exactly once on the dispatch context.
func (m *TextMessage) Update(opts *TextOptions) error {
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

func (m *TextMessage) onUpdate(_ context.Context, payload any) error {
	req := payload.(events.UpdateRequest)
	opts, ok := req.Overrides.(*TextOptions)
	if !ok {
		return fmt.Errorf("text message update: unexpected overrides type %T", req.Overrides)
	}

	m.section.Lock()
	defer m.section.Unlock()

	prev := m.snapshot()
	parent, ctrl, logger := m.parent, m.ctrl, m.logger
	m.closeLocked()
	m.apply(opts)
	if err := m.reinit(parent, ctrl, logger); err != nil {
		m.restore(prev)
		if rbErr := m.reinit(parent, ctrl, logger); rbErr != nil {
			m.logger = logger
			return fmt.Errorf("update failed and rollback failed (%v): %w", rbErr, err)
		}
		return fmt.Errorf("update failed, previous configuration restored: %w", err)
	}
	return nil
}

type textSnapshot struct {
	startPeriod, endPeriod, startIn time.Duration
	payload                         any
	removeAfter                     RemoveAfter
	mode                            Mode
	channelIDs                      []string
}

func (m *TextMessage) snapshot() textSnapshot {
	return textSnapshot{
		startPeriod: m.startPeriod,
		endPeriod:   m.endPeriod,
		startIn:     m.startIn,
		payload:     m.payload,
		removeAfter: m.removeAfter,
		mode:        m.mode,
		channelIDs:  append([]string(nil), m.channelIDs...),
	}
}

func (m *TextMessage) restore(s textSnapshot) {
	m.startPeriod, m.endPeriod, m.startIn = s.startPeriod, s.endPeriod, s.startIn
	m.payload, m.removeAfter = s.payload, s.removeAfter
	m.mode, m.channelIDs = s.mode, s.channelIDs
}

func (m *TextMessage) apply(opts *TextOptions) {
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
	if opts.Mode != nil {
		m.mode = *opts.Mode
	}
	if opts.RemoveAfter != nil {
		m.removeAfter = *opts.RemoveAfter
	}
}

// reinit re-runs initialization with the current parameters, keeping the
// tracking identity. Caller holds the section.
func (m *TextMessage) reinit(parent ChannelParent, ctrl *eventbus.EventController, logger *slog.Logger) error {
	if len(m.channelIDs) == 0 {
		return fmt.Errorf("text message has no channels")
	}
	m.parent = parent
	m.sentMessages = make(map[string]string)
	m.initBase(m, ctrl, logger)
	m.updateListener = ctrl.AddListener(events.ServerUpdate, m.onUpdate, func(payload any) bool {
		req, ok := payload.(events.UpdateRequest)
		return ok && req.Target == Message(m)
	})
	return nil
}

// Close cancels the timer and unregisters the update listener.
func (m *TextMessage) Close() {
	m.section.Lock()
	defer m.section.Unlock()
	m.closeLocked()
}

func (m *TextMessage) closeLocked() {
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
func (m *TextMessage) Clone() Message {
	return &TextMessage{
		Base:         m.cloneBase(),
		mode:         m.mode,
		channelIDs:   append([]string(nil), m.channelIDs...),
		sentMessages: make(map[string]string),
	}
}

// Send runs one dispatch cycle: resolve destinations against the live
// channel list, render the payload, attempt each destination independently,
// prune destinations that are gone for good and arm the next cycle.
func (m *TextMessage) Send(ctx context.Context) (*Report, error) {
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
	td, ok := data.(TextData)
	if !ok || td.IsEmpty() {
		m.finishCycle(false, true)
		return nil, nil
	}

	report := &Report{Type: "TextMessage", Mode: m.mode, SentData: td.Description()}
	live, err := m.liveChannels(ctx)
	if err != nil {
		// Destinations cannot be resolved this cycle. Record every one as
		// failed without pruning; next cycle retries the listing.
		reason := string(discord.Classify(err))
		for _, id := range m.channelIDs {
			report.Channels.Failed = append(report.Channels.Failed, ChannelResult{ID: id, Reason: reason})
		}
		m.finishCycle(false, true)
		return report, nil
	}

	var prune []string
	var penalty time.Duration
	rateLimited := false
	for _, id := range m.channelIDs {
		ch, found := live[id]
		if !found {
			report.Channels.Failed = append(report.Channels.Failed, ChannelResult{ID: id, Reason: string(discord.KindNotFound)})
			prune = append(prune, id)
			continue
		}
		if err := m.sendChannel(ctx, id, td); err != nil {
			serr := discord.WrapSend(id, err)
			report.Channels.Failed = append(report.Channels.Failed, ChannelResult{ID: id, Name: ch.Name, Reason: string(serr.Kind)})
			switch serr.Kind {
			case discord.KindForbidden, discord.KindNotFound:
				prune = append(prune, id)
			case discord.KindRateLimited:
				rateLimited = true
				if serr.RetryAfter > penalty {
					penalty = serr.RetryAfter
				}
			}
			continue
		}
		report.Channels.Successful = append(report.Channels.Successful, ChannelResult{ID: id, Name: ch.Name})
	}

	for _, id := range prune {
		m.dropChannel(id)
	}
	if rateLimited {
		// Stretch to the observed retry-after; a 429 without one falls back
		// to doubling the window.
		if penalty <= 0 {
			penalty = m.startPeriod + m.endPeriod
		}
		m.stretchPeriod(penalty)
	}

	m.finishCycle(len(report.Channels.Successful) > 0, len(m.channelIDs) > 0)
	return report, nil
}

// liveChannels resolves the guild's current text channels by ID.
func (m *TextMessage) liveChannels(ctx context.Context) (map[string]*discordgo.Channel, error) {
	channels, err := m.parent.Session().GuildChannels(ctx, m.parent.RemoteGuildID())
	if err != nil {
		m.logger.Error("failed to list guild channels", slog.Any("error", err))
		return nil, err
	}
	live := make(map[string]*discordgo.Channel, len(channels))
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildText || ch.Type == discordgo.ChannelTypeGuildNews {
			live[ch.ID] = ch
		}
	}
	return live, nil
}

func (m *TextMessage) dropChannel(id string) {
	for i, cid := range m.channelIDs {
		if cid == id {
			m.channelIDs = append(m.channelIDs[:i], m.channelIDs[i+1:]...)
			return
		}
	}
}

// sendChannel performs the mode-specific delivery to one channel.
func (m *TextMessage) sendChannel(ctx context.Context, channelID string, td TextData) error {
	sess := m.parent.Session()
	prev := m.sentMessages[channelID]

	if m.mode == ModeClearSend && prev != "" {
		if err := sess.DeleteMessage(ctx, channelID, prev); err != nil && discord.Classify(err) != discord.KindNotFound {
			return err
		}
		delete(m.sentMessages, channelID)
		prev = ""
	}

	if m.mode == ModeEdit && prev != "" {
		edit := discordgo.NewMessageEdit(channelID, prev).SetContent(td.Content)
		if td.Embed != nil {
			edit = edit.SetEmbeds([]*discordgo.MessageEmbed{td.Embed})
		}
		_, err := sess.EditComplex(ctx, edit)
		if err == nil {
			return nil
		}
		if discord.Classify(err) != discord.KindNotFound {
			return err
		}
		// The previous message is gone; fall through to a fresh send.
		delete(m.sentMessages, channelID)
	}

	send := &discordgo.MessageSend{Content: td.Content}
	if td.Embed != nil {
		send.Embeds = []*discordgo.MessageEmbed{td.Embed}
	}
	sent, err := sess.SendComplex(ctx, channelID, send)
	if err != nil {
		return err
	}
	m.sentMessages[channelID] = sent.ID
	return nil
}

// Describe returns the semi-serialized form for the control plane.
func (m *TextMessage) Describe() tracking.Ref {
	return tracking.Ref{
		Type: "TextMessage",
		ID:   m.TrackingID().String(),
		Parameters: map[string]any{
			"start_period": m.startPeriod.String(),
			"end_period":   m.endPeriod.String(),
			"channels":     m.channelIDs,
			"mode":         string(m.mode),
		},
	}
}
