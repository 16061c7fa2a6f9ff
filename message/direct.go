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

// DirectMessage periodically delivers a text payload to one user's DM
// channel. The destination set is implicit: "the user".
type DirectMessage struct {
	Base
	mode Mode

	parent          DMParent
	dmChannelID     string
	previousMessage string
	updateListener  *eventbus.Listener
}

// DirectOptions are the Update overrides for a DirectMessage.
type DirectOptions struct {
	StartPeriod *time.Duration
	EndPeriod   *time.Duration
	StartIn     *time.Duration
	Data        any
	Mode        *Mode
	RemoveAfter *RemoveAfter
}

// NewDirectMessage creates a detached direct message.
func NewDirectMessage(startPeriod, endPeriod time.Duration, data any, mode Mode, startIn time.Duration, removeAfter RemoveAfter) *DirectMessage {
	return &DirectMessage{
		Base: newBase(startPeriod, endPeriod, startIn, data, removeAfter),
		mode: mode,
	}
}

// Initialize creates the DM channel up front; a recipient that cannot be
// DMed fails initialization so the owner can skip the message.
func (m *DirectMessage) Initialize(parent DMParent, ctrl *eventbus.EventController, logger *slog.Logger) error {
	ch, err := parent.Session().UserChannelCreate(context.Background(), parent.RecipientID())
	if err != nil {
		return fmt.Errorf("unable to create DM channel with user %s: %w", parent.RecipientID(), err)
	}
	m.parent = parent
	m.dmChannelID = ch.ID
	m.initBase(m, ctrl, logger)
	m.updateListener = ctrl.AddListener(events.ServerUpdate, m.onUpdate, func(payload any) bool {
		req, ok := payload.(events.UpdateRequest)
		return ok && req.Target == Message(m)
	})
	return nil
}

// Update atomically reconfigures the message via the controller.
func (m *DirectMessage) Update(opts *DirectOptions) error {
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

func (m *DirectMessage) onUpdate(_ context.Context, payload any) error {
	req := payload.(events.UpdateRequest)
	opts, ok := req.Overrides.(*DirectOptions)
	if !ok {
		return fmt.Errorf("direct message update: unexpected overrides type %T", req.Overrides)
	}

	m.section.Lock()
	defer m.section.Unlock()

	prev := dmSnapshot{
		startPeriod: m.startPeriod,
		endPeriod:   m.endPeriod,
		startIn:     m.startIn,
		payload:     m.payload,
		removeAfter: m.removeAfter,
		mode:        m.mode,
	}
	parent, ctrl, logger := m.parent, m.ctrl, m.logger
	m.closeLocked()
	m.apply(opts)
	if err := m.reinit(parent, ctrl, logger); err != nil {
		m.startPeriod, m.endPeriod, m.startIn = prev.startPeriod, prev.endPeriod, prev.startIn
		m.payload, m.removeAfter, m.mode = prev.payload, prev.removeAfter, prev.mode
		if rbErr := m.reinit(parent, ctrl, logger); rbErr != nil {
			return fmt.Errorf("update failed and rollback failed (%v): %w", rbErr, err)
		}
		return fmt.Errorf("update failed, previous configuration restored: %w", err)
	}
	return nil
}

type dmSnapshot struct {
	startPeriod, endPeriod, startIn time.Duration
	payload                         any
	removeAfter                     RemoveAfter
	mode                            Mode
}

func (m *DirectMessage) apply(opts *DirectOptions) {
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
	if opts.Mode != nil {
		m.mode = *opts.Mode
	}
	if opts.RemoveAfter != nil {
		m.removeAfter = *opts.RemoveAfter
	}
}

func (m *DirectMessage) reinit(parent DMParent, ctrl *eventbus.EventController, logger *slog.Logger) error {
	ch, err := parent.Session().UserChannelCreate(context.Background(), parent.RecipientID())
	if err != nil {
		return fmt.Errorf("unable to create DM channel with user %s: %w", parent.RecipientID(), err)
	}
	m.parent = parent
	m.dmChannelID = ch.ID
	m.previousMessage = ""
	m.initBase(m, ctrl, logger)
	m.updateListener = ctrl.AddListener(events.ServerUpdate, m.onUpdate, func(payload any) bool {
		req, ok := payload.(events.UpdateRequest)
		return ok && req.Target == Message(m)
	})
	return nil
}

// Close cancels the timer and unregisters the update listener.
func (m *DirectMessage) Close() {
	m.section.Lock()
	defer m.section.Unlock()
	m.closeLocked()
}

func (m *DirectMessage) closeLocked() {
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
func (m *DirectMessage) Clone() Message {
	return &DirectMessage{
		Base: m.cloneBase(),
		mode: m.mode,
	}
}

// Send runs one DM dispatch cycle.
func (m *DirectMessage) Send(ctx context.Context) (*Report, error) {
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

	report := &Report{Type: "DirectMessage", Mode: m.mode, SentData: td.Description()}
	if err := m.sendDM(ctx, td); err != nil {
		serr := discord.WrapSend(m.dmChannelID, err)
		report.Channels.Failed = append(report.Channels.Failed, ChannelResult{ID: m.dmChannelID, Reason: string(serr.Kind)})
		if serr.Kind == discord.KindRateLimited {
			penalty := serr.RetryAfter
			if penalty <= 0 {
				penalty = m.startPeriod + m.endPeriod
			}
			m.stretchPeriod(penalty)
		}
		// Forbidden or unauthorized DMs never recover; spend the message.
		gone := serr.Kind == discord.KindForbidden || serr.Kind == discord.KindUnauthorized
		m.finishCycle(false, !gone)
		return report, nil
	}
	report.Channels.Successful = append(report.Channels.Successful, ChannelResult{ID: m.dmChannelID})
	m.finishCycle(true, true)
	return report, nil
}

func (m *DirectMessage) sendDM(ctx context.Context, td TextData) error {
	sess := m.parent.Session()

	if m.mode == ModeClearSend && m.previousMessage != "" {
		if err := sess.DeleteMessage(ctx, m.dmChannelID, m.previousMessage); err != nil && discord.Classify(err) != discord.KindNotFound {
			return err
		}
		m.previousMessage = ""
	}

	if m.mode == ModeEdit && m.previousMessage != "" {
		edit := discordgo.NewMessageEdit(m.dmChannelID, m.previousMessage).SetContent(td.Content)
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
		m.previousMessage = ""
	}

	send := &discordgo.MessageSend{Content: td.Content}
	if td.Embed != nil {
		send.Embeds = []*discordgo.MessageEmbed{td.Embed}
	}
	sent, err := sess.SendComplex(ctx, m.dmChannelID, send)
	if err != nil {
		return err
	}
	m.previousMessage = sent.ID
	return nil
}

// Describe returns the semi-serialized form for the control plane.
func (m *DirectMessage) Describe() tracking.Ref {
	return tracking.Ref{
		Type: "DirectMessage",
		ID:   m.TrackingID().String(),
		Parameters: map[string]any{
			"start_period": m.startPeriod.String(),
			"end_period":   m.endPeriod.String(),
			"mode":         string(m.mode),
		},
	}
}
