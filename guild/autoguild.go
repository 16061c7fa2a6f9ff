package guild

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/herald-labs/discord-herald/eventbus"
	"github.com/herald-labs/discord-herald/events"
	"github.com/herald-labs/discord-herald/logging"
	"github.com/herald-labs/discord-herald/message"
	"github.com/herald-labs/discord-herald/tracking"
	"github.com/herald-labs/discord-herald/web"
)

const (
	// joinInterval is how often the auto-join loop pulls one candidate.
	joinInterval = 45 * time.Second
	// joinAttemptTimeout bounds one discovery pull plus the join call.
	joinAttemptTimeout = 30 * time.Second
	// guildCeiling is the hard cap on total joined guilds; Discord caps
	// unverified bots at 100.
	guildCeiling = 100
)

// pipeSpacing collapses whitespace around alternation bars so patterns like
// "shill | promo" compile the same as "shill|promo".
var pipeSpacing = regexp.MustCompile(`\s*\|\s*`)

// AutoGuild manages the group of guilds whose names match an include/exclude
// pattern pair. It spawns one Guild manager per match, each seeded with a
// deep copy of the template messages, and keeps the group live as guilds are
// joined and left.
type AutoGuild struct {
	tracking.ID

	includePattern string
	excludePattern string
	include        *regexp.Regexp
	exclude        *regexp.Regexp

	templates  []message.Message
	logEnabled bool
	removeAt   time.Time
	removeIn   time.Duration

	discovery   web.Discovery
	joinBudget  int
	joinCount   int
	inviteOrder []string
	inviteUses  map[string]int

	cache     []*discordgo.Guild
	generated []*Guild

	parent       Parent
	ctrl         *eventbus.EventController
	logger       *slog.Logger
	section      *eventbus.Section
	removalTimer *eventbus.Timer
	joinTimer    *eventbus.Timer
	joinListener *eventbus.Listener
	listeners    []*eventbus.Listener
	initialized  bool
}

// AutoGuildConfig collects the constructor knobs; only IncludePattern is
// required.
type AutoGuildConfig struct {
	IncludePattern string
	ExcludePattern string
	Messages       []message.Message
	Logging        bool
	RemoveIn       time.Duration
	Discovery      web.Discovery
	JoinBudget     int
	InviteTrack    []string
}

// AutoGuildOptions are the Update overrides for an AutoGuild.
type AutoGuildOptions struct {
	IncludePattern *string
	ExcludePattern *string
	Messages       []message.Message
	Logging        *bool
	RemoveAt       *time.Time
	InviteTrack    []string
}

// NewAutoGuild creates a detached pattern-matching guild group.
func NewAutoGuild(cfg AutoGuildConfig) *AutoGuild {
	return &AutoGuild{
		ID:             tracking.NewID(),
		includePattern: cfg.IncludePattern,
		excludePattern: cfg.ExcludePattern,
		templates:      append([]message.Message(nil), cfg.Messages...),
		logEnabled:     cfg.Logging,
		removeIn:       cfg.RemoveIn,
		discovery:      cfg.Discovery,
		joinBudget:     cfg.JoinBudget,
		inviteOrder:    append([]string(nil), cfg.InviteTrack...),
		section:        eventbus.NewSection(),
	}
}

// Generated returns a copy of the currently generated guild managers.
func (a *AutoGuild) Generated() []*Guild {
	a.section.Lock()
	defer a.section.Unlock()
	return append([]*Guild(nil), a.generated...)
}

// matchName reports whether a guild name belongs to this group: the include
// pattern must search positively and the exclude pattern, if set, must not.
func (a *AutoGuild) matchName(name string) bool {
	return matchPatterns(a.include, a.exclude, name)
}

func matchPatterns(include, exclude *regexp.Regexp, name string) bool {
	if include == nil || !include.MatchString(name) {
		return false
	}
	return exclude == nil || !exclude.MatchString(name)
}

func (a *AutoGuild) compilePatterns() error {
	inc, err := regexp.Compile(pipeSpacing.ReplaceAllString(strings.TrimSpace(a.includePattern), "|"))
	if err != nil {
		return fmt.Errorf("invalid include pattern %q: %w", a.includePattern, err)
	}
	a.include = inc
	a.exclude = nil
	if a.excludePattern != "" {
		exc, err := regexp.Compile(pipeSpacing.ReplaceAllString(strings.TrimSpace(a.excludePattern), "|"))
		if err != nil {
			return fmt.Errorf("invalid exclude pattern %q: %w", a.excludePattern, err)
		}
		a.exclude = exc
	}
	return nil
}

// Initialize compiles the patterns, starts invite tracking and the auto-join
// loop when configured, registers the membership listeners and materializes
// one Guild manager per currently matching guild.
func (a *AutoGuild) Initialize(parent Parent, ctrl *eventbus.EventController) error {
	a.section.Lock()
	defer a.section.Unlock()
	return a.initLocked(parent, ctrl)
}

// initLocked does the Initialize work. The caller holds the section; the
// listeners registered here take the same section, so a gateway burst that
// dispatches mid-initialization waits its turn instead of interleaving with
// the materialization loop.
func (a *AutoGuild) initLocked(parent Parent, ctrl *eventbus.EventController) error {
	a.parent = parent
	a.ctrl = ctrl
	a.logger = parent.Logger().With(slog.String("auto_guild", a.includePattern))

	if err := a.compilePatterns(); err != nil {
		return err
	}

	if a.removeIn > 0 {
		a.removeAt = time.Now().Add(a.removeIn)
	}
	if !a.removeAt.IsZero() {
		a.removalTimer = ctrl.CallAt(a.removeAt, func() {
			a.ctrl.Emit(events.ServerRemoved, Server(a))
		})
	}

	if a.discovery != nil {
		if err := a.discovery.Open(context.Background()); err != nil {
			if a.removalTimer != nil {
				a.removalTimer.Cancel()
				a.removalTimer = nil
			}
			return fmt.Errorf("failed to open guild discovery: %w", err)
		}
		a.joinListener = ctrl.AddListener(events.AutoGuildStartJoin, a.onStartJoin, func(payload any) bool {
			return payload == Server(a)
		})
		a.joinTimer = ctrl.CallAfter(joinInterval, a.emitStartJoin)
	}

	a.listeners = append(a.listeners,
		ctrl.AddListener(events.GuildJoin, a.onGuildJoin, a.matchGuildPayload),
		ctrl.AddListener(events.GuildRemove, a.onGuildRemove, nil),
		ctrl.AddListener(events.MemberJoin, a.onMemberJoin, func(payload any) bool {
			p, ok := payload.(events.MemberJoinPayload)
			return ok && a.matchName(p.GuildName)
		}),
		ctrl.AddListener(events.InviteDelete, a.onInviteDelete, func(payload any) bool {
			p, ok := payload.(events.InviteDeletePayload)
			return ok && a.matchName(p.GuildName)
		}),
		ctrl.AddListener(events.ServerUpdate, a.onUpdate, func(payload any) bool {
			req, ok := payload.(events.UpdateRequest)
			return ok && req.Target == Server(a)
		}),
	)

	a.rebuildCache()
	for _, remote := range a.cache {
		a.makeNewGuild(remote)
	}

	a.initInviteTracking()

	a.initialized = true
	return nil
}

func (a *AutoGuild) matchGuildPayload(payload any) bool {
	p, ok := payload.(events.GuildPayload)
	return ok && p.Guild != nil && a.matchName(p.Guild.Name)
}

// rebuildCache re-lists the session's guilds and keeps the matching ones.
// The cache is rebuilt wholesale rather than patched so a rename in either
// direction is picked up on the next rebuild.
func (a *AutoGuild) rebuildCache() {
	a.cache = a.cache[:0]
	for _, g := range a.parent.Session().Guilds() {
		if a.matchName(g.Name) {
			a.cache = append(a.cache, g)
		}
	}
}

// makeNewGuild spawns a Guild manager for one matched remote guild, seeded
// with a deep copy of the templates. Initialization failure drops the guild
// from the group rather than failing the whole AutoGuild.
func (a *AutoGuild) makeNewGuild(remote *discordgo.Guild) {
	for _, g := range a.generated {
		if g.RemoteGuildID() == remote.ID {
			return
		}
	}

	copies := make([]message.Message, 0, len(a.templates))
	for _, tmpl := range a.templates {
		copies = append(copies, tmpl.Clone())
	}
	g := NewMatched(remote.ID, remote.Name, copies, a.logEnabled)
	if err := g.Initialize(a.parent, a.ctrl); err != nil {
		a.logger.Warn("skipping matched guild that failed to initialize",
			slog.String("guild_id", remote.ID),
			slog.String("guild_name", remote.Name),
			slog.Any("error", err))
		return
	}
	a.generated = append(a.generated, g)
	a.logger.Debug("generated guild manager",
		slog.String("guild_id", remote.ID),
		slog.String("guild_name", remote.Name))
}

// AddMessage attaches a template line and fans a fresh copy out to every
// currently generated guild.
func (a *AutoGuild) AddMessage(tmpl message.Message) error {
	a.section.Lock()
	defer a.section.Unlock()
	for _, existing := range a.templates {
		if existing.TrackingID() == tmpl.TrackingID() {
			return fmt.Errorf("message %s already added", tmpl.TrackingID())
		}
	}
	a.templates = append(a.templates, tmpl)
	for _, g := range a.generated {
		if err := g.AddMessage(tmpl.Clone()); err != nil {
			a.logger.Warn("failed to attach message to generated guild",
				slog.String("guild_id", g.RemoteGuildID()),
				slog.Any("error", err))
		}
	}
	return nil
}

// RemoveMessage detaches a template line and removes its copies, matched by
// origin, from every generated guild.
func (a *AutoGuild) RemoveMessage(tmpl message.Message) {
	a.section.Lock()
	defer a.section.Unlock()
	for i, existing := range a.templates {
		if existing.TrackingID() == tmpl.TrackingID() {
			a.templates = append(a.templates[:i], a.templates[i+1:]...)
			break
		}
	}
	for _, g := range a.generated {
		g.removeByOrigin(tmpl)
	}
}

func (a *AutoGuild) onGuildJoin(_ context.Context, payload any) error {
	p := payload.(events.GuildPayload)
	a.section.Lock()
	defer a.section.Unlock()
	if !a.initialized {
		// Snapshotted before a close; the group no longer exists.
		return nil
	}
	a.rebuildCache()
	a.makeNewGuild(p.Guild)
	return nil
}

func (a *AutoGuild) onGuildRemove(_ context.Context, payload any) error {
	p, ok := payload.(events.GuildPayload)
	if !ok || p.Guild == nil {
		return nil
	}
	a.section.Lock()
	defer a.section.Unlock()
	if !a.initialized {
		return nil
	}
	a.rebuildCache()
	for i, g := range a.generated {
		if g.RemoteGuildID() == p.Guild.ID {
			a.generated = append(a.generated[:i], a.generated[i+1:]...)
			g.Close()
			return nil
		}
	}
	// Not one of ours; leaving a non-matching guild is a no-op.
	return nil
}

// initInviteTracking resolves the initial use counts for the tracked
// invites. Tracked IDs that no generated guild knows are dropped with a
// warning.
func (a *AutoGuild) initInviteTracking() {
	if len(a.inviteOrder) == 0 {
		return
	}
	a.inviteUses = make(map[string]int, len(a.inviteOrder))

	found := make(map[string]int)
	for _, g := range a.generated {
		invites, err := a.parent.Session().GuildInvites(context.Background(), g.RemoteGuildID())
		if err != nil {
			a.logger.Warn("failed to fetch invites",
				slog.String("guild_id", g.RemoteGuildID()),
				slog.Any("error", err))
			continue
		}
		for _, inv := range invites {
			found[inv.Code] = inv.Uses
		}
	}

	kept := a.inviteOrder[:0]
	for _, id := range a.inviteOrder {
		uses, ok := found[id]
		if !ok {
			a.logger.Warn("dropping unknown tracked invite", slog.String("invite_id", id))
			continue
		}
		a.inviteUses[id] = uses
		kept = append(kept, id)
	}
	a.inviteOrder = kept
}

// onMemberJoin attributes the join to the first tracked invite whose use
// count increased since the last observation. When several counts moved at
// once the first in tracking order wins; that is an accepted approximation.
func (a *AutoGuild) onMemberJoin(ctx context.Context, payload any) error {
	p := payload.(events.MemberJoinPayload)
	a.section.Lock()
	defer a.section.Unlock()
	if !a.initialized || len(a.inviteOrder) == 0 {
		return nil
	}

	invites, err := a.parent.Session().GuildInvites(ctx, p.GuildID)
	if err != nil {
		return fmt.Errorf("failed to fetch invites for %s: %w", p.GuildID, err)
	}
	current := make(map[string]int, len(invites))
	for _, inv := range invites {
		current[inv.Code] = inv.Uses
	}

	for _, id := range a.inviteOrder {
		uses, ok := current[id]
		if !ok {
			continue
		}
		if uses == a.inviteUses[id] {
			continue
		}
		a.inviteUses[id] = uses
		return a.parent.Sink().SaveLog(ctx, logging.Record{
			Guild: logging.GuildContext{ID: p.GuildID, Name: p.GuildName, Type: "GUILD"},
			Invite: &logging.InviteContext{
				ID:         id,
				MemberID:   p.UserID,
				MemberName: p.UserName,
			},
		})
	}
	return nil
}

func (a *AutoGuild) onInviteDelete(_ context.Context, payload any) error {
	p := payload.(events.InviteDeletePayload)
	a.section.Lock()
	defer a.section.Unlock()
	if !a.initialized {
		return nil
	}
	if _, ok := a.inviteUses[p.InviteID]; !ok {
		return nil
	}
	delete(a.inviteUses, p.InviteID)
	for i, id := range a.inviteOrder {
		if id == p.InviteID {
			a.inviteOrder = append(a.inviteOrder[:i], a.inviteOrder[i+1:]...)
			break
		}
	}
	a.logger.Debug("tracked invite deleted", slog.String("invite_id", p.InviteID))
	return nil
}

func (a *AutoGuild) emitStartJoin() {
	a.ctrl.Emit(events.AutoGuildStartJoin, Server(a))
}

// onStartJoin runs one join attempt off the dispatch goroutine; the section
// keeps it exclusive against update and close.
func (a *AutoGuild) onStartJoin(_ context.Context, _ any) error {
	go a.joinOne()
	return nil
}

// joinOne pulls one candidate from the discovery feed, filters it and
// attempts the join, then re-arms the timer. It disables the loop for good
// once the feed runs dry, the budget is spent, or the guild ceiling is hit.
// The feed and join calls run outside the section so a slow listing cannot
// stall an update or close waiting to be admitted.
func (a *AutoGuild) joinOne() {
	a.section.Lock()
	if !a.initialized || a.discovery == nil {
		a.section.Unlock()
		return
	}
	discovery := a.discovery
	session := a.parent.Session()
	if (a.joinBudget > 0 && a.joinCount >= a.joinBudget) || len(session.Guilds()) >= guildCeiling {
		a.logger.Info("auto-join stopping",
			slog.Int("joined", a.joinCount),
			slog.Int("guild_count", len(session.Guilds())))
		a.stopAutoJoin()
		a.section.Unlock()
		return
	}
	include, exclude := a.include, a.exclude
	a.section.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), joinAttemptTimeout)
	defer cancel()

	var joined, counted bool
	var joinErr error
	candidate, nextErr := discovery.NextCandidate(ctx)
	if nextErr == nil && matchPatterns(include, exclude, candidate.Name) {
		if _, err := session.Guild(candidate.ID); err == nil {
			// Already a member; the candidate still consumed budget.
			counted = true
		} else if joinErr = discovery.Join(ctx, candidate); joinErr == nil {
			joined, counted = true, true
		}
	}

	a.section.Lock()
	defer a.section.Unlock()
	if !a.initialized || a.discovery != discovery {
		// Closed or reconfigured while the feed call was in flight; the
		// current configuration owns its own loop.
		return
	}
	switch {
	case errors.Is(nextErr, web.ErrEndOfFeed):
		a.logger.Info("guild discovery feed exhausted, auto-join stopping")
		a.stopAutoJoin()
		return
	case nextErr != nil:
		a.logger.Error("guild discovery failed", slog.Any("error", nextErr))
	case joinErr != nil:
		a.logger.Warn("failed to join guild",
			slog.String("guild_name", candidate.Name),
			slog.Any("error", joinErr))
	case joined:
		a.joinCount++
		a.logger.Info("joined guild",
			slog.String("guild_name", candidate.Name),
			slog.Int("joined", a.joinCount))
	case counted:
		a.joinCount++
	}
	a.rearmJoinTimer()
}

func (a *AutoGuild) rearmJoinTimer() {
	if a.joinTimer != nil {
		a.joinTimer.Cancel()
	}
	a.joinTimer = a.ctrl.CallAfter(joinInterval, a.emitStartJoin)
}

func (a *AutoGuild) stopAutoJoin() {
	if a.joinTimer != nil {
		a.joinTimer.Cancel()
		a.joinTimer = nil
	}
	if a.joinListener != nil {
		a.ctrl.RemoveListener(a.joinListener)
		a.joinListener = nil
	}
}

// Update atomically reconfigures the group through the controller.
func (a *AutoGuild) Update(opts *AutoGuildOptions) error {
	a.section.Lock()
	if !a.initialized {
		a.apply(opts)
		a.section.Unlock()
		return nil
	}
	ctrl := a.ctrl
	a.section.Unlock()
	return ctrl.Emit(events.ServerUpdate, events.UpdateRequest{Target: Server(a), Overrides: opts}).Wait()
}

func (a *AutoGuild) onUpdate(_ context.Context, payload any) error {
	req := payload.(events.UpdateRequest)
	opts, ok := req.Overrides.(*AutoGuildOptions)
	if !ok {
		return fmt.Errorf("auto guild update: unexpected overrides type %T", req.Overrides)
	}

	a.section.Lock()
	defer a.section.Unlock()

	type snapshot struct {
		includePattern, excludePattern string
		templates                      []message.Message
		logEnabled                     bool
		removeAt                       time.Time
		inviteOrder                    []string
	}
	prev := snapshot{
		a.includePattern, a.excludePattern,
		append([]message.Message(nil), a.templates...),
		a.logEnabled, a.removeAt,
		append([]string(nil), a.inviteOrder...),
	}
	parent, ctrl := a.parent, a.ctrl
	a.closeLocked()
	a.apply(opts)
	if err := a.initLocked(parent, ctrl); err != nil {
		a.includePattern, a.excludePattern = prev.includePattern, prev.excludePattern
		a.templates = prev.templates
		a.logEnabled, a.removeAt = prev.logEnabled, prev.removeAt
		a.inviteOrder = prev.inviteOrder
		if rbErr := a.initLocked(parent, ctrl); rbErr != nil {
			return fmt.Errorf("update failed and rollback failed (%v): %w", rbErr, err)
		}
		return fmt.Errorf("update failed, previous configuration restored: %w", err)
	}
	return nil
}

func (a *AutoGuild) apply(opts *AutoGuildOptions) {
	if opts == nil {
		return
	}
	if opts.IncludePattern != nil {
		a.includePattern = *opts.IncludePattern
	}
	if opts.ExcludePattern != nil {
		a.excludePattern = *opts.ExcludePattern
	}
	if opts.Messages != nil {
		a.templates = append([]message.Message(nil), opts.Messages...)
	}
	if opts.Logging != nil {
		a.logEnabled = *opts.Logging
	}
	if opts.RemoveAt != nil {
		a.removeAt = *opts.RemoveAt
	}
	if opts.InviteTrack != nil {
		a.inviteOrder = append([]string(nil), opts.InviteTrack...)
	}
}

// Close cascades teardown: timers, then listeners, then the discovery
// capability, then every generated guild.
func (a *AutoGuild) Close() {
	a.section.Lock()
	defer a.section.Unlock()
	a.closeLocked()
}

func (a *AutoGuild) closeLocked() {
	if !a.initialized {
		return
	}
	a.initialized = false

	if a.removalTimer != nil {
		a.removalTimer.Cancel()
		a.removalTimer = nil
	}
	if a.joinTimer != nil {
		a.joinTimer.Cancel()
		a.joinTimer = nil
	}
	if a.joinListener != nil {
		a.ctrl.RemoveListener(a.joinListener)
		a.joinListener = nil
	}
	for _, l := range a.listeners {
		a.ctrl.RemoveListener(l)
	}
	a.listeners = nil

	if a.discovery != nil {
		if err := a.discovery.Close(); err != nil {
			a.logger.Warn("failed to close guild discovery", slog.Any("error", err))
		}
	}

	for _, g := range a.generated {
		g.Close()
	}
	a.generated = nil
	a.cache = nil
	a.inviteUses = nil
}

// Describe returns the semi-serialized form for the control plane.
func (a *AutoGuild) Describe() tracking.Ref {
	a.section.Lock()
	defer a.section.Unlock()
	tmplRefs := make([]any, 0, len(a.templates))
	for _, m := range a.templates {
		if d, ok := m.(tracking.Describable); ok {
			tmplRefs = append(tmplRefs, d.Describe())
		}
	}
	genRefs := make([]any, 0, len(a.generated))
	for _, g := range a.generated {
		genRefs = append(genRefs, g.Describe())
	}
	return tracking.Ref{
		Type: "AutoGuild",
		ID:   a.TrackingID().String(),
		Parameters: map[string]any{
			"include_pattern": a.includePattern,
			"exclude_pattern": a.excludePattern,
			"logging":         a.logEnabled,
			"messages":        tmplRefs,
			"generated":       genRefs,
		},
	}
}
