// Package account implements the root scheduling object: one Discord token,
// one gateway session, one event controller, and the servers scheduled under
// it.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/herald-labs/discord-herald/discord"
	"github.com/herald-labs/discord-herald/eventbus"
	"github.com/herald-labs/discord-herald/events"
	"github.com/herald-labs/discord-herald/guild"
	"github.com/herald-labs/discord-herald/logging"
	"github.com/herald-labs/discord-herald/tracking"
)

// ErrTokenRejected marks an account whose token Discord refused; the owner
// should expire the account rather than retry.
var ErrTokenRejected = errors.New("account token rejected")

// SessionFactory builds the gateway session for a token. Swappable so tests
// can run an account against a fake session.
type SessionFactory func(token string, intents discordgo.Intent, restPerSecond float64, logger *slog.Logger) (discord.Session, error)

// Config is the constructor input for an Account.
type Config struct {
	Token         string
	Intents       discordgo.Intent
	RESTPerSecond float64
	Servers       []guild.Server
	Factory       SessionFactory // defaults to the real discordgo session
}

// Account owns a session and the servers scheduled through it. Each account
// runs its own EventController so one account's listeners never see another
// account's traffic.
type Account struct {
	tracking.ID

	token         string
	intents       discordgo.Intent
	restPerSecond float64
	factory       SessionFactory

	mu      sync.Mutex
	servers []guild.Server

	session     discord.Session
	ctrl        *eventbus.EventController
	gateway     discord.GatewayEventHandler
	sink        logging.Sink
	logger      *slog.Logger
	removedL    *eventbus.Listener
	initialized bool
}

// New creates a detached account.
func New(cfg Config) *Account {
	factory := cfg.Factory
	if factory == nil {
		factory = func(token string, intents discordgo.Intent, restPerSecond float64, logger *slog.Logger) (discord.Session, error) {
			return discord.NewSession(token, intents, restPerSecond, logger)
		}
	}
	if cfg.Intents == 0 {
		cfg.Intents = discordgo.IntentGuilds | discordgo.IntentGuildMembers | discordgo.IntentGuildInvites
	}
	return &Account{
		ID:            tracking.NewID(),
		token:         cfg.Token,
		intents:       cfg.Intents,
		restPerSecond: cfg.RESTPerSecond,
		factory:       factory,
		servers:       append([]guild.Server(nil), cfg.Servers...),
	}
}

// Session implements guild.Parent.
func (a *Account) Session() discord.Session { return a.session }

// Logger implements guild.Parent.
func (a *Account) Logger() *slog.Logger { return a.logger }

// Sink implements guild.Parent.
func (a *Account) Sink() logging.Sink { return a.sink }

// Controller exposes the account's event controller; the control plane uses
// it to route update requests.
func (a *Account) Controller() *eventbus.EventController { return a.ctrl }

// Servers returns a copy of the current server set.
func (a *Account) Servers() []guild.Server {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]guild.Server(nil), a.servers...)
}

// Initialize connects the gateway, starts the controller, bridges gateway
// events onto it and brings every server online. A rejected token returns
// ErrTokenRejected so the owner can expire the account instead of retrying.
func (a *Account) Initialize(ctx context.Context, logger *slog.Logger, sink logging.Sink) error {
	a.logger = logger.With(slog.String("account", a.TrackingID().String()))
	a.sink = sink

	session, err := a.factory(a.token, a.intents, a.restPerSecond, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if err := session.Open(); err != nil {
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == 401 {
			return fmt.Errorf("%w: %v", ErrTokenRejected, err)
		}
		return fmt.Errorf("failed to open gateway: %w", err)
	}
	a.session = session

	a.ctrl = eventbus.NewEventController(a.logger)
	a.gateway = discord.NewGatewayEventHandler(a.ctrl, a.logger, session)
	a.gateway.RegisterHandlers()

	a.removedL = a.ctrl.AddListener(events.ServerRemoved, a.onServerRemoved, func(payload any) bool {
		s, ok := payload.(guild.Server)
		return ok && a.owns(s)
	})

	a.mu.Lock()
	servers := append([]guild.Server(nil), a.servers...)
	a.mu.Unlock()

	for _, s := range servers {
		if err := s.Initialize(a, a.ctrl); err != nil {
			a.logger.Warn("dropping server that failed to initialize",
				slog.String("server_id", s.TrackingID().String()),
				slog.Any("error", err))
			a.detach(s)
		}
	}

	a.mu.Lock()
	a.initialized = true
	online := len(a.servers)
	a.mu.Unlock()
	a.logger.Info("account online", slog.Int("servers", online))
	return nil
}

// AddServer registers and initializes a server. Duplicate identities are
// rejected.
func (a *Account) AddServer(s guild.Server) error {
	a.mu.Lock()
	for _, existing := range a.servers {
		if existing.TrackingID() == s.TrackingID() {
			a.mu.Unlock()
			return fmt.Errorf("server %s already added", s.TrackingID())
		}
	}
	a.servers = append(a.servers, s)
	initialized := a.initialized
	a.mu.Unlock()

	if !initialized {
		return nil
	}
	if err := s.Initialize(a, a.ctrl); err != nil {
		a.detach(s)
		return fmt.Errorf("failed to initialize server: %w", err)
	}
	return nil
}

// RemoveServer closes and detaches a server. Unknown servers are a no-op.
func (a *Account) RemoveServer(s guild.Server) {
	if a.detach(s) {
		s.Close()
	}
}

func (a *Account) detach(s guild.Server) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, existing := range a.servers {
		if existing.TrackingID() == s.TrackingID() {
			a.servers = append(a.servers[:i], a.servers[i+1:]...)
			return true
		}
	}
	return false
}

func (a *Account) owns(s guild.Server) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, existing := range a.servers {
		if existing == s {
			return true
		}
	}
	return false
}

func (a *Account) onServerRemoved(_ context.Context, payload any) error {
	s := payload.(guild.Server)
	a.logger.Debug("server removal deadline reached",
		slog.String("server_id", s.TrackingID().String()))
	a.RemoveServer(s)
	return nil
}

// Close tears the account down: servers first so their listeners unregister
// against a live controller, then the controller, then the gateway. A removal
// deadline firing during shutdown is harmless: server Close serializes
// through the server's own section and the loser finds it already closed.
func (a *Account) Close() {
	a.mu.Lock()
	if !a.initialized {
		a.mu.Unlock()
		return
	}
	a.initialized = false
	a.mu.Unlock()

	for _, s := range a.Servers() {
		s.Close()
	}
	if a.removedL != nil {
		a.ctrl.RemoveListener(a.removedL)
		a.removedL = nil
	}
	a.ctrl.Stop()
	if err := a.session.Close(); err != nil {
		a.logger.Warn("failed to close gateway session", slog.Any("error", err))
	}
}

// Describe returns the semi-serialized form for the control plane. The token
// is redacted.
func (a *Account) Describe() tracking.Ref {
	servers := a.Servers()
	refs := make([]any, 0, len(servers))
	for _, s := range servers {
		refs = append(refs, s.Describe())
	}
	return tracking.Ref{
		Type: "Account",
		ID:   a.TrackingID().String(),
		Parameters: map[string]any{
			"servers": refs,
		},
	}
}
