// Package bot composes the runtime: accounts built from configuration, the
// log pipeline, the tracking registry and the optional control plane.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/herald-labs/discord-herald/account"
	"github.com/herald-labs/discord-herald/config"
	"github.com/herald-labs/discord-herald/discord"
	"github.com/herald-labs/discord-herald/guild"
	"github.com/herald-labs/discord-herald/logging"
	"github.com/herald-labs/discord-herald/message"
	"github.com/herald-labs/discord-herald/remote"
	"github.com/herald-labs/discord-herald/tracking"
	"github.com/herald-labs/discord-herald/web"
)

// Runner owns every live object for the lifetime of the process.
type Runner struct {
	cfg      *config.Config
	logger   *slog.Logger
	pipeline *logging.Pipeline
	registry *tracking.Registry
	logStore *logging.SQLiteSink

	mu       sync.Mutex
	accounts []*account.Account

	remoteSrv *remote.Server

	// Factory substitutes fake sessions in tests; nil uses the real gateway.
	Factory account.SessionFactory
}

// New builds the runner: log sinks, pipeline and registry. Nothing connects
// to Discord until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Runner, error) {
	var sinks []logging.Sink

	fileSink, err := logging.NewJSONFileSink(cfg.Logging.Directory)
	if err != nil {
		return nil, fmt.Errorf("failed to create file log sink: %w", err)
	}
	sinks = append(sinks, fileSink)

	var logStore *logging.SQLiteSink
	if cfg.Logging.SQLitePath != "" {
		retention := time.Duration(cfg.Logging.RetentionDays) * 24 * time.Hour
		logStore, err = logging.NewSQLiteSink(cfg.Logging.SQLitePath, retention, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite log sink: %w", err)
		}
		sinks = append(sinks, logStore)
	}

	pipeline, err := logging.NewPipeline(logger, sinks...)
	if err != nil {
		return nil, fmt.Errorf("failed to create log pipeline: %w", err)
	}

	return &Runner{
		cfg:      cfg,
		logger:   logger,
		pipeline: pipeline,
		registry: tracking.NewRegistry(),
		logStore: logStore,
	}, nil
}

// Registry exposes the object registry for the control plane.
func (r *Runner) Registry() *tracking.Registry { return r.registry }

// Run starts the pipeline, brings the configured account online and serves
// the control plane until ctx is canceled, then tears everything down in
// reverse order.
func (r *Runner) Run(ctx context.Context) error {
	pipelineCtx, cancelPipeline := context.WithCancel(context.Background())
	defer cancelPipeline()
	go func() {
		if err := r.pipeline.Run(pipelineCtx); err != nil && pipelineCtx.Err() == nil {
			r.logger.Error("log pipeline stopped", slog.Any("error", err))
		}
	}()
	<-r.pipeline.Running()

	servers, err := r.buildServers(r.cfg.Schedule)
	if err != nil {
		return err
	}
	acct := account.New(account.Config{
		Token:         r.cfg.Discord.Token,
		RESTPerSecond: r.cfg.Discord.RESTPerSecond,
		Servers:       servers,
		Factory:       r.Factory,
	})
	if err := r.addAccount(ctx, acct); err != nil {
		return fmt.Errorf("failed to start configured account: %w", err)
	}

	errCh := make(chan error, 1)
	if r.cfg.Remote.Enabled {
		var logs remote.LogSource
		if r.logStore != nil {
			logs = r.logStore
		}
		r.remoteSrv = remote.NewServer(remote.Config{
			Addr:     r.cfg.Remote.Addr,
			Username: r.cfg.Remote.Username,
			Password: r.cfg.Remote.Password,
		}, r.logger, r, r.registry, logs)
		go func() { errCh <- r.remoteSrv.ListenAndServe() }()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			r.logger.Error("control plane failed", slog.Any("error", err))
		}
	}

	r.shutdown()
	return nil
}

func (r *Runner) shutdown() {
	if r.remoteSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.remoteSrv.Shutdown(shutdownCtx); err != nil {
			r.logger.Warn("control plane shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	r.mu.Lock()
	accounts := append([]*account.Account(nil), r.accounts...)
	r.accounts = nil
	r.mu.Unlock()
	for _, acct := range accounts {
		r.unregisterTree(acct)
		acct.Close()
	}

	if err := r.pipeline.Close(); err != nil {
		r.logger.Warn("log pipeline close failed", slog.Any("error", err))
	}
	r.logger.Info("shutdown complete")
}

func (r *Runner) addAccount(ctx context.Context, acct *account.Account) error {
	if err := acct.Initialize(ctx, r.logger, r.pipeline); err != nil {
		return err
	}
	r.mu.Lock()
	r.accounts = append(r.accounts, acct)
	r.mu.Unlock()
	r.registerTree(acct)
	return nil
}

// AccountRefs implements remote.AccountManager.
func (r *Runner) AccountRefs() []tracking.Ref {
	r.mu.Lock()
	defer r.mu.Unlock()
	refs := make([]tracking.Ref, 0, len(r.accounts))
	for _, acct := range r.accounts {
		refs = append(refs, acct.Describe())
	}
	return refs
}

// AddAccount implements remote.AccountManager.
func (r *Runner) AddAccount(ctx context.Context, token string, restPerSecond float64) (tracking.Ref, error) {
	acct := account.New(account.Config{
		Token:         token,
		RESTPerSecond: restPerSecond,
		Factory:       r.Factory,
	})
	if err := r.addAccount(ctx, acct); err != nil {
		return tracking.Ref{}, err
	}
	return acct.Describe(), nil
}

// RemoveAccount implements remote.AccountManager.
func (r *Runner) RemoveAccount(id uuid.UUID) error {
	r.mu.Lock()
	var found *account.Account
	for i, acct := range r.accounts {
		if acct.TrackingID() == id {
			found = acct
			r.accounts = append(r.accounts[:i], r.accounts[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	if found == nil {
		return fmt.Errorf("no account with id %s", id)
	}
	r.unregisterTree(found)
	found.Close()
	return nil
}

// registerTree indexes the account and everything under it so the control
// plane can address any object by tracking ID.
func (r *Runner) registerTree(acct *account.Account) {
	r.registry.Register(acct)
	for _, s := range acct.Servers() {
		r.registry.Register(s)
		for _, m := range r.serverMessages(s) {
			if d, ok := m.(tracking.Describable); ok {
				r.registry.Register(d)
			}
		}
	}
}

func (r *Runner) unregisterTree(acct *account.Account) {
	for _, s := range acct.Servers() {
		for _, m := range r.serverMessages(s) {
			r.registry.Unregister(m)
		}
		r.registry.Unregister(s)
	}
	r.registry.Unregister(acct)
}

func (r *Runner) serverMessages(s guild.Server) []message.Message {
	switch v := s.(type) {
	case *guild.Guild:
		return v.Messages()
	case *guild.User:
		return v.Messages()
	case *guild.AutoGuild:
		var out []message.Message
		for _, g := range v.Generated() {
			out = append(out, g.Messages()...)
		}
		return out
	default:
		return nil
	}
}

// buildServers turns the declarative schedule into live (but not yet
// initialized) server objects.
func (r *Runner) buildServers(sched config.Schedule) ([]guild.Server, error) {
	var servers []guild.Server

	for _, gs := range sched.Guilds {
		msgs, err := buildMessages(gs.Messages, false)
		if err != nil {
			return nil, fmt.Errorf("guild %s: %w", gs.GuildID, err)
		}
		servers = append(servers, guild.New(gs.GuildID, msgs, gs.Logging, gs.RemoveIn))
	}

	for _, us := range sched.Users {
		msgs, err := buildMessages(us.Messages, true)
		if err != nil {
			return nil, fmt.Errorf("user %s: %w", us.UserID, err)
		}
		servers = append(servers, guild.NewUser(us.UserID, msgs, us.Logging, us.RemoveIn))
	}

	for _, as := range sched.AutoGuilds {
		msgs, err := buildMessages(as.Messages, false)
		if err != nil {
			return nil, fmt.Errorf("auto guild %s: %w", as.IncludePattern, err)
		}
		var discovery web.Discovery
		if as.AutoJoin && r.cfg.Discovery.BaseURL != "" {
			discovery = web.NewDirectoryPager(web.PagerConfig{
				BaseURL:  r.cfg.Discovery.BaseURL,
				Prompt:   r.cfg.Discovery.Prompt,
				PageSize: r.cfg.Discovery.PageSize,
			})
		}
		servers = append(servers, guild.NewAutoGuild(guild.AutoGuildConfig{
			IncludePattern: as.IncludePattern,
			ExcludePattern: as.ExcludePattern,
			Messages:       msgs,
			Logging:        as.Logging,
			RemoveIn:       as.RemoveIn,
			Discovery:      discovery,
			JoinBudget:     r.cfg.Discovery.JoinBudget,
			InviteTrack:    as.InviteTrack,
		}))
	}

	return servers, nil
}

func buildMessages(specs []config.MessageSchedule, direct bool) ([]message.Message, error) {
	var out []message.Message
	for i, ms := range specs {
		removeAfter := message.RemoveNever()
		switch {
		case ms.RemoveAfterCount > 0:
			removeAfter = message.RemoveAfterCount(ms.RemoveAfterCount)
		case ms.RemoveAfterTime > 0:
			removeAfter = message.RemoveAfterDuration(ms.RemoveAfterTime)
		}
		mode := message.ModeSend
		if ms.Mode != "" {
			mode = message.Mode(ms.Mode)
		}

		switch {
		case direct:
			out = append(out, message.NewDirectMessage(ms.StartPeriod, ms.EndPeriod,
				message.TextData{Content: ms.Content}, mode, ms.StartIn, removeAfter))
		case ms.Type == "voice":
			if ms.AudioPath == "" {
				return nil, fmt.Errorf("message %d: voice message needs audio_path", i)
			}
			src := discord.NewDCAFileSource(filepath.Clean(ms.AudioPath))
			out = append(out, message.NewVoiceMessage(ms.StartPeriod, ms.EndPeriod,
				message.AudioData{Source: src}, ms.Channels, ms.StartIn, removeAfter))
		default:
			out = append(out, message.NewTextMessage(ms.StartPeriod, ms.EndPeriod,
				message.TextData{Content: ms.Content}, ms.Channels, mode, ms.StartIn, removeAfter))
		}
	}
	return out, nil
}
