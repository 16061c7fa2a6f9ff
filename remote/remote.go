// Package remote exposes the HTTP control plane: inspect and reconfigure the
// running scheduler without restarting it. Every response carries a
// {message, result} envelope.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/herald-labs/discord-herald/guild"
	"github.com/herald-labs/discord-herald/logging"
	"github.com/herald-labs/discord-herald/message"
	"github.com/herald-labs/discord-herald/tracking"
)

// AccountManager is what the control plane needs from the running bot.
type AccountManager interface {
	AccountRefs() []tracking.Ref
	AddAccount(ctx context.Context, token string, restPerSecond float64) (tracking.Ref, error)
	RemoveAccount(id uuid.UUID) error
}

// LogSource serves recent send records; nil disables the /logs endpoint.
type LogSource interface {
	Recent(ctx context.Context, limit int) ([]logging.Record, error)
}

// Config configures the control plane server.
type Config struct {
	Addr     string
	Username string // empty disables basic auth
	Password string
}

// Server is the HTTP control plane.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	manager  AccountManager
	registry *tracking.Registry
	logs     LogSource
	http     *http.Server
}

// envelope is the uniform response shape.
type envelope struct {
	Message string `json:"message"`
	Result  any    `json:"result,omitempty"`
}

// NewServer wires the routes.
func NewServer(cfg Config, logger *slog.Logger, manager AccountManager, registry *tracking.Registry, logs LogSource) *Server {
	s := &Server{cfg: cfg, logger: logger, manager: manager, registry: registry, logs: logs}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	if cfg.Username != "" {
		r.Use(chimiddleware.BasicAuth("herald", map[string]string{cfg.Username: cfg.Password}))
	}

	r.Get("/ping", s.handlePing)
	r.Route("/accounts", func(r chi.Router) {
		r.Get("/", s.handleListAccounts)
		r.Post("/", s.handleAddAccount)
		r.Delete("/{id}", s.handleRemoveAccount)
	})
	r.Route("/objects/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetObject)
		r.Post("/update", s.handleUpdateObject)
	})
	r.Get("/logs", s.handleLogs)

	s.http = &http.Server{
		Addr:        cfg.Addr,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving the control plane until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("control plane listening", slog.String("addr", s.cfg.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, msg string, result any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Message: msg, Result: result})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, err.Error(), nil)
}

func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, "pong", nil)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, _ *http.Request) {
	refs := s.manager.AccountRefs()
	if refs == nil {
		refs = []tracking.Ref{}
	}
	writeJSON(w, http.StatusOK, "ok", refs)
}

func (s *Server) handleAddAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token         string  `json:"token"`
		RESTPerSecond float64 `json:"rest_per_second"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, errors.New("token is required"))
		return
	}
	ref, err := s.manager.AddAccount(r.Context(), req.Token, req.RESTPerSecond)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusCreated, "account added", ref)
}

func (s *Server) handleRemoveAccount(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid account id: %w", err))
		return
	}
	if err := s.manager.RemoveAccount(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, "account removed", nil)
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	obj, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, "ok", obj.Describe())
}

// objectUpdate is the superset of remotely updatable knobs; only the fields
// meaningful for the target's type are applied.
type objectUpdate struct {
	StartPeriod    *time.Duration `json:"start_period,omitempty"`
	EndPeriod      *time.Duration `json:"end_period,omitempty"`
	Channels       []string       `json:"channels,omitempty"`
	Mode           *string        `json:"mode,omitempty"`
	Content        *string        `json:"content,omitempty"`
	Logging        *bool          `json:"logging,omitempty"`
	IncludePattern *string        `json:"include_pattern,omitempty"`
	ExcludePattern *string        `json:"exclude_pattern,omitempty"`
}

func (s *Server) handleUpdateObject(w http.ResponseWriter, r *http.Request) {
	obj, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req objectUpdate
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	var err error
	switch target := obj.(type) {
	case *message.TextMessage:
		opts := &message.TextOptions{
			StartPeriod: req.StartPeriod,
			EndPeriod:   req.EndPeriod,
			Channels:    req.Channels,
		}
		if req.Mode != nil {
			mode := message.Mode(*req.Mode)
			opts.Mode = &mode
		}
		if req.Content != nil {
			opts.Data = message.TextData{Content: *req.Content}
		}
		err = target.Update(opts)
	case *message.VoiceMessage:
		err = target.Update(&message.VoiceOptions{
			StartPeriod: req.StartPeriod,
			EndPeriod:   req.EndPeriod,
			Channels:    req.Channels,
		})
	case *message.DirectMessage:
		opts := &message.DirectOptions{
			StartPeriod: req.StartPeriod,
			EndPeriod:   req.EndPeriod,
		}
		if req.Mode != nil {
			mode := message.Mode(*req.Mode)
			opts.Mode = &mode
		}
		if req.Content != nil {
			opts.Data = message.TextData{Content: *req.Content}
		}
		err = target.Update(opts)
	case *guild.Guild:
		err = target.Update(&guild.GuildOptions{Logging: req.Logging})
	case *guild.User:
		err = target.Update(&guild.UserOptions{Logging: req.Logging})
	case *guild.AutoGuild:
		err = target.Update(&guild.AutoGuildOptions{
			IncludePattern: req.IncludePattern,
			ExcludePattern: req.ExcludePattern,
			Logging:        req.Logging,
		})
	default:
		writeError(w, http.StatusUnprocessableEntity,
			fmt.Errorf("object type %T is not remotely updatable", obj))
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, "updated", obj.Describe())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusNotImplemented, errors.New("no queryable log sink configured"))
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	records, err := s.logs.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []logging.Record{}
	}
	writeJSON(w, http.StatusOK, "ok", records)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (tracking.Describable, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid object id: %w", err))
		return nil, false
	}
	obj, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no object with id %s", id))
		return nil, false
	}
	return obj, true
}
