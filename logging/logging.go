// Package logging implements the send-report pipeline: schedulers publish
// structured records, a watermill router fans them out to the configured
// sinks. Sink failures never reach the scheduler.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmsg "github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/herald-labs/discord-herald/message"
)

// RecordTopic is the pub/sub topic send records travel on.
const RecordTopic = "herald.log.record"

// GuildContext identifies the destination a record belongs to.
type GuildContext struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"` // GUILD or USER
}

// InviteContext attributes a member join to a tracked invite.
type InviteContext struct {
	ID         string `json:"id"`
	MemberID   string `json:"member_id"`
	MemberName string `json:"member_name"`
}

// Record is one logged event: a send report, an invite attribution, or both
// contexts for the same guild.
type Record struct {
	Timestamp time.Time       `json:"timestamp"`
	Guild     GuildContext    `json:"guild"`
	Message   *message.Report `json:"message,omitempty"`
	Invite    *InviteContext  `json:"invite,omitempty"`
}

// Sink persists records. Implementations must tolerate concurrent calls.
type Sink interface {
	SaveLog(ctx context.Context, r Record) error
	Close() error
}

// Pipeline is the Sink the schedulers talk to. It publishes records to an
// in-process pub/sub and routes them to every configured sink, so one slow
// or broken sink cannot block a send cycle.
type Pipeline struct {
	logger *slog.Logger
	pubsub *gochannel.GoChannel
	router *wmsg.Router
	sinks  []Sink
}

// NewPipeline wires the router and subscribes one handler per sink.
func NewPipeline(logger *slog.Logger, sinks ...Sink) (*Pipeline, error) {
	wmLogger := watermill.NewSlogLogger(logger)
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, wmLogger)

	router, err := wmsg.NewRouter(wmsg.RouterConfig{}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create log router: %w", err)
	}
	router.AddMiddleware(
		middleware.CorrelationID,
		middleware.Recoverer,
	)

	p := &Pipeline{logger: logger, pubsub: pubsub, router: router, sinks: sinks}
	for i, sink := range sinks {
		sink := sink
		router.AddNoPublisherHandler(
			fmt.Sprintf("log-sink-%d", i),
			RecordTopic,
			pubsub,
			func(msg *wmsg.Message) error {
				var rec Record
				if err := json.Unmarshal(msg.Payload, &rec); err != nil {
					logger.Error("dropping undecodable log record", slog.Any("error", err))
					return nil
				}
				if err := sink.SaveLog(msg.Context(), rec); err != nil {
					logger.Error("log sink failed", slog.Any("error", err))
				}
				return nil
			},
		)
	}
	return p, nil
}

// Run starts the router and blocks until ctx is canceled. Callers should
// wait on Running before publishing the first record.
func (p *Pipeline) Run(ctx context.Context) error {
	return p.router.Run(ctx)
}

// Running closes once the router handlers are subscribed.
func (p *Pipeline) Running() chan struct{} {
	return p.router.Running()
}

// SaveLog publishes the record to the pipeline. Delivery to the sinks is
// asynchronous; only marshal/publish errors are reported.
func (p *Pipeline) SaveLog(_ context.Context, r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal log record: %w", err)
	}
	if err := p.pubsub.Publish(RecordTopic, wmsg.NewMessage(watermill.NewUUID(), payload)); err != nil {
		return fmt.Errorf("failed to publish log record: %w", err)
	}
	return nil
}

// Close shuts down the router, the pub/sub and every sink.
func (p *Pipeline) Close() error {
	if err := p.router.Close(); err != nil {
		p.logger.Warn("failed to close log router", slog.Any("error", err))
	}
	if err := p.pubsub.Close(); err != nil {
		p.logger.Warn("failed to close log pubsub", slog.Any("error", err))
	}
	var firstErr error
	for _, sink := range p.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
