package message

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/herald-labs/discord-herald/events"
)

func rateLimitError(retryAfter time.Duration) error {
	return &discordgo.RateLimitError{RateLimit: &discordgo.RateLimit{
		TooManyRequests: &discordgo.TooManyRequests{RetryAfter: retryAfter},
	}}
}

func newInitializedText(t *testing.T, session *fakeSession, channels []string, mode Mode, removeAfter RemoveAfter) *TextMessage {
	t.Helper()
	ctrl := newTestController(t)
	parent := &fakeGuildParent{session: session, guildID: "guild-1"}
	m := NewTextMessage(farFuture, farFuture, TextData{Content: "hello"}, channels, mode, farFuture, removeAfter)
	if err := m.Initialize(parent, ctrl, testLogger()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func TestSendDeliversToAllChannels(t *testing.T) {
	session := newFakeSession(textChannel("1"), textChannel("2"), textChannel("3"))
	m := newInitializedText(t, session, []string{"1", "2", "3"}, ModeSend, RemoveNever())

	report, err := m.Send(context.Background())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(report.Channels.Successful) != 3 || len(report.Channels.Failed) != 0 {
		t.Fatalf("report = %d ok / %d failed, want 3/0",
			len(report.Channels.Successful), len(report.Channels.Failed))
	}
	for _, id := range []string{"1", "2", "3"} {
		if session.sentTo(id) != 1 {
			t.Fatalf("channel %s received %d sends, want 1", id, session.sentTo(id))
		}
	}
}

func TestSendFailureDoesNotStopFanOut(t *testing.T) {
	session := newFakeSession(textChannel("1"), textChannel("2"), textChannel("3"))
	session.sendErrs["2"] = restError(http.StatusInternalServerError)
	m := newInitializedText(t, session, []string{"1", "2", "3"}, ModeSend, RemoveNever())

	report, err := m.Send(context.Background())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(report.Channels.Successful) != 2 {
		t.Fatalf("successful = %d, want 2", len(report.Channels.Successful))
	}
	if len(report.Channels.Failed) != 1 || report.Channels.Failed[0].ID != "2" {
		t.Fatalf("failed = %+v, want exactly channel 2", report.Channels.Failed)
	}
	// A transient failure must not prune the destination.
	if len(m.channelIDs) != 3 {
		t.Fatalf("channels = %v, want all three kept", m.channelIDs)
	}
}

func TestSendPrunesForbiddenChannel(t *testing.T) {
	session := newFakeSession(textChannel("1"), textChannel("2"))
	session.sendErrs["2"] = restError(http.StatusForbidden)
	m := newInitializedText(t, session, []string{"1", "2"}, ModeSend, RemoveNever())

	report, err := m.Send(context.Background())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(report.Channels.Failed) != 1 || report.Channels.Failed[0].Reason != "forbidden" {
		t.Fatalf("failed = %+v, want one forbidden entry", report.Channels.Failed)
	}
	if len(m.channelIDs) != 1 || m.channelIDs[0] != "1" {
		t.Fatalf("channels = %v, want forbidden channel pruned", m.channelIDs)
	}
}

func TestSendRecordsVanishedChannel(t *testing.T) {
	session := newFakeSession(textChannel("1")) // channel 2 no longer exists
	m := newInitializedText(t, session, []string{"1", "2"}, ModeSend, RemoveNever())

	report, err := m.Send(context.Background())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(report.Channels.Successful) != 1 {
		t.Fatalf("successful = %+v, want channel 1 only", report.Channels.Successful)
	}
	if len(report.Channels.Failed) != 1 || report.Channels.Failed[0].Reason != "not_found" {
		t.Fatalf("failed = %+v, want one not_found entry", report.Channels.Failed)
	}
	if len(m.channelIDs) != 1 {
		t.Fatalf("channels = %v, want vanished channel pruned", m.channelIDs)
	}
}

func TestSendListingFailureKeepsChannels(t *testing.T) {
	session := newFakeSession(textChannel("1"), textChannel("2"))
	session.channelsErr = restError(http.StatusInternalServerError)
	m := newInitializedText(t, session, []string{"1", "2"}, ModeSend, RemoveNever())

	report, err := m.Send(context.Background())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(report.Channels.Failed) != 2 {
		t.Fatalf("failed = %+v, want every channel recorded", report.Channels.Failed)
	}
	// The listing may recover; nothing is pruned.
	if len(m.channelIDs) != 2 {
		t.Fatalf("channels = %v, want both kept", m.channelIDs)
	}
}

func TestRateLimitStretchesPeriodToRetryAfter(t *testing.T) {
	session := newFakeSession(textChannel("1"))
	session.sendErrs["1"] = rateLimitError(5 * time.Hour)
	m := newInitializedText(t, session, []string{"1"}, ModeSend, RemoveNever())

	if _, err := m.Send(context.Background()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	// The next attempt must clear the 5h penalty the response asked for.
	if m.startPeriod != 5*time.Hour {
		t.Fatalf("startPeriod = %s, want stretched to the penalty", m.startPeriod)
	}
}

func TestRateLimitShorterThanPeriodKeepsWindow(t *testing.T) {
	session := newFakeSession(textChannel("1"))
	session.sendErrs["1"] = rateLimitError(time.Minute)
	m := newInitializedText(t, session, []string{"1"}, ModeSend, RemoveNever())

	if _, err := m.Send(context.Background()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m.startPeriod != farFuture {
		t.Fatalf("startPeriod = %s, want the period already clearing the penalty kept", m.startPeriod)
	}
}

func TestRateLimitWithoutPenaltyDoublesWindow(t *testing.T) {
	session := newFakeSession(textChannel("1"))
	session.sendErrs["1"] = restError(http.StatusTooManyRequests)
	m := newInitializedText(t, session, []string{"1"}, ModeSend, RemoveNever())

	if _, err := m.Send(context.Background()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m.startPeriod != 2*farFuture {
		t.Fatalf("startPeriod = %s, want the window-sum fallback", m.startPeriod)
	}
}

func TestEditModeReusesPreviousMessage(t *testing.T) {
	session := newFakeSession(textChannel("1"))
	m := newInitializedText(t, session, []string{"1"}, ModeEdit, RemoveNever())

	if _, err := m.Send(context.Background()); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if _, err := m.Send(context.Background()); err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if session.sentTo("1") != 1 {
		t.Fatalf("fresh sends = %d, want 1", session.sentTo("1"))
	}
	if len(session.edits) != 1 {
		t.Fatalf("edits = %d, want 1", len(session.edits))
	}
}

func TestClearSendDeletesPreviousMessage(t *testing.T) {
	session := newFakeSession(textChannel("1"))
	m := newInitializedText(t, session, []string{"1"}, ModeClearSend, RemoveNever())

	if _, err := m.Send(context.Background()); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if _, err := m.Send(context.Background()); err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if session.sentTo("1") != 2 {
		t.Fatalf("fresh sends = %d, want 2", session.sentTo("1"))
	}
	if len(session.deleted) != 1 || session.deleted[0][0] != "1" {
		t.Fatalf("deleted = %v, want the previous send removed", session.deleted)
	}
}

func TestRemoveAfterCountSignalsRemoval(t *testing.T) {
	session := newFakeSession(textChannel("1"))
	ctrl := newTestController(t)
	parent := &fakeGuildParent{session: session, guildID: "guild-1"}
	m := NewTextMessage(farFuture, farFuture, TextData{Content: "x"}, []string{"1"}, ModeSend, farFuture, RemoveAfterCount(1))
	if err := m.Initialize(parent, ctrl, testLogger()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(m.Close)

	removed := make(chan struct{})
	ctrl.AddListener(events.MessageRemoved, func(context.Context, any) error {
		close(removed)
		return nil
	}, func(payload any) bool { return payload == Message(m) })

	if _, err := m.Send(context.Background()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case <-removed:
	case <-time.After(2 * time.Second):
		t.Fatal("removal was not signalled after the final cycle")
	}
}

func TestUpdateAppliesNewConfiguration(t *testing.T) {
	session := newFakeSession(textChannel("1"), textChannel("2"))
	m := newInitializedText(t, session, []string{"1"}, ModeSend, RemoveNever())

	if err := m.Update(&TextOptions{Channels: []string{"2"}, Data: TextData{Content: "changed"}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	report, err := m.Send(context.Background())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(report.Channels.Successful) != 1 || report.Channels.Successful[0].ID != "2" {
		t.Fatalf("report = %+v, want delivery to channel 2", report.Channels)
	}
	if session.sentTo("2") != 1 || session.sent[0].Content != "changed" {
		t.Fatalf("sent = %+v, want new content on channel 2", session.sent)
	}
}

func TestUpdateKeepsIdentity(t *testing.T) {
	session := newFakeSession(textChannel("1"))
	m := newInitializedText(t, session, []string{"1"}, ModeSend, RemoveNever())
	before := m.TrackingID()
	if err := m.Update(&TextOptions{Data: TextData{Content: "other"}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if m.TrackingID() != before {
		t.Fatal("update changed the tracking identity")
	}
}

func TestUpdateRollsBackOnFailure(t *testing.T) {
	session := newFakeSession(textChannel("1"))
	m := newInitializedText(t, session, []string{"1"}, ModeSend, RemoveNever())

	err := m.Update(&TextOptions{Channels: []string{}})
	if err == nil {
		t.Fatal("expected update with no channels to fail")
	}
	if !strings.Contains(err.Error(), "previous configuration restored") {
		t.Fatalf("error %q does not report the rollback", err)
	}

	// The previous configuration must still be live.
	report, err := m.Send(context.Background())
	if err != nil {
		t.Fatalf("Send after rollback: %v", err)
	}
	if len(report.Channels.Successful) != 1 || report.Channels.Successful[0].ID != "1" {
		t.Fatalf("report = %+v, want original channel restored", report.Channels)
	}
}
