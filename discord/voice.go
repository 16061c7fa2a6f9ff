package discord

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bwmarrin/discordgo"
)

// VoiceConn is the minimal voice-channel surface the scheduler uses.
type VoiceConn interface {
	Speaking(b bool) error
	Send(frame []byte)
	Disconnect() error
}

type voiceConn struct {
	vc *discordgo.VoiceConnection
}

func (v *voiceConn) Speaking(b bool) error { return v.vc.Speaking(b) }
func (v *voiceConn) Send(frame []byte)     { v.vc.OpusSend <- frame }
func (v *voiceConn) Disconnect() error     { return v.vc.Disconnect() }

// AudioSource produces the opus frames of one playback. NextFrame returns
// io.EOF when the stream is finished. Sources are expected to be restartable:
// Open is called once per playback.
type AudioSource interface {
	Open() error
	NextFrame() ([]byte, error)
	Close() error
	Description() string
}

// DCAFileSource reads pre-encoded opus frames from a DCA file: each frame is
// an int16 little-endian length followed by that many bytes of opus data.
type DCAFileSource struct {
	path string
	file *os.File
}

// NewDCAFileSource creates a source for the DCA file at path. The file is
// opened per playback, not here.
func NewDCAFileSource(path string) *DCAFileSource {
	return &DCAFileSource{path: path}
}

func (s *DCAFileSource) Open() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	s.file = f
	return nil
}

func (s *DCAFileSource) NextFrame() ([]byte, error) {
	var length int16
	if err := binary.Read(s.file, binary.LittleEndian, &length); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	frame := make([]byte, length)
	if _, err := io.ReadFull(s.file, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (s *DCAFileSource) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *DCAFileSource) Description() string { return filepath.Base(s.path) }

const frameInterval = 20 * time.Millisecond

// PlayAudio joins the channel, streams the source to completion and
// disconnects. Cancellation of ctx stops playback between frames.
func PlayAudio(ctx context.Context, s Session, guildID, channelID string, src AudioSource) error {
	if err := src.Open(); err != nil {
		return fmt.Errorf("failed to open audio source: %w", err)
	}
	defer src.Close()

	vc, err := s.JoinVoice(guildID, channelID)
	if err != nil {
		return fmt.Errorf("failed to join voice channel %s: %w", channelID, err)
	}
	defer vc.Disconnect()

	if err := vc.Speaking(true); err != nil {
		return fmt.Errorf("failed to start speaking: %w", err)
	}
	defer vc.Speaking(false)

	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()
	for {
		frame, err := src.NextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("audio source failed: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			vc.Send(frame)
		}
	}
}
