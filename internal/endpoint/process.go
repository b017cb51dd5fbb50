// Package endpoint runs the local playback endpoint: a librespot-compatible
// binary started as a child process. Its log output is parsed into events.
package endpoint

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"toptrack/internal/errs"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// EventKind identifies what the endpoint reported
type EventKind string

const (
	EventReady         EventKind = "ready"
	EventNotReady      EventKind = "not_ready"
	EventInitError     EventKind = "initialization_error"
	EventAuthError     EventKind = "authentication_error"
	EventAccountError  EventKind = "account_error"
	EventPlaybackError EventKind = "playback_error"
	EventTrackLoaded   EventKind = "track_loaded"
	EventPlaying       EventKind = "playing"
	EventPaused        EventKind = "paused"
)

// Event is one parsed endpoint notification
type Event struct {
	Kind     EventKind `json:"kind"`
	DeviceID string    `json:"deviceId,omitempty"`
	TrackID  string    `json:"trackId,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// ConnectOptions configures the device the endpoint exposes
type ConnectOptions struct {
	Name   string
	Tokens oauth2.TokenSource
	Volume int
}

const (
	// accessTokenEnv carries the credential so it never shows up in argv
	accessTokenEnv = "LIBRESPOT_ACCESS_TOKEN"
	maxLineBytes   = 1 << 20
)

// ErrNotLoaded is returned by Connect before Load succeeded
var ErrNotLoaded = errors.New("playback endpoint not loaded")

var (
	readyPattern    = regexp.MustCompile(`Authenticated as "([^"]+)"`)
	notReadyPattern = regexp.MustCompile(`(?i)(connection to server closed|session (is )?shut ?down|invalid connection|connection reset)`)
	authPattern     = regexp.MustCompile(`(?i)(bad credentials|authentication failed|invalid access token)`)
	accountPattern  = regexp.MustCompile(`(?i)(premium (account )?required|not a premium)`)
	loadingPattern  = regexp.MustCompile(`Loading <(.*)> with Spotify URI <spotify:track:([A-Za-z0-9]+)>`)
	playingPattern  = regexp.MustCompile(`<(.*)> \((\d+) ms\) loaded`)
	unavailable     = regexp.MustCompile(`(?i)(unable to load|is not available|track should be available, but no alternatives found)`)
	pausedPattern   = regexp.MustCompile(`(?i)(player: pause|\bpaused\b)`)
	resumedPattern  = regexp.MustCompile(`(?i)(player: (play|resume)|\bresumed\b)`)
)

// DeviceID is the id the provider assigns to a device named name
func DeviceID(name string) string {
	sum := sha1.Sum([]byte(name))
	return hex.EncodeToString(sum[:])
}

// ParseLine turns one log line into an event
func ParseLine(line, deviceID string) (Event, bool) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return Event{}, false
	case readyPattern.MatchString(line):
		return Event{Kind: EventReady, DeviceID: deviceID}, true
	case authPattern.MatchString(line):
		return Event{Kind: EventAuthError, DeviceID: deviceID, Message: line}, true
	case accountPattern.MatchString(line):
		return Event{Kind: EventAccountError, DeviceID: deviceID, Message: line}, true
	case notReadyPattern.MatchString(line):
		return Event{Kind: EventNotReady, DeviceID: deviceID, Message: line}, true
	case unavailable.MatchString(line):
		return Event{Kind: EventPlaybackError, DeviceID: deviceID, Message: line}, true
	}

	if m := loadingPattern.FindStringSubmatch(line); m != nil {
		return Event{Kind: EventTrackLoaded, DeviceID: deviceID, TrackID: m[2], Message: m[1]}, true
	}
	if m := playingPattern.FindStringSubmatch(line); m != nil {
		return Event{Kind: EventPlaying, DeviceID: deviceID, Message: m[1]}, true
	}
	if pausedPattern.MatchString(line) {
		return Event{Kind: EventPaused, DeviceID: deviceID}, true
	}
	if resumedPattern.MatchString(line) {
		return Event{Kind: EventPlaying, DeviceID: deviceID}, true
	}
	return Event{}, false
}

// Process is an endpoint backed by a child process
type Process struct {
	candidates []string
	extraArgs  []string
	logger     *logrus.Entry

	mu       sync.Mutex
	binary   string
	loaded   chan struct{}
	isLoaded bool
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	exited   chan struct{}
	deviceID string
	events   chan Event
}

// NewProcess creates an endpoint that looks for binary (or the default
// librespot locations when empty). extraArgs are appended to every launch.
func NewProcess(binary string, extraArgs []string, logger *logrus.Entry) *Process {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	candidates := []string{"librespot", "./librespot", "/usr/local/bin/librespot"}
	if binary != "" {
		candidates = []string{binary}
	}
	return &Process{
		candidates: candidates,
		extraArgs:  extraArgs,
		logger:     logger.WithField("component", "endpoint"),
		loaded:     make(chan struct{}),
		events:     make(chan Event, 32),
	}
}

// Load locates the binary and checks it starts
func (p *Process) Load(ctx context.Context) error {
	p.mu.Lock()
	if p.isLoaded {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	var path string
	for _, candidate := range p.candidates {
		if found, err := exec.LookPath(candidate); err == nil {
			path = found
			break
		}
	}
	if path == "" {
		return errs.Init("load endpoint", fmt.Errorf("none of %s found in PATH", strings.Join(p.candidates, ", ")))
	}

	out, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
	if err != nil {
		return errs.Init("load endpoint", fmt.Errorf("%s --version: %w", path, err))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isLoaded {
		p.binary = path
		p.isLoaded = true
		close(p.loaded)
	}
	p.logger.WithFields(logrus.Fields{
		"binary":  path,
		"version": strings.TrimSpace(string(out)),
	}).Info("Playback endpoint loaded")
	return nil
}

// IsLoaded reports whether Load succeeded
func (p *Process) IsLoaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isLoaded
}

// Loaded is closed once Load succeeds
func (p *Process) Loaded() <-chan struct{} {
	return p.loaded
}

// Events delivers parsed endpoint notifications
func (p *Process) Events() <-chan Event {
	return p.events
}

// Connect launches the endpoint process exposing a device called opts.Name.
// Readiness is reported later through Events.
func (p *Process) Connect(ctx context.Context, opts ConnectOptions) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isLoaded {
		return "", errs.Init("connect endpoint", ErrNotLoaded)
	}
	if p.cmd != nil {
		p.stopLocked()
	}

	args := []string{"--name", opts.Name, "--device-type", "computer", "--disable-audio-cache"}
	if opts.Volume > 0 {
		args = append(args, "--initial-volume", strconv.Itoa(opts.Volume))
	}
	args = append(args, p.extraArgs...)
	env := os.Environ()
	if opts.Tokens != nil {
		tok, err := opts.Tokens.Token()
		if err != nil {
			return "", fmt.Errorf("failed to get access token: %w", err)
		}
		env = append(env, accessTokenEnv+"="+tok.AccessToken)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, p.binary, args...)
	cmd.Env = env
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		cancel()
		return "", errs.Init("connect endpoint", fmt.Errorf("could not start %s: %w", p.binary, err))
	}

	deviceID := DeviceID(opts.Name)
	exited := make(chan struct{})
	p.cmd = cmd
	p.cancel = cancel
	p.exited = exited
	p.deviceID = deviceID

	go p.scan(pr, deviceID)
	go func() {
		err := cmd.Wait()
		pw.Close()
		close(exited)
		if procCtx.Err() != nil {
			return
		}
		p.logger.WithError(err).Warn("Playback endpoint exited")
		p.emit(Event{Kind: EventNotReady, DeviceID: deviceID, Message: "endpoint process exited"})
	}()

	p.logger.WithFields(logrus.Fields{
		"device_id": deviceID,
		"name":      opts.Name,
		"pid":       cmd.Process.Pid,
	}).Info("Playback endpoint started")
	return deviceID, nil
}

// Disconnect stops the endpoint process
func (p *Process) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	return nil
}

func (p *Process) stopLocked() {
	if p.cmd == nil {
		return
	}
	p.cancel()
	<-p.exited
	p.logger.WithField("device_id", p.deviceID).Info("Playback endpoint stopped")
	p.cmd = nil
	p.cancel = nil
	p.exited = nil
}

func (p *Process) scan(r io.Reader, deviceID string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		p.logger.WithField("device_id", deviceID).Debug(line)
		if ev, ok := ParseLine(line, deviceID); ok {
			p.emit(ev)
		}
	}
	if err := scanner.Err(); err != nil {
		// the child blocks on a full pipe unless someone keeps reading
		p.logger.WithError(err).Warn("Endpoint output no longer parsed")
		io.Copy(io.Discard, r)
	}
}

func (p *Process) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		p.logger.WithField("event", ev.Kind).Warn("Dropping endpoint event, consumer is behind")
	}
}
