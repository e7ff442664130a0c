// Package update checks a release feed for newer builds and stages them for
// install on restart, pushing state transitions to the UI.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pheuter/claude-agent-desktop/internal/clock"
	"github.com/pheuter/claude-agent-desktop/internal/version"
	"github.com/pheuter/claude-agent-desktop/shared/logger"
	"github.com/pheuter/claude-agent-desktop/shared/wire"
)

const defaultCheckInterval = 4 * time.Hour

// Emitter pushes update-status events to the connected UI.
type Emitter interface {
	EmitUpdateStatus(event wire.UpdateStatusEvent)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(event wire.UpdateStatusEvent)

// EmitUpdateStatus implements Emitter.
func (f EmitterFunc) EmitUpdateStatus(event wire.UpdateStatusEvent) { f(event) }

// feedManifest is the release feed document.
type feedManifest struct {
	Version string `json:"version"`
	URL     string `json:"url"`
}

// Config wires a Controller.
type Config struct {
	// FeedURL is the release feed endpoint; empty disables checking.
	FeedURL string
	// StageDir is where downloaded builds are staged.
	StageDir string
	// CurrentVersion overrides the build version (tests).
	CurrentVersion string
	Emitter        Emitter
	Clock          clock.Clock
	HTTPClient     *http.Client
	CheckInterval  time.Duration
}

// Controller is the auto-update state machine.
//
// Transitions: idle -> checking -> (idle | available | error);
// available -> downloading -> (ready | error). Every transition is pushed.
type Controller struct {
	cfg Config

	mu      sync.Mutex
	state   wire.UpdateState
	version string
	lastErr string
}

// NewController creates an idle update controller.
func NewController(cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.CurrentVersion == "" {
		cfg.CurrentVersion = version.Version()
	}
	return &Controller{cfg: cfg, state: wire.UpdateIdle}
}

// Status returns the current state as a pushable event.
func (c *Controller) Status() wire.UpdateStatusEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wire.UpdateStatusEvent{State: c.state, Version: c.version, Error: c.lastErr}
}

// Run polls the feed until ctx is done. The first check happens immediately.
func (c *Controller) Run(ctx context.Context) {
	if c.cfg.FeedURL == "" {
		logger.Infof("no update feed configured, auto-update disabled")
		return
	}
	for {
		if _, err := c.Check(ctx); err != nil {
			logger.Warnf("update check failed: %v", err)
		}
		timer := c.cfg.Clock.NewTimer(c.cfg.CheckInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
	}
}

// Check polls the feed once. When a newer version is found it is downloaded
// and staged in the same call.
func (c *Controller) Check(ctx context.Context) (wire.UpdateStatusEvent, error) {
	if c.cfg.FeedURL == "" {
		return c.Status(), nil
	}
	if !c.transition(wire.UpdateChecking, "", "") {
		return c.Status(), nil
	}

	manifest, err := c.fetchFeed(ctx)
	if err != nil {
		c.transition(wire.UpdateError, "", err.Error())
		return c.Status(), err
	}

	if !newerThan(manifest.Version, c.cfg.CurrentVersion) {
		logger.Debugf("update check: %s is current", c.cfg.CurrentVersion)
		c.transition(wire.UpdateIdle, "", "")
		return c.Status(), nil
	}

	c.transition(wire.UpdateAvailable, manifest.Version, "")
	c.transition(wire.UpdateDownloading, manifest.Version, "")
	if err := c.download(ctx, manifest); err != nil {
		c.transition(wire.UpdateError, manifest.Version, err.Error())
		return c.Status(), err
	}
	c.transition(wire.UpdateReady, manifest.Version, "")
	return c.Status(), nil
}

// transition moves the state machine and pushes the event. Entering
// checking while a download is in flight is refused.
func (c *Controller) transition(state wire.UpdateState, remoteVersion, errMsg string) bool {
	c.mu.Lock()
	if state == wire.UpdateChecking &&
		(c.state == wire.UpdateChecking || c.state == wire.UpdateDownloading || c.state == wire.UpdateReady) {
		c.mu.Unlock()
		return false
	}
	c.state = state
	c.version = remoteVersion
	c.lastErr = errMsg
	event := wire.UpdateStatusEvent{State: state, Version: remoteVersion, Error: errMsg}
	c.mu.Unlock()

	if c.cfg.Emitter != nil {
		c.cfg.Emitter.EmitUpdateStatus(event)
	}
	return true
}

func (c *Controller) fetchFeed(ctx context.Context) (feedManifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.FeedURL, nil)
	if err != nil {
		return feedManifest{}, err
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return feedManifest{}, fmt.Errorf("fetch update feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return feedManifest{}, fmt.Errorf("update feed returned status %d", resp.StatusCode)
	}

	var manifest feedManifest
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&manifest); err != nil {
		return feedManifest{}, fmt.Errorf("decode update feed: %w", err)
	}
	if manifest.Version == "" || manifest.URL == "" {
		return feedManifest{}, fmt.Errorf("update feed is missing version or url")
	}
	return manifest, nil
}

// download stages the new build under StageDir. The write goes to a temp
// file first so a torn download never looks like a staged build.
func (c *Controller) download(ctx context.Context, manifest feedManifest) error {
	if err := os.MkdirAll(c.cfg.StageDir, 0o755); err != nil {
		return fmt.Errorf("create stage directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifest.URL, nil)
	if err != nil {
		return err
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("download update: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("update download returned status %d", resp.StatusCode)
	}

	final := filepath.Join(c.cfg.StageDir, "update-"+manifest.Version)
	tmp, err := os.CreateTemp(c.cfg.StageDir, "update-*.partial")
	if err != nil {
		return fmt.Errorf("stage update: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("stage update: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("stage update: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return fmt.Errorf("stage update: %w", err)
	}
	logger.Infof("update %s staged at %s", manifest.Version, final)
	return nil
}

// newerThan compares dotted numeric versions; malformed segments compare as
// zero. A remote version equal to local is not newer.
func newerThan(remote, local string) bool {
	rp := strings.Split(strings.TrimPrefix(remote, "v"), ".")
	lp := strings.Split(strings.TrimPrefix(local, "v"), ".")
	for i := 0; i < len(rp) || i < len(lp); i++ {
		r, l := 0, 0
		if i < len(rp) {
			r, _ = strconv.Atoi(rp[i])
		}
		if i < len(lp) {
			l, _ = strconv.Atoi(lp[i])
		}
		if r != l {
			return r > l
		}
	}
	return false
}
