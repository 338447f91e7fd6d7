// Package cdpcontrol binds tabvolume to a Chromium instance over the
// DevTools protocol: tab inventory, activation, capture tokens, per-page
// Web Audio graphs and the offscreen engine page.
package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/tabvolume/internal/apperr"
	"github.com/dgnsrekt/tabvolume/internal/types"
)

// transientHints are substrings in error causes that indicate a transient
// failure worth retrying (e.g. broken connection, closed session).
var transientHints = []string{
	"context canceled",
	"target closed",
	"session closed",
	"no session with given id",
	"websocket",
	"connection reset",
	"broken pipe",
	"eof",
	"connection refused",
	"connection closed",
}

type tabSession struct {
	info      *target.Info
	mu        sync.Mutex
	sessionID string // CDP session ID from Target.attachToTarget
}

// Client is the CDP-backed browser host. Tabs are page targets; each gets
// a stable integer id for as long as its target lives.
type Client struct {
	cdpURL       string
	evalTimeout  time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	cdp     *rawCDP
	tabs    map[target.ID]*tabSession
	ids     *tabIDs
	unwatch func()

	targetLocksMu sync.Mutex
	targetLocks   map[target.ID]*sync.Mutex

	tokensMu sync.Mutex
	tokens   map[string]streamGrant

	events chan types.TabEvent
}

// NewClient returns a client for the browser at cdpURL. Connect must be
// called before use.
func NewClient(cdpURL string, evalTimeout, pollInterval time.Duration) *Client {
	return &Client{
		cdpURL:       cdpURL,
		evalTimeout:  evalTimeout,
		pollInterval: pollInterval,
		tabs:         make(map[target.ID]*tabSession),
		ids:          newTabIDs(),
		targetLocks:  make(map[target.ID]*sync.Mutex),
		tokens:       make(map[string]streamGrant),
		events:       make(chan types.TabEvent, eventBufSize),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.cdpURL == "" {
		return apperr.New(apperr.CodeCDPUnavailable, "missing CDP URL", nil)
	}

	slog.Info("cdpcontrol connect start", "cdp_url", c.cdpURL)
	c.cleanupLocked()

	c.cdp = newRawCDP(c.cdpURL)
	if err := c.cdp.connect(ctx); err != nil {
		c.cdp = nil
		return apperr.New(apperr.CodeCDPUnavailable, "connect to CDP failed", err)
	}
	c.unwatch = c.cdp.registerEventHandler("Target.detachedFromTarget", c.onDetached)

	if err := c.syncTabsLocked(ctx); err != nil {
		slog.Error("cdpcontrol initial tab sync failed", "error", err)
		c.cleanupLocked()
		return apperr.New(apperr.CodeCDPUnavailable, "connect to CDP failed", err)
	}

	slog.Info("cdpcontrol connect ok", "cdp_url", c.cdpURL, "tabs", len(c.tabs))
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()
	return nil
}

func (c *Client) cleanupLocked() {
	// Detach from any active sessions without closing targets.
	if c.cdp != nil {
		if c.unwatch != nil {
			c.unwatch()
			c.unwatch = nil
		}
		for targetID, session := range c.tabs {
			if session == nil {
				continue
			}
			session.mu.Lock()
			if session.sessionID != "" {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				if err := c.cdp.detachFromTarget(ctx, session.sessionID); err != nil {
					slog.Debug("cdpcontrol detach cleanup failed", "target_id", targetID, "error", err)
				}
				cancel()
				session.sessionID = ""
			}
			session.mu.Unlock()
		}
		c.cdp.close()
		c.cdp = nil
	}
	c.tabs = make(map[target.ID]*tabSession)
}

// onDetached forgets a session the browser dropped (tab closed, renderer
// crashed) so the next evaluation attaches afresh.
func (c *Client) onDetached(_ string, params json.RawMessage) {
	var ev struct {
		SessionID string `json:"sessionId"`
		TargetID  string `json:"targetId"`
	}
	if json.Unmarshal(params, &ev) != nil || ev.SessionID == "" {
		return
	}
	c.mu.Lock()
	session := c.tabs[target.ID(ev.TargetID)]
	c.mu.Unlock()
	if session == nil {
		return
	}
	session.mu.Lock()
	if session.sessionID == ev.SessionID {
		session.sessionID = ""
	}
	session.mu.Unlock()
	slog.Debug("cdpcontrol session detached", "target_id", ev.TargetID, "session_id", ev.SessionID)
}

// evalOnTab evaluates js on the tab's page, retrying once after a
// transient failure, and decodes the result envelope into out.
func (c *Client) evalOnTab(ctx context.Context, tabID int, js string, out any) error {
	targetID, ok := c.ids.target(tabID)
	if !ok {
		return apperr.Errorf(apperr.CodeTabNotFound, "tab %d not found", tabID)
	}
	return c.evalOnTarget(ctx, targetID, js, out)
}

func (c *Client) evalOnTarget(ctx context.Context, targetID target.ID, js string, out any) error {
	lock := c.targetLock(targetID)
	lock.Lock()
	defer lock.Unlock()

	session, err := c.resolveSession(ctx, targetID)
	if err == nil {
		err = c.evalOnSession(ctx, session, targetID, js, out)
	}
	if err == nil {
		return nil
	}
	if !c.shouldRetry(err) {
		return err
	}

	slog.Warn("cdpcontrol eval retry after transient failure", "target_id", targetID, "error", err)
	if apperr.Is(err, apperr.CodeCDPUnavailable) {
		if recErr := c.reconnect(ctx); recErr != nil {
			slog.Error("cdpcontrol reconnect failed during retry", "target_id", targetID, "error", recErr)
			return recErr
		}
	} else if syncErr := c.refreshTabs(ctx); syncErr != nil {
		slog.Warn("cdpcontrol tab refresh failed during retry", "target_id", targetID, "error", syncErr)
	}

	session, err = c.resolveSession(ctx, targetID)
	if err != nil {
		return err
	}
	return c.evalOnSession(ctx, session, targetID, js, out)
}

func (c *Client) evalOnSession(ctx context.Context, session *tabSession, targetID target.ID, js string, out any) error {
	c.mu.Lock()
	cdp := c.cdp
	c.mu.Unlock()
	if cdp == nil {
		return apperr.New(apperr.CodeCDPUnavailable, "CDP client not connected", nil)
	}

	sessionID, err := c.ensureSession(ctx, cdp, session, targetID)
	if err != nil {
		return err
	}

	evalCtx, evalCancel := context.WithTimeout(ctx, c.evalTimeout)
	defer evalCancel()

	raw, err := cdp.evaluate(evalCtx, sessionID, js)
	if err != nil {
		slog.Warn("cdpcontrol eval failed", "target_id", targetID, "error", err)
		// Reset session so a fresh attach happens on retry.
		session.mu.Lock()
		session.sessionID = ""
		session.mu.Unlock()

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(evalCtx.Err(), context.DeadlineExceeded) {
			return apperr.New(apperr.CodeEvalTimeout, "evaluation timed out", err)
		}
		return apperr.New(apperr.CodeEvalFailure, "evaluation failed", err)
	}
	return decodeEnvelope(raw, out)
}

// ensureSession returns a CDP session ID for the target, attaching if needed.
func (c *Client) ensureSession(ctx context.Context, cdp *rawCDP, session *tabSession, targetID target.ID) (string, error) {
	session.mu.Lock()
	defer session.mu.Unlock()

	if session.sessionID != "" {
		return session.sessionID, nil
	}

	sid, err := cdp.attachToTarget(ctx, string(targetID))
	if err != nil {
		return "", apperr.New(apperr.CodeCDPUnavailable, "attach to target failed", err)
	}
	session.sessionID = sid
	slog.Debug("cdpcontrol session attached", "target_id", targetID, "session_id", sid)
	return sid, nil
}

func (c *Client) resolveSession(ctx context.Context, targetID target.ID) (*tabSession, error) {
	if session := c.lookupSession(targetID); session != nil {
		return session, nil
	}
	if err := c.refreshTabs(ctx); err != nil {
		return nil, err
	}
	if session := c.lookupSession(targetID); session != nil {
		return session, nil
	}
	return nil, apperr.New(apperr.CodeTargetGone, "target gone: "+string(targetID), nil)
}

func (c *Client) lookupSession(targetID target.ID) *tabSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tabs[targetID]
}

func (c *Client) refreshTabs(ctx context.Context) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	err := c.syncTabsLocked(ctx)
	c.mu.Unlock()
	if err == nil {
		return nil
	}
	if apperr.Is(err, apperr.CodeCDPUnavailable) {
		return err
	}
	return apperr.New(apperr.CodeCDPUnavailable, "failed to list targets", err)
}

func (c *Client) reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

// syncTabsLocked replaces the session table with the browser's current page
// targets. Sessions of surviving targets are kept.
func (c *Client) syncTabsLocked(ctx context.Context) error {
	if c.cdp == nil {
		return apperr.New(apperr.CodeCDPUnavailable, "CDP client not connected", nil)
	}

	targets, err := c.cdp.listTargets(ctx)
	if err != nil {
		return apperr.New(apperr.CodeCDPUnavailable, "failed to list targets", err)
	}

	expected := make(map[target.ID]*target.Info)
	for _, t := range targets {
		if !isTabTarget(t) {
			continue
		}
		expected[t.TargetID] = t
	}

	for targetID := range c.tabs {
		if _, ok := expected[targetID]; ok {
			continue
		}
		delete(c.tabs, targetID)
	}
	c.ids.retain(expected)

	ordered := make([]*target.Info, 0, len(expected))
	for _, info := range expected {
		ordered = append(ordered, info)
	}
	// Deterministic id assignment for targets first seen together.
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].TargetID < ordered[j].TargetID })
	for _, info := range ordered {
		c.ids.assign(info.TargetID)
		if session := c.tabs[info.TargetID]; session != nil {
			session.info = info
			continue
		}
		c.tabs[info.TargetID] = &tabSession{info: info}
	}

	c.targetLocksMu.Lock()
	for id := range c.targetLocks {
		if _, ok := c.tabs[id]; !ok {
			delete(c.targetLocks, id)
		}
	}
	c.targetLocksMu.Unlock()

	slog.Debug("cdpcontrol tab sync", "targets", len(targets), "tabs", len(c.tabs))
	return nil
}

// isTabTarget reports whether a target is a user tab. The offscreen engine
// page and devtools windows are not.
func isTabTarget(t *target.Info) bool {
	if t.Type != "page" {
		return false
	}
	if t.URL == OffscreenURL || strings.HasPrefix(t.URL, "devtools://") {
		return false
	}
	return true
}

func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	connected := c.cdp != nil
	c.mu.Unlock()
	if connected {
		return nil
	}
	return c.reconnect(ctx)
}

func (c *Client) targetLock(targetID target.ID) *sync.Mutex {
	c.targetLocksMu.Lock()
	defer c.targetLocksMu.Unlock()
	m, ok := c.targetLocks[targetID]
	if !ok {
		m = &sync.Mutex{}
		c.targetLocks[targetID] = m
	}
	return m
}

func (c *Client) shouldRetry(err error) bool {
	var coded *apperr.CodedError
	if !errors.As(err, &coded) {
		return false
	}

	switch coded.Code {
	case apperr.CodeCDPUnavailable:
		return true
	case apperr.CodeEvalFailure:
		if coded.Cause == nil {
			return false
		}
		cause := strings.ToLower(coded.Cause.Error())
		for _, hint := range transientHints {
			if strings.Contains(cause, hint) {
				return true
			}
		}
	}
	return false
}

// tabIDs maps CDP target ids to integer tab ids. Ids are never reused
// within a process.
type tabIDs struct {
	mu       sync.Mutex
	next     int
	byTarget map[target.ID]int
	byID     map[int]target.ID
}

func newTabIDs() *tabIDs {
	return &tabIDs{
		next:     1,
		byTarget: make(map[target.ID]int),
		byID:     make(map[int]target.ID),
	}
}

func (m *tabIDs) assign(targetID target.ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byTarget[targetID]; ok {
		return id
	}
	id := m.next
	m.next++
	m.byTarget[targetID] = id
	m.byID[id] = targetID
	return id
}

func (m *tabIDs) id(targetID target.ID) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byTarget[targetID]
	return id, ok
}

func (m *tabIDs) target(tabID int) (target.ID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[tabID]
	return t, ok
}

// retain drops the ids of targets missing from live.
func (m *tabIDs) retain(live map[target.ID]*target.Info) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for targetID, id := range m.byTarget {
		if _, ok := live[targetID]; !ok {
			delete(m.byID, id)
			delete(m.byTarget, targetID)
		}
	}
}
