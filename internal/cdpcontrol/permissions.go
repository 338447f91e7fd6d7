package cdpcontrol

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgnsrekt/tabvolume/internal/apperr"
	"github.com/dgnsrekt/tabvolume/internal/audio"
)

// streamTTL bounds how long an unused capture token stays redeemable.
const streamTTL = time.Minute

type streamGrant struct {
	tabID  int
	issued time.Time
}

// IssueStreamID grants a single-use capture token for the tab.
func (c *Client) IssueStreamID(ctx context.Context, tabID int) (string, error) {
	if _, ok := c.ids.target(tabID); !ok {
		if err := c.refreshTabs(ctx); err != nil {
			return "", err
		}
		if _, ok := c.ids.target(tabID); !ok {
			return "", apperr.Errorf(apperr.CodeTabNotFound, "tab %d not found", tabID)
		}
	}

	token := uuid.NewString()
	now := time.Now()
	c.tokensMu.Lock()
	defer c.tokensMu.Unlock()
	for id, g := range c.tokens {
		if now.Sub(g.issued) > streamTTL {
			delete(c.tokens, id)
		}
	}
	c.tokens[token] = streamGrant{tabID: tabID, issued: now}
	return token, nil
}

// GetTabStream redeems a capture token. The stream stands for the tab's
// master bus; its single audio track is the page's mixed output.
func (c *Client) GetTabStream(_ context.Context, streamID string) (audio.Stream, error) {
	c.tokensMu.Lock()
	grant, ok := c.tokens[streamID]
	delete(c.tokens, streamID)
	c.tokensMu.Unlock()
	if !ok || time.Since(grant.issued) > streamTTL {
		return nil, apperr.Errorf(apperr.CodeCaptureFailed, "unknown or spent stream id %q", streamID)
	}
	if _, ok := c.ids.target(grant.tabID); !ok {
		return nil, apperr.Errorf(apperr.CodeTargetGone, "tab %d closed before capture", grant.tabID)
	}
	return &tabStream{
		id:     streamID,
		page:   &pageRuntime{client: c, tabID: grant.tabID},
		tracks: []audio.Track{&tabTrack{}},
	}, nil
}

type tabStream struct {
	id   string
	page *pageRuntime

	mu     sync.Mutex
	tracks []audio.Track
}

func (s *tabStream) ID() string { return s.id }

func (s *tabStream) AudioTracks() []audio.Track { return s.byKind("audio") }

func (s *tabStream) VideoTracks() []audio.Track { return s.byKind("video") }

func (s *tabStream) byKind(kind string) []audio.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audio.Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

func (s *tabStream) RemoveTrack(t audio.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.tracks {
		if cur == t {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return
		}
	}
}

type tabTrack struct {
	mu      sync.Mutex
	stopped bool
}

func (t *tabTrack) Kind() string { return "audio" }

func (t *tabTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}
