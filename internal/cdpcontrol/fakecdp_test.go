package cdpcontrol

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// fakeBrowser speaks just enough DevTools protocol for the client: the two
// discovery endpoints, a browser websocket, flat sessions and evaluation of
// registry calls answered from scripted state.
type fakeBrowser struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	targets   []fakeTarget
	statuses  map[string]pageStatus
	elements  map[string][]string
	bound     map[string]bool
	nodes     map[string]bool
	docs      map[string]string
	calls     map[string][]fakeCall
	activated []string
	nodeSeq   int
}

type fakeTarget struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

type fakeCall struct {
	Method string
	Args   string
}

var registryCallPattern = regexp.MustCompile(`window\.__tabvolume\["(\w+)"\]\(([^\n]*)\);\nreturn`)

func newFakeBrowser(t *testing.T, targets ...fakeTarget) *fakeBrowser {
	t.Helper()
	f := &fakeBrowser{
		t:        t,
		targets:  targets,
		statuses: make(map[string]pageStatus),
		elements: make(map[string][]string),
		bound:    make(map[string]bool),
		nodes:    make(map[string]bool),
		docs:     make(map[string]string),
		calls:    make(map[string][]fakeCall),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"webSocketDebuggerUrl": "ws://" + r.Host + "/devtools/browser/fake",
		})
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(f.targets)
	})
	mux.HandleFunc("/devtools/browser/fake", f.serveWS)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBrowser) setStatus(targetID string, p pageStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[targetID] = p
}

// loadDocument replaces the target's document: bindings and nodes of the
// previous one are gone and new node ids carry doc as their prefix.
func (f *fakeBrowser) loadDocument(targetID, doc string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[targetID] = doc
	for key := range f.bound {
		if strings.HasPrefix(key, targetID+"/") {
			delete(f.bound, key)
		}
	}
	for key := range f.nodes {
		if strings.HasPrefix(key, targetID+"/") {
			delete(f.nodes, key)
		}
	}
}

func (f *fakeBrowser) newNodeLocked(targetID string) string {
	f.nodeSeq++
	id := fmt.Sprintf("n%d", f.nodeSeq)
	if doc := f.docs[targetID]; doc != "" {
		id = doc + ":" + id
	}
	f.nodes[targetID+"/"+id] = true
	return id
}

func (f *fakeBrowser) knownNodeLocked(targetID, id string) bool {
	return id == "master" || id == "destination" || f.nodes[targetID+"/"+id]
}

func (f *fakeBrowser) setElements(targetID string, ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.elements[targetID] = ids
}

func (f *fakeBrowser) removeTarget(targetID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, t := range f.targets {
		if t.ID == targetID {
			f.targets = append(f.targets[:i], f.targets[i+1:]...)
			return
		}
	}
}

func (f *fakeBrowser) callsFor(targetID string) []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeCall(nil), f.calls[targetID]...)
}

func (f *fakeBrowser) methodsFor(targetID string) []string {
	var out []string
	for _, c := range f.callsFor(targetID) {
		out = append(out, c.Method)
	}
	return out
}

func (f *fakeBrowser) activations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.activated...)
}

func (f *fakeBrowser) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		var req struct {
			ID        int64           `json:"id"`
			Method    string          `json:"method"`
			SessionID string          `json:"sessionId"`
			Params    json.RawMessage `json:"params"`
		}
		if json.Unmarshal(data, &req) != nil {
			continue
		}
		resp := map[string]any{"id": req.ID}
		if req.SessionID != "" {
			resp["sessionId"] = req.SessionID
		}
		result, errMsg := f.handle(req.Method, req.SessionID, req.Params)
		if errMsg != "" {
			resp["error"] = map[string]any{"code": -32000, "message": errMsg}
		} else {
			resp["result"] = result
		}
		out, _ := json.Marshal(resp)
		if err := wsutil.WriteServerText(conn, out); err != nil {
			return
		}
	}
}

func (f *fakeBrowser) handle(method, sessionID string, params json.RawMessage) (any, string) {
	var p struct {
		TargetID   string `json:"targetId"`
		Expression string `json:"expression"`
	}
	_ = json.Unmarshal(params, &p)

	switch method {
	case "Target.attachToTarget":
		if !f.hasTarget(p.TargetID) {
			return nil, "No target with given id found"
		}
		return map[string]any{"sessionId": "S-" + p.TargetID}, ""
	case "Target.detachFromTarget":
		return map[string]any{}, ""
	case "Target.activateTarget":
		f.mu.Lock()
		f.activated = append(f.activated, p.TargetID)
		f.mu.Unlock()
		return map[string]any{}, ""
	case "Runtime.evaluate":
		targetID := strings.TrimPrefix(sessionID, "S-")
		value := f.evaluate(targetID, p.Expression)
		return map[string]any{"result": map[string]any{"type": "string", "value": value}}, ""
	}
	return nil, "'" + method + "' wasn't found"
}

func (f *fakeBrowser) hasTarget(targetID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.targets {
		if t.ID == targetID {
			return true
		}
	}
	return false
}

func (f *fakeBrowser) evaluate(targetID, expr string) string {
	m := registryCallPattern.FindStringSubmatch(expr)
	if m == nil {
		return `{"ok":false,"error_code":"EVAL_FAILURE","error_message":"unexpected expression"}`
	}
	method, args := m[1], m[2]

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[targetID] = append(f.calls[targetID], fakeCall{Method: method, Args: args})

	ok := func(data any) string {
		b, _ := json.Marshal(map[string]any{"ok": true, "data": data})
		return string(b)
	}
	switch method {
	case "status":
		p := f.statuses[targetID]
		p.Document = f.docs[targetID]
		return ok(p)
	case "scan":
		ids := f.elements[targetID]
		if ids == nil {
			ids = []string{}
		}
		return ok(ids)
	case "elementSource":
		var id string
		_ = json.Unmarshal([]byte(args), &id)
		present := false
		for _, e := range f.elements[targetID] {
			present = present || e == id
		}
		key := targetID + "/" + id
		switch {
		case !present:
			return `{"ok":false,"error_code":"ELEMENT_GONE"}`
		case f.bound[key]:
			return `{"ok":false,"error_code":"ALREADY_BOUND"}`
		}
		f.bound[key] = true
		return ok(f.newNodeLocked(targetID))
	case "gain":
		return ok(f.newNodeLocked(targetID))
	case "setGain", "connect":
		var list []any
		_ = json.Unmarshal([]byte("["+args+"]"), &list)
		for i, v := range list {
			if id, isID := v.(string); isID && (method == "connect" || i == 0) && !f.knownNodeLocked(targetID, id) {
				return `{"ok":false,"error_code":"NO_NODE","error_message":"no node ` + id + `"}`
			}
		}
	case "captureMaster":
		return ok("master")
	}
	return ok(true)
}
