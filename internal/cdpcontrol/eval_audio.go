package cdpcontrol

// jsPageRegistry installs window.__tabvolume once per document. It owns the
// page's AudioContext and a master bus every relay gain feeds; capture
// detaches the master bus from the speakers so the engine's boost stage can
// sit behind it. Each install draws a document id; node ids carry it as a
// prefix so an id from a replaced document never names a node of the new
// one. "master" and "destination" are reserved.
const jsPageRegistry = `
if (!window.__tabvolume) {
  (function(){
    var ctx = null, master = null, nodes = {}, seq = 0, elemSeq = 0;
    var bound = new WeakSet();
    var doc = Date.now().toString(36) + Math.random().toString(36).slice(2, 8);
    function ok(data) { return {ok:true,data:data}; }
    function fail(code, msg) { return {ok:false,error_code:code,error_message:msg || code}; }
    function ac() {
      if (!ctx) {
        ctx = new (window.AudioContext || window.webkitAudioContext)();
        master = ctx.createGain();
        master.connect(ctx.destination);
      }
      if (ctx.state === "suspended") { ctx.resume().catch(function(){}); }
      return ctx;
    }
    function put(node, keep) {
      seq++;
      var id = doc + ":n" + seq;
      nodes[id] = {node:node, keep:!!keep};
      return id;
    }
    function resolve(id) {
      ac();
      if (id === "destination") return ctx.destination;
      if (id === "master") return master;
      var e = nodes[id];
      return e ? e.node : null;
    }
    window.__tabvolume = {
      elementSource: function(id) {
        var el = document.querySelector('[data-tabvolume-id="' + id + '"]');
        if (!el) return fail("` + jsCodeElementGone + `");
        if (bound.has(el)) return fail("` + jsCodeAlreadyBound + `");
        var src;
        try { src = ac().createMediaElementSource(el); }
        catch (e) { return fail("` + jsCodeAlreadyBound + `", String(e && e.message || e)); }
        bound.add(el);
        return ok(put(src, true));
      },
      gain: function(value) {
        var g = ac().createGain();
        g.gain.value = value;
        return ok(put(g, false));
      },
      setGain: function(id, value) {
        var e = nodes[id];
        if (!e) return fail("` + jsCodeNoNode + `", "no node " + id);
        e.node.gain.value = value;
        return ok(value);
      },
      connect: function(from, to) {
        var a = resolve(from), b = resolve(to);
        if (!a || !b) return fail("` + jsCodeNoNode + `", "no node " + (a ? to : from));
        a.connect(b);
        return ok(true);
      },
      disconnect: function(id) {
        if (id === "master") {
          ac();
          master.disconnect();
          master.connect(ctx.destination);
          return ok(true);
        }
        var e = nodes[id];
        if (!e) return ok(false);
        e.node.disconnect();
        if (!e.keep) delete nodes[id];
        return ok(true);
      },
      captureMaster: function() {
        ac();
        master.disconnect();
        return ok("master");
      },
      scan: function() {
        var els = document.querySelectorAll("video, audio"), ids = [];
        for (var i = 0; i < els.length; i++) {
          var el = els[i];
          if (!el.dataset.tabvolumeId) { elemSeq++; el.dataset.tabvolumeId = "m" + elemSeq; }
          ids.push(el.dataset.tabvolumeId);
        }
        return ok(ids);
      },
      status: function() {
        var media = document.querySelectorAll("video, audio"), playing = false;
        for (var i = 0; i < media.length; i++) {
          var m = media[i];
          if (!m.paused && !m.ended && !m.muted && m.volume > 0 && m.readyState > 2) { playing = true; break; }
        }
        return ok({visible:document.visibilityState === "visible", focused:document.hasFocus(), audible:playing, doc:doc});
      }
    };
  })();
}`

// jsEngineRegistry installs window.__tabvolumeEngine on the offscreen page.
// It keeps the table of routed tabs, renders it as the page body and hands
// it back on request so the host can tell a fresh page from a live one.
const jsEngineRegistry = `
if (!window.__tabvolumeEngine) {
  (function(){
    var routes = {};
    function ids() { return Object.keys(routes).sort(function(a, b){ return a - b; }); }
    function render() {
      var keys = ids(), lines = [];
      for (var i = 0; i < keys.length; i++) { lines.push("tab " + keys[i] + ": " + routes[keys[i]] + "%"); }
      document.title = "tabvolume engine (" + keys.length + ")";
      if (document.body) document.body.textContent = lines.join("\n");
    }
    window.__tabvolumeEngine = {
      note: function(tabId, percent) { routes[tabId] = percent; render(); return {ok:true,data:ids().length}; },
      drop: function(tabId) { delete routes[tabId]; render(); return {ok:true,data:ids().length}; },
      replace: function(list) {
        routes = {};
        for (var i = 0; i < list.length; i++) { routes[list[i].tabId] = list[i].percent; }
        render();
        return {ok:true,data:list.length};
      },
      routes: function() {
        var keys = ids(), out = [];
        for (var i = 0; i < keys.length; i++) { out.push({tabId:Number(keys[i]), percent:routes[keys[i]]}); }
        return {ok:true,data:out};
      }
    };
    render();
  })();
}`

func engineCall(method string, args ...any) string {
	return wrapJSEval(jsEngineRegistry + `
var r = window.__tabvolumeEngine[` + jsString(method) + `](` + jsArgs(args) + `);
return JSON.stringify(r);`)
}
