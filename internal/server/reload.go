package server

import "net/http"

// reloadClient connects to the reload channel and reacts to its messages.
const reloadClient = `(function () {
  "use strict";
  var overlays = {};
  var retry = 500;

  function overlay() {
    var el = document.getElementById("__kiln_overlay");
    if (!el) {
      el = document.createElement("div");
      el.id = "__kiln_overlay";
      el.style.cssText = "position:fixed;inset:0;z-index:2147483647;overflow:auto;" +
        "background:rgba(20,20,20,.92);color:#f5f5f5;font:13px/1.5 monospace;padding:24px;";
      document.body.appendChild(el);
    }
    return el;
  }

  function render() {
    var tasks = Object.keys(overlays);
    var el = document.getElementById("__kiln_overlay");
    if (tasks.length === 0) {
      if (el) el.remove();
      return;
    }
    el = overlay();
    el.textContent = "";
    tasks.sort().forEach(function (task) {
      var h = document.createElement("h2");
      h.style.cssText = "color:#ff6b6b;margin:0 0 8px;";
      h.textContent = task + " failed";
      var pre = document.createElement("pre");
      pre.style.cssText = "white-space:pre-wrap;margin:0 0 24px;";
      pre.textContent = overlays[task];
      el.appendChild(h);
      el.appendChild(pre);
    });
  }

  function refreshStyles() {
    var stamp = Date.now();
    document.querySelectorAll('link[rel="stylesheet"]').forEach(function (link) {
      var url = new URL(link.href, location.href);
      if (url.origin !== location.origin) return;
      url.searchParams.set("kiln", stamp);
      link.href = url.toString();
    });
  }

  function connect() {
    var proto = location.protocol === "https:" ? "wss:" : "ws:";
    var ws = new WebSocket(proto + "//" + location.host + "/__kiln/ws");
    ws.onopen = function () { retry = 500; };
    ws.onmessage = function (event) {
      var msg = JSON.parse(event.data);
      switch (msg.type) {
        case "reload":
          location.reload();
          break;
        case "css":
          refreshStyles();
          break;
        case "error":
          overlays[msg.task] = msg.error;
          render();
          break;
        case "clear":
          delete overlays[msg.task];
          render();
          break;
      }
    };
    ws.onclose = function () {
      setTimeout(connect, retry);
      retry = Math.min(retry * 2, 5000);
    };
  }

  connect();
})();
`

func handleReloadScript(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write([]byte(reloadClient))
}
