package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>CareLink Inbox</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
      --shadow: 0 18px 36px rgba(16, 34, 35, 0.16);
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell { max-width: 960px; margin: 0 auto; display: grid; gap: 14px; }

    .bar, .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 16px;
      padding: 14px;
      box-shadow: var(--shadow);
    }

    .controls { display: grid; gap: 10px; grid-template-columns: 1fr 1.6fr auto; margin-top: 10px; }

    .controls input {
      width: 100%;
      border-radius: 10px;
      border: 1px solid var(--line);
      padding: 10px 12px;
      font-size: 0.92rem;
    }

    button {
      border: 0;
      border-radius: 10px;
      padding: 10px 12px;
      font-weight: 700;
      cursor: pointer;
      background: var(--accent);
      color: #ffffff;
    }

    .grid { display: grid; gap: 12px; grid-template-columns: 1fr 1fr; }

    .panel h2 { margin: 0 0 10px; font-size: 0.92rem; letter-spacing: 0.06em; text-transform: uppercase; }

    .badge {
      display: inline-block;
      min-width: 1.6em;
      padding: 2px 8px;
      border-radius: 999px;
      background: var(--danger);
      color: #ffffff;
      text-align: center;
    }

    .badge.zero { background: var(--muted); }

    .feed { margin: 0; padding: 0; list-style: none; display: grid; gap: 8px; }

    .feed li {
      border: 1px solid #e3d9c4;
      border-left: 5px solid var(--accent);
      border-radius: 10px;
      padding: 9px 10px;
      font-size: 0.85rem;
    }

    .status { color: var(--muted); font-size: 0.85rem; margin-top: 8px; }
  </style>
</head>
<body>
  <div class="shell">
    <section class="bar">
      <h1>CareLink Inbox</h1>
      <div class="controls">
        <input id="user" placeholder="user id" />
        <input id="token" placeholder="bearer token" />
        <button id="refresh">Refresh</button>
      </div>
      <div id="status" class="status">enter token to start</div>
    </section>
    <section class="grid">
      <div class="panel">
        <h2>Notifications <span id="notifications" class="badge zero">0</span></h2>
        <button data-scope="notifications">Mark all read</button>
        <ul id="notifications-feed" class="feed"></ul>
      </div>
      <div class="panel">
        <h2>Messages <span id="messages" class="badge zero">0</span></h2>
        <button data-scope="messages">Mark all read</button>
        <ul id="messages-feed" class="feed"></ul>
      </div>
    </section>
  </div>
  <script>
    (() => {
      const dom = {
        user: document.getElementById("user"),
        token: document.getElementById("token"),
        status: document.getElementById("status"),
      };
      const label = (n) => (n > 99 ? "99+" : String(n));
      const headers = () => ({
        "Authorization": "Bearer " + dom.token.value.trim(),
        "Content-Type": "application/json",
      });

      function render(counts) {
        for (const scope of ["notifications", "messages"]) {
          const n = counts[scope] || 0;
          const badge = document.getElementById(scope);
          badge.textContent = label(n);
          badge.className = n > 0 ? "badge" : "badge zero";
          const feed = document.getElementById(scope + "-feed");
          feed.innerHTML = "";
          for (const item of counts.latest || []) {
            if ((item.scope || "notifications") !== scope) continue;
            const li = document.createElement("li");
            li.textContent = (item.title || item.id) + (item.body ? ": " + item.body : "");
            feed.appendChild(li);
          }
        }
        const total = (counts.notifications || 0) + (counts.messages || 0);
        document.title = total > 0 ? "(" + label(total) + ") CareLink Inbox" : "CareLink Inbox";
      }

      async function refresh() {
        window.localStorage.setItem("unreadsync_dashboard_token", dom.token.value);
        window.localStorage.setItem("unreadsync_dashboard_user", dom.user.value);
        if (!dom.token.value.trim()) return;
        const res = await fetch("/notifications/unread-count?userId=" + encodeURIComponent(dom.user.value.trim()), { headers: headers() });
        if (!res.ok) {
          dom.status.textContent = "request failed: " + res.status;
          return;
        }
        render(await res.json());
        dom.status.textContent = "updated " + new Date().toLocaleTimeString();
      }

      async function markAll(scope) {
        await fetch("/notifications/mark-read", {
          method: "POST",
          headers: headers(),
          body: JSON.stringify({ ids: [], userId: dom.user.value.trim(), scope }),
        });
        refresh();
      }

      document.getElementById("refresh").addEventListener("click", refresh);
      for (const btn of document.querySelectorAll("button[data-scope]")) {
        btn.addEventListener("click", () => markAll(btn.dataset.scope));
      }
      dom.token.value = window.localStorage.getItem("unreadsync_dashboard_token") || "";
      dom.user.value = window.localStorage.getItem("unreadsync_dashboard_user") || "";
      setInterval(refresh, 6000);
      refresh();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
