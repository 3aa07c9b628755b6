package fileserver

const indexHTML = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Pocket File Share</title>
<style>
body{font-family:system-ui,sans-serif;max-width:760px;margin:2rem auto;padding:0 1rem;color:#222}
table{width:100%;border-collapse:collapse}td{padding:.35rem;border-bottom:1px solid #eee}
.hidden{display:none}a{color:#0a58ca;text-decoration:none}
</style>
</head>
<body>
<h1>Pocket File Share</h1>
<form id="login">
<input id="passcode" type="password" inputmode="numeric" placeholder="Passcode" autofocus>
<button type="submit">Open</button>
<span id="error"></span>
</form>
<div id="browser" class="hidden">
<p id="crumbs"></p>
<table><tbody id="files"></tbody></table>
</div>
<script>
let token = sessionStorage.getItem("token") || "";
let cwd = "";
const $ = (id) => document.getElementById(id);
async function api(path) {
  const res = await fetch(path, {headers: {Authorization: "Bearer " + token}});
  if (res.status === 401) { token = ""; show(false); throw new Error("unauthorized"); }
  return res.json();
}
function show(authed) {
  $("login").classList.toggle("hidden", authed);
  $("browser").classList.toggle("hidden", !authed);
}
async function load(path) {
  cwd = path;
  const data = await api("/api/files?path=" + encodeURIComponent(path));
  $("crumbs").textContent = "/" + data.path;
  const rows = [];
  if (path) rows.push('<tr><td><a href="#" data-dir="' + path.split("/").slice(0, -1).join("/") + '">..</a></td><td></td></tr>');
  for (const f of data.files) {
    const q = encodeURIComponent(f.path).replace(/%2F/g, "/");
    rows.push(f.type === "folder"
      ? '<tr><td><a href="#" data-dir="' + f.path + '">' + f.name + '/</a></td><td></td></tr>'
      : '<tr><td><a href="/api/download/' + q + '?auth=' + token + '">' + f.name + '</a></td><td>' + (f.sizeHuman || "") + '</td></tr>');
  }
  $("files").innerHTML = rows.join("");
}
$("files").addEventListener("click", (e) => {
  const dir = e.target.dataset.dir;
  if (dir !== undefined) { e.preventDefault(); load(dir); }
});
$("login").addEventListener("submit", async (e) => {
  e.preventDefault();
  const res = await fetch("/api/auth", {method: "POST", headers: {"Content-Type": "application/json"}, body: JSON.stringify({passcode: $("passcode").value})});
  if (!res.ok) { $("error").textContent = "Invalid passcode"; return; }
  token = (await res.json()).token;
  sessionStorage.setItem("token", token);
  show(true);
  load("");
  const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/api/events?auth=" + token);
  ws.onmessage = () => load(cwd);
});
if (token) { show(true); load("").catch(() => {}); }
</script>
</body>
</html>
`
