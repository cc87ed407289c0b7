package dashboard

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <title>coinwatch</title>
  <style>
    body { font-family: "Space Mono", monospace; margin: 2rem; color: #111; }
    h1 { font-size: 1.2rem; }
    #state { font-weight: bold; }
    ul { list-style: none; padding: 0; }
    li { border-bottom: 1px solid #ddd; padding: .5rem 0; white-space: pre; }
    .added { color: #0a7d32; }
    .removed { color: #b3261e; }
  </style>
</head>
<body>
  <h1>coinwatch</h1>
  <p>state: <span id="state">loading</span> <button id="run">run cycle</button></p>
  <ul id="changes"><li id="placeholder">loading...</li></ul>
  <script>
    const list = document.getElementById('changes');
    const placeholder = document.getElementById('placeholder');

    async function refresh() {
      const res = await fetch('/api/status');
      const body = await res.json();
      document.getElementById('state').textContent = body.state;
    }

    document.getElementById('run').onclick = async () => {
      const res = await fetch('/api/cycles', { method: 'POST' });
      if (res.status === 409) alert('cycle already running');
      refresh();
    };

    const es = new EventSource('/changes/stream');
    es.addEventListener('no_data', () => { placeholder.textContent = 'no changes yet'; });
    es.addEventListener('change', (e) => {
      placeholder.remove();
      const ev = JSON.parse(e.data);
      for (const c of ev.changes) {
        const li = document.createElement('li');
        li.className = c.kind;
        li.textContent = ev.ts + '  ' + ev.account + '  ' + c.symbol + '  ' +
          c.balanceBefore + ' -> ' + c.balanceAfter + '  (' + c.diff + ')';
        list.prepend(li);
      }
    });

    refresh();
    setInterval(refresh, 10000);
  </script>
</body>
</html>
`
