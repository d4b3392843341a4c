// internal/browser/dom_script.go
package browser

// IndexAttribute marks elements indexed by the last tree scan.
const IndexAttribute = "data-page-agent-index"

// domScript installs window.__pageAgent. It is idempotent and is evaluated
// before every tree operation because navigation discards it.
const domScript = `(function () {
  if (window.__pageAgent) return;
  const ATTR = 'data-page-agent-index';
  const LAYER_ID = '__page_agent_highlights';
  const TAGS = new Set(['a', 'button', 'input', 'select', 'textarea', 'details', 'summary', 'label', 'option']);
  const ROLES = new Set(['button', 'link', 'checkbox', 'radio', 'tab', 'menuitem', 'option', 'switch', 'textbox', 'combobox', 'slider']);
  const KEEP = ['type', 'name', 'placeholder', 'aria-label', 'title', 'role', 'value', 'href', 'alt'];
  const COLORS = ['#ff0000', '#00a000', '#0000ff', '#ff8c00', '#800080', '#008080', '#ff1493', '#4682b4'];
  let lines = [];

  function hidden(el) {
    const s = getComputedStyle(el);
    return s.display === 'none' || s.visibility === 'hidden' || s.opacity === '0';
  }
  function sized(el) {
    const r = el.getBoundingClientRect();
    return r.width > 0 && r.height > 0;
  }
  function inScope(el, expansion) {
    if (expansion === -1) return true;
    const r = el.getBoundingClientRect();
    return r.bottom >= -expansion && r.top <= window.innerHeight + expansion &&
      r.right >= -expansion && r.left <= window.innerWidth + expansion;
  }
  function interactive(el) {
    const tag = el.tagName.toLowerCase();
    if (TAGS.has(tag)) return !el.disabled;
    const role = el.getAttribute('role');
    if (role && ROLES.has(role)) return true;
    if (el.isContentEditable || el.hasAttribute('onclick')) return true;
    if (el.hasAttribute('tabindex') && el.tabIndex >= 0) return true;
    const parent = el.parentElement;
    return getComputedStyle(el).cursor === 'pointer' && !(parent && getComputedStyle(parent).cursor === 'pointer');
  }
  function topLayer(el) {
    const r = el.getBoundingClientRect();
    const x = r.left + r.width / 2, y = r.top + r.height / 2;
    if (x < 0 || y < 0 || x > window.innerWidth || y > window.innerHeight) return true;
    const hit = document.elementFromPoint(x, y);
    return !hit || hit === el || el.contains(hit) || hit.contains(el);
  }
  function clip(s, n) {
    s = s.replace(/\s+/g, ' ').trim();
    return s.length > n ? s.slice(0, n) + '...' : s;
  }
  function render(el) {
    const attrs = [];
    for (const a of KEEP) {
      const v = el.getAttribute(a);
      if (v !== null && v !== '') attrs.push(a + '=' + JSON.stringify(clip(v, 80)));
    }
    const text = clip(el.innerText || el.value || '', 100);
    return '<' + el.tagName.toLowerCase() + (attrs.length ? ' ' + attrs.join(' ') : '') + '>' + text + ' />';
  }
  function directText(el) {
    let t = '';
    for (const n of el.childNodes) {
      if (n.nodeType === Node.TEXT_NODE) t += n.textContent;
    }
    return clip(t, 200);
  }
  function mark(el, index, layer) {
    const r = el.getBoundingClientRect();
    const color = COLORS[index % COLORS.length];
    const box = document.createElement('div');
    box.style.cssText = 'position:fixed;pointer-events:none;box-sizing:border-box;border:2px solid ' + color +
      ';top:' + r.top + 'px;left:' + r.left + 'px;width:' + r.width + 'px;height:' + r.height + 'px;';
    const label = document.createElement('div');
    label.textContent = String(index);
    label.style.cssText = 'position:absolute;top:-2px;right:-2px;font:11px monospace;color:#fff;padding:0 3px;background:' + color + ';';
    box.appendChild(label);
    layer.appendChild(box);
  }
  function cleanUp() {
    const layer = document.getElementById(LAYER_ID);
    if (layer) layer.remove();
    return true;
  }
  function updateTree(expansion) {
    cleanUp();
    for (const el of document.querySelectorAll('[' + ATTR + ']')) el.removeAttribute(ATTR);
    lines = [];
    let next = 0;
    const layer = document.createElement('div');
    layer.id = LAYER_ID;
    layer.style.cssText = 'position:fixed;top:0;left:0;width:0;height:0;pointer-events:none;z-index:2147483647;';
    const walk = (node, depth, indexed) => {
      for (const el of node.children) {
        if (el.id === LAYER_ID || hidden(el)) continue;
        let d = depth, inside = indexed;
        if (!indexed && sized(el) && interactive(el) && inScope(el, expansion) && topLayer(el)) {
          const idx = next++;
          el.setAttribute(ATTR, String(idx));
          lines.push('\t'.repeat(depth) + '[' + idx + ']' + render(el));
          mark(el, idx, layer);
          d = depth + 1;
          inside = true;
        } else if (!indexed && sized(el) && inScope(el, expansion)) {
          const t = directText(el);
          if (t) lines.push('\t'.repeat(depth) + t);
        }
        walk(el, d, inside);
      }
    };
    if (document.body) {
      walk(document.body, 0, false);
      document.body.appendChild(layer);
    }
    return next;
  }
  function pageInfo() {
    const de = document.documentElement, body = document.body;
    const vw = window.innerWidth, vh = window.innerHeight;
    const pw = Math.max(de.scrollWidth, body ? body.scrollWidth : 0, vw);
    const ph = Math.max(de.scrollHeight, body ? body.scrollHeight : 0, vh);
    const sx = window.scrollX || de.scrollLeft, sy = window.scrollY || de.scrollTop;
    const below = Math.max(0, ph - (vh + sy));
    const right = Math.max(0, pw - (vw + sx));
    return {
      viewport_width: vw, viewport_height: vh, page_width: pw, page_height: ph,
      scroll_x: sx, scroll_y: sy,
      pixels_above: sy, pixels_below: below, pixels_left: sx, pixels_right: right,
      pages_above: vh > 0 ? sy / vh : 0,
      pages_below: vh > 0 ? below / vh : 0,
      total_pages: vh > 0 ? ph / vh : 0,
      current_page_position: sy / Math.max(1, ph - vh),
    };
  }
  window.__pageAgent = {
    updateTree: updateTree,
    simplifiedHTML: () => lines.join('\n'),
    cleanUp: cleanUp,
    pageInfo: pageInfo,
    has: (i) => document.querySelector('[' + ATTR + '="' + i + '"]') !== null,
  };
})()`
