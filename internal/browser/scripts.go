package browser

import "fmt"

// MonitorScript instruments window.dataLayer.push on every new document so
// pushes show up in the console log stream.
const MonitorScript = `(() => {
  if (typeof window.__dlMonitorInstalled !== 'undefined') {
    console.log('[DL Monitor] monitor already installed');
    return;
  }
  window.__dlMonitorInstalled = true;
  if (typeof window.dataLayer === 'undefined') {
    console.log('[DL Monitor] window.dataLayer missing, initializing');
    window.dataLayer = [];
  }
  if (Array.isArray(window.dataLayer) && typeof window.dataLayer.push === 'function') {
    const originalPush = window.dataLayer.push;
    window.dataLayer.push = function() {
      try {
        console.log('[DL Monitor] dataLayer.push:', JSON.stringify(arguments[0] || null));
      } catch (e) {
        console.log('[DL Monitor] dataLayer.push: <unserializable>');
      }
      return originalPush.apply(this, arguments);
    };
    console.log('[DL Monitor] dataLayer.push instrumented');
  } else {
    console.warn('[DL Monitor] could not instrument dataLayer.push');
  }
})()`

// EventLogScript reads window.dataLayer and reports one of the statuses
// not_found, not_array, success, partial_success or error. The result is a
// JSON string so numbers keep their source text across backends.
func EventLogScript(partialTail int) string {
	return fmt.Sprintf(`(() => {
  const out = (v) => JSON.stringify(v);
  try {
    const dl = window.dataLayer;
    if (typeof dl === 'undefined' || dl === null) {
      return out({ status: 'not_found' });
    }
    if (!Array.isArray(dl)) {
      return out({ status: 'not_array', type: typeof dl });
    }
    return out({ status: 'success', data: JSON.parse(JSON.stringify(dl)) });
  } catch (e) {
    if (Array.isArray(window.dataLayer)) {
      try {
        const tail = window.dataLayer.slice(-%d);
        return out({ status: 'partial_success', data: JSON.parse(JSON.stringify(tail)) });
      } catch (tailErr) {
        return out({ status: 'error', message: 'partial serialization failed: ' + tailErr.toString() });
      }
    }
    return out({ status: 'error', message: 'serialization failed: ' + e.toString() });
  }
})()`, partialTail)
}

// clickDispatchScript fires a synthetic click on the element under (x, y)
// when it is, or sits inside, an interactive element.
func clickDispatchScript(x, y int) string {
	return fmt.Sprintf(`(() => {
  const el = document.elementFromPoint(%d, %d);
  if (!el) {
    return { found: false, interactive: false, dispatched: false };
  }
  const interactive = el.closest('a, button, input, select, textarea, [onclick], [role="button"], [role="link"]') !== null;
  if (!interactive) {
    return { found: true, tag: el.tagName.toLowerCase(), interactive: false, dispatched: false };
  }
  el.dispatchEvent(new MouseEvent('click', { bubbles: true, cancelable: true, view: window }));
  return { found: true, tag: el.tagName.toLowerCase(), interactive: true, dispatched: true };
})()`, x, y)
}
