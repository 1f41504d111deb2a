package browser

// buildSelectorMapJS walks the DOM for interactive/text-bearing elements,
// tags each with a data-agent-index attribute so Click/Type can address it
// by the same small integer the model sees, and returns their metadata.
// Grounded on the "indexed element" convention spec.md's perception layer
// expects: the model never sees a CSS selector or XPath, only an index.
const buildSelectorMapJS = `
function() {
  function isVisible(el) {
    const rect = el.getBoundingClientRect();
    if (rect.width === 0 || rect.height === 0) return false;
    const style = window.getComputedStyle(el);
    return style.visibility !== 'hidden' && style.display !== 'none';
  }

  function xpathFor(el) {
    if (el.id) return '//*[@id="' + el.id + '"]';
    const parts = [];
    let node = el;
    while (node && node.nodeType === 1 && node !== document.body) {
      let index = 1;
      let sibling = node.previousElementSibling;
      while (sibling) {
        if (sibling.tagName === node.tagName) index++;
        sibling = sibling.previousElementSibling;
      }
      parts.unshift(node.tagName.toLowerCase() + '[' + index + ']');
      node = node.parentElement;
    }
    return '//' + parts.join('/');
  }

  const interactiveSelector = [
    'a[href]', 'button', 'input', 'select', 'textarea',
    '[onclick]', '[role="button"]', '[role="link"]', '[role="checkbox"]',
    '[role="menuitem"]', '[role="tab"]', '[contenteditable="true"]',
  ].join(',');

  const nodes = Array.from(document.querySelectorAll(interactiveSelector));
  const viewportHeight = window.innerHeight;
  const results = [];

  nodes.forEach((el, i) => {
    if (!isVisible(el)) return;
    el.setAttribute('data-agent-index', String(i));

    const attrs = {};
    for (const attr of el.attributes) {
      if (attr.name === 'data-agent-index') continue;
      attrs[attr.name] = attr.value;
    }

    const rect = el.getBoundingClientRect();
    results.push({
      index: i,
      tag_name: el.tagName.toLowerCase(),
      text: (el.innerText || el.value || '').trim().slice(0, 200),
      attributes: attrs,
      xpath: xpathFor(el),
      is_in_viewport: rect.top >= 0 && rect.top < viewportHeight,
      is_interactive: true,
      ax_name: el.getAttribute('aria-label') || el.getAttribute('alt') || '',
    });
  });

  return results;
}
`
