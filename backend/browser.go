package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// dialect captures the AppleScript differences between Safari and Chrome.
type dialect struct {
	newWindow string
	tab       string
	title     string
	runJS     func(js string) string
}

var safariDialect = dialect{
	newWindow: "make new document",
	tab:       "current tab",
	title:     "name",
	runJS: func(js string) string {
		return "do JavaScript " + appleScriptString(js) + " in current tab of front window"
	},
}

var chromeDialect = dialect{
	newWindow: "make new window",
	tab:       "active tab",
	title:     "title",
	runJS: func(js string) string {
		return "execute front window's active tab javascript " + appleScriptString(js)
	},
}

// AppController drives a native browser application through AppleScript.
type AppController struct {
	host    *Host
	app     string
	dialect dialect
}

func (c *AppController) script(body string) string {
	return fmt.Sprintf("tell application %q\n%s\nend tell", c.app, body)
}

// Open activates the browser, navigating to url when given.
func (c *AppController) Open(ctx context.Context, url string) Result {
	if url != "" {
		return c.Navigate(ctx, url)
	}
	return c.host.AppleScript(ctx, fmt.Sprintf("tell application %q to activate", c.app))
}

// Navigate opens url in a new tab of the front window.
func (c *AppController) Navigate(ctx context.Context, url string) Result {
	if url == "" {
		return Fail("URL is required")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "https://" + url
	}
	return c.host.AppleScript(ctx, c.script(fmt.Sprintf(`    activate
    if (count of windows) = 0 then
        %s
    end if
    tell window 1
        set %s to (make new tab with properties {URL:%s})
    end tell`, c.dialect.newWindow, c.dialect.tab, appleScriptString(url))))
}

// GetContent returns the title, URL and visible text of the front tab.
func (c *AppController) GetContent(ctx context.Context) Result {
	r := c.host.AppleScript(ctx, c.script(fmt.Sprintf(`    if (count of windows) is 0 then
        return "No %[1]s windows"
    end if
    set tabTitle to %[2]s of %[3]s of front window
    set tabURL to URL of %[3]s of front window
    set tabContent to %[4]s
    return "Title: " & tabTitle & ", URL: " & tabURL & ", Content: " & tabContent`,
		c.app, c.dialect.title, c.dialect.tab, c.dialect.runJS("document.body.innerText"))))
	if r.OK() {
		return Result{"success": true, "text": r["stdout"]}
	}

	if strings.Contains(r.Error(), "Allow JavaScript from Apple Events") {
		fallback := c.host.AppleScript(ctx, c.script(fmt.Sprintf(`    if (count of windows) is 0 then
        return "No %[1]s windows"
    end if
    set tabTitle to %[2]s of %[3]s of front window
    set tabURL to URL of %[3]s of front window
    return "Title: " & tabTitle & ", URL: " & tabURL`, c.app, c.dialect.title, c.dialect.tab)))
		if fallback.OK() {
			return Result{
				"success": true,
				"text":    fallback["stdout"],
				"warning": "JavaScript from Apple Events is disabled; enable it in the browser's developer settings to read page content",
			}
		}
	}
	return r
}

// Click clicks the first element matching selector.
func (c *AppController) Click(ctx context.Context, selector string) Result {
	return c.exec(ctx, fmt.Sprintf("document.querySelector(%s)?.click()", jsString(selector)))
}

// Type sets the value of the element matching selector.
func (c *AppController) Type(ctx context.Context, selector, text string) Result {
	return c.exec(ctx, fmt.Sprintf("document.querySelector(%s).value = %s", jsString(selector), jsString(text)))
}

// PressKey dispatches a keydown event on the focused element.
func (c *AppController) PressKey(ctx context.Context, key string) Result {
	return c.exec(ctx, fmt.Sprintf(
		"document.activeElement.dispatchEvent(new KeyboardEvent('keydown', {key: %s, bubbles: true}))", jsString(key)))
}

func (c *AppController) exec(ctx context.Context, js string) Result {
	return c.host.AppleScript(ctx, c.script("    activate\n    "+c.dialect.runJS(js)))
}

// Browser automates pages in Chrome by injecting JavaScript into the
// active tab.
type Browser struct {
	host *Host
}

func (b *Browser) disabled() (Result, bool) {
	if !b.host.cfg.EnableBrowser {
		return Fail("Browser automation is disabled"), true
	}
	return nil, false
}

// eval runs js in the active tab and returns its string result.
func (b *Browser) eval(ctx context.Context, js string) Result {
	if r, off := b.disabled(); off {
		return r
	}
	r := b.host.AppleScript(ctx, b.host.Chrome.script("    "+chromeDialect.runJS(js)))
	if !r.OK() {
		return r
	}
	return Result{"success": true, "result": r["stdout"]}
}

func (b *Browser) Navigate(ctx context.Context, url string) Result {
	if r, off := b.disabled(); off {
		return r
	}
	r := b.host.Chrome.Navigate(ctx, url)
	if r.OK() {
		r = Result{"success": true, "url": url}
	}
	return r
}

func (b *Browser) Click(ctx context.Context, selector string) Result {
	return b.eval(ctx, fmt.Sprintf(
		`(function(){var e=document.querySelector(%s);if(!e)return "not found";e.click();return "clicked"})()`,
		jsString(selector)))
}

func (b *Browser) Type(ctx context.Context, selector, text string, clearFirst bool) Result {
	assign := "e.value=e.value+%[2]s"
	if clearFirst {
		assign = "e.value=%[2]s"
	}
	js := fmt.Sprintf(`(function(){var e=document.querySelector(%[1]s);if(!e)return "not found";e.focus();`+assign+
		`;e.dispatchEvent(new Event("input",{bubbles:true}));return "typed"})()`, jsString(selector), jsString(text))
	return b.eval(ctx, js)
}

// Screenshot captures the screen to path, or to a file under the
// workspace's screenshots directory when path is empty.
func (b *Browser) Screenshot(ctx context.Context, path string) Result {
	if r, off := b.disabled(); off {
		return r
	}
	if path == "" {
		path = filepath.Join("screenshots", fmt.Sprintf("screenshot-%d.png", time.Now().UnixNano()))
	}
	fp, err := b.host.ResolvePath(path)
	if err != nil {
		return Fail(err.Error())
	}
	os.MkdirAll(filepath.Dir(fp), 0o755)
	out, err := b.host.run(ctx, "screencapture", "-x", fp)
	if err != nil {
		return Fail(err.Error())
	}
	if out.ExitCode != 0 {
		return Fail(strings.TrimSpace(out.Stderr))
	}
	return Result{"success": true, "path": fp}
}

func (b *Browser) GetContent(ctx context.Context, selector string) Result {
	target := "document.body"
	if selector != "" {
		target = "document.querySelector(" + jsString(selector) + ")"
	}
	r := b.eval(ctx, fmt.Sprintf(`(function(){var e=%s;return e?e.innerText:""})()`, target))
	if !r.OK() {
		return r
	}
	text, _ := r["result"].(string)
	return Result{"success": true, "content": textPolicy.Sanitize(text)}
}

// Wait polls until selector matches or timeout elapses.
func (b *Browser) Wait(ctx context.Context, selector string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = b.host.cfg.BrowserTimeout
	}
	deadline := time.Now().Add(timeout)
	js := fmt.Sprintf(`document.querySelector(%s) ? "found" : ""`, jsString(selector))
	for {
		r := b.eval(ctx, js)
		if !r.OK() {
			return r
		}
		if r["result"] == "found" {
			return Result{"success": true, "selector": selector}
		}
		if time.Now().After(deadline) {
			return Fail(fmt.Sprintf("Timeout waiting for %s", selector))
		}
		select {
		case <-ctx.Done():
			return Fail(ctx.Err().Error())
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (b *Browser) Scroll(ctx context.Context, x, y int) Result {
	return b.eval(ctx, fmt.Sprintf("window.scrollBy(%d, %d); 'scrolled'", x, y))
}

func (b *Browser) ExecuteScript(ctx context.Context, script string) Result {
	if strings.TrimSpace(script) == "" {
		return Fail("No script")
	}
	return b.eval(ctx, script)
}

func (b *Browser) NewTab(ctx context.Context, url string) Result {
	if url == "" {
		url = "about:blank"
	}
	if r, off := b.disabled(); off {
		return r
	}
	r := b.host.AppleScript(ctx, b.host.Chrome.script(fmt.Sprintf(
		"    activate\n    if (count of windows) = 0 then\n        make new window\n    end if\n    tell window 1 to make new tab with properties {URL:%s}",
		appleScriptString(url))))
	if r.OK() {
		r = Result{"success": true, "url": url}
	}
	return r
}

func (b *Browser) CloseTab(ctx context.Context) Result {
	if r, off := b.disabled(); off {
		return r
	}
	return b.host.AppleScript(ctx, b.host.Chrome.script("    close active tab of front window"))
}

func (b *Browser) GetURL(ctx context.Context) Result {
	r := b.eval(ctx, "window.location.href")
	if r.OK() {
		r = Result{"success": true, "url": r["result"]}
	}
	return r
}

func (b *Browser) Reload(ctx context.Context) Result {
	return b.eval(ctx, "window.location.reload(); 'reloaded'")
}

func (b *Browser) PressKey(ctx context.Context, selector, key string) Result {
	target := "document.activeElement||document.body"
	if selector != "" {
		target = "document.querySelector(" + jsString(selector) + ")"
	}
	return b.eval(ctx, fmt.Sprintf(
		`(function(){var e=%s;if(!e)return "not found";["keydown","keyup"].forEach(function(t){e.dispatchEvent(new KeyboardEvent(t,{key:%s,bubbles:true}))});return "pressed"})()`,
		target, jsString(key)))
}

func (b *Browser) SelectOption(ctx context.Context, selector, value string) Result {
	return b.eval(ctx, fmt.Sprintf(
		`(function(){var e=document.querySelector(%s);if(!e)return "not found";e.value=%s;e.dispatchEvent(new Event("change",{bubbles:true}));return "selected"})()`,
		jsString(selector), jsString(value)))
}

func (b *Browser) GetAttribute(ctx context.Context, selector, attribute string) Result {
	r := b.eval(ctx, fmt.Sprintf(
		`(function(){var e=document.querySelector(%s);return e?(e.getAttribute(%s)||""):""})()`,
		jsString(selector), jsString(attribute)))
	if r.OK() {
		r = Result{"success": true, "value": r["result"]}
	}
	return r
}

// Cleanup releases browser state. Chrome is driven in place, so there is
// nothing to tear down.
func (b *Browser) Cleanup(context.Context) Result {
	return Result{"success": true, "message": "Browser cleaned up"}
}

// jsString renders s as a JavaScript string literal.
func jsString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}

// appleScriptString renders s as an AppleScript string literal.
func appleScriptString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
