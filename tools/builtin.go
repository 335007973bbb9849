package tools

import (
	"context"
	"time"

	"github.com/langbot-app/LangTARS/agent"
	"github.com/langbot-app/LangTARS/backend"
)

// orderKey keeps the declared parameter order of built-in schemas so
// Describe renders them the way they were written.
const orderKey = "x-order"

type prop struct {
	name     string
	typ      string
	desc     string
	required bool
}

func req(name, typ, desc string) prop { return prop{name, typ, desc, true} }
func opt(name, typ, desc string) prop { return prop{name, typ, desc, false} }

func schema(props ...prop) map[string]any {
	properties := make(map[string]any, len(props))
	order := make([]string, 0, len(props))
	required := []string{}
	for _, p := range props {
		properties[p.name] = map[string]any{"type": p.typ, "description": p.desc}
		order = append(order, p.name)
		if p.required {
			required = append(required, p.name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
		orderKey:     order,
	}
}

type builtin struct {
	name   string
	desc   string
	params map[string]any
	run    func(ctx context.Context, h *backend.Host, args map[string]any) backend.Result
}

func (b builtin) tool(h *backend.Host) agent.Tool {
	run := b.run
	return &agent.FuncTool{
		ToolName:   b.name,
		ToolDesc:   b.desc,
		ToolParams: b.params,
		Fn: func(ctx context.Context, args map[string]any) (agent.ToolResult, error) {
			return agent.ResultFromMap(run(ctx, h, args)), nil
		},
	}
}

func seconds(args map[string]any, key string, def int) time.Duration {
	return time.Duration(argInt(args, key, def)) * time.Second
}

var builtinTable = []builtin{
	{
		name: "shell",
		desc: "Execute a shell command on the Mac. Use for file operations, system commands, etc.",
		params: schema(
			req("command", "string", "The shell command to execute"),
			opt("timeout", "integer", "Timeout in seconds (default: 30)"),
			opt("working_dir", "string", "Working directory inside the workspace"),
			opt("tty", "boolean", "Run under a pseudo-terminal"),
		),
		run: func(ctx context.Context, h *backend.Host, a map[string]any) backend.Result {
			return h.Shell(ctx, backend.ShellRequest{
				Command:    argString(a, "command", ""),
				Timeout:    seconds(a, "timeout", 30),
				WorkingDir: argString(a, "working_dir", ""),
				TTY:        argBool(a, "tty", false),
			})
		},
	},
	{
		name: "list_processes",
		desc: "List running processes on the Mac",
		params: schema(
			opt("filter", "string", "Filter processes by name"),
			opt("limit", "integer", "Maximum number of processes to return (default: 20)"),
		),
		run: func(ctx context.Context, h *backend.Host, a map[string]any) backend.Result {
			return h.ListProcesses(ctx, argString(a, "filter", ""), argInt(a, "limit", 20))
		},
	},
	{
		name: "kill_process",
		desc: "Kill a process by PID or name",
		params: schema(
			req("target", "string", "Process ID or name to kill"),
			opt("force", "boolean", "Force kill with SIGKILL"),
		),
		run: func(ctx context.Context, h *backend.Host, a map[string]any) backend.Result {
			return h.KillProcess(ctx, argString(a, "target", ""), argBool(a, "force", false))
		},
	},
	{
		name:   "open_app",
		desc:   "Open an application or URL on the Mac",
		params: schema(req("target", "string", "Application name or URL to open")),
		run: func(ctx context.Context, h *backend.Host, a map[string]any) backend.Result {
			return h.OpenApp(ctx, argString(a, "target", ""))
		},
	},
	{
		name: "close_app",
		desc: "Close an application on the Mac",
		params: schema(
			req("app_name", "string", "Name of the application to close"),
			opt("force", "boolean", "Force quit the application"),
		),
		run: func(ctx context.Context, h *backend.Host, a map[string]any) backend.Result {
			return h.CloseApp(ctx, argString(a, "app_name", ""), argBool(a, "force", false))
		},
	},
	{
		name:   "list_apps",
		desc:   "List running applications on the Mac",
		params: schema(opt("limit", "integer", "Maximum number of apps to return (default: 20)")),
		run: func(ctx context.Context, h *backend.Host, a map[string]any) backend.Result {
			return h.ListApps(ctx, argInt(a, "limit", 20))
		},
	},
	{
		name:   "get_system_info",
		desc:   "Get system information about the Mac",
		params: schema(),
		run: func(ctx context.Context, h *backend.Host, _ map[string]any) backend.Result {
			return h.SystemInfo(ctx)
		},
	},
	{
		name:   "applescript",
		desc:   "Execute an AppleScript to control Mac applications",
		params: schema(req("script", "string", "The AppleScript code to execute")),
		run: func(ctx context.Context, h *backend.Host, a map[string]any) backend.Result {
			return h.AppleScript(ctx, argString(a, "script", ""))
		},
	},
	{
		name:   "read_file",
		desc:   "Read the contents of a file",
		params: schema(req("path", "string", "Path to the file to read")),
		run: func(ctx context.Context, h *backend.Host, a map[string]any) backend.Result {
			return h.ReadFile(ctx, argString(a, "path", ""))
		},
	},
	{
		name: "write_file",
		desc: "Write content to a file",
		params: schema(
			req("path", "string", "Path to the file to write"),
			req("content", "string", "Content to write"),
		),
		run: func(ctx context.Context, h *backend.Host, a map[string]any) backend.Result {
			return h.WriteFile(ctx, argString(a, "path", ""), argString(a, "content", ""))
		},
	},
	{
		name: "list_directory",
		desc: "List contents of a directory",
		params: schema(
			opt("path", "string", "Directory path (default: current directory)"),
			opt("show_hidden", "boolean", "Show hidden files"),
		),
		run: func(ctx context.Context, h *backend.Host, a map[string]any) backend.Result {
			return h.ListDirectory(ctx, argString(a, "path", "."), argBool(a, "show_hidden", false))
		},
	},
	{
		name: "search_files",
		desc: "Search for files matching a pattern",
		params: schema(
			req("pattern", "string", "Glob pattern to search for"),
			opt("path", "string", "Directory to search in"),
		),
		run: func(ctx context.Context, h *backend.Host, a map[string]any) backend.Result {
			return h.SearchFiles(ctx, argString(a, "pattern", ""), argString(a, "path", "."))
		},
	},
	{
		name: "fetch_url",
		desc: "Fetch content from a URL. Returns the HTML/text content of the webpage.",
		params: schema(
			req("url", "string", "The URL to fetch"),
			opt("text_only", "boolean", "Strip markup and return plain text"),
		),
		run: func(ctx context.Context, h *backend.Host, a map[string]any) backend.Result {
			return h.FetchURL(ctx, backend.FetchRequest{
				URL:      argString(a, "url", ""),
				TextOnly: argBool(a, "text_only", false),
			})
		},
	},
	{
		name:   "browser_navigate",
		desc:   "Navigate the browser to a URL",
		params: schema(req("url", "string", "The URL to navigate to")),
		run: func(ctx context.Context, h *backend.Host, a map[string]any) backend.Result {
			return h.Web.Navigate(ctx, argString(a, "url", ""))
		},
	},
	{
		name:   "browser_click",
		desc:   "Click an element on the page",
		params: schema(req("selector", "string", "CSS selector of the element to click")),
		run: func(ctx context.Context, h *backend.Host, a map[string]any) backend.Result {
			return h.Web.Click(ctx, argString(a, "selector", ""))
		},
	},
	{
		name: "browser_type",
		desc: "Type text into an input element",
		params: schema(
			req("selector", "string", "CSS selector of the input element"),
			req("text", "string", "Text to type"),
			opt("clear_first", "boolean", "Clear the field before typing (default: true)"),
		),
		run: func(ctx context.Context, h *backend.Host, a map[string]any) backend.Result {
			return h.Web.Type(ctx, argString(a, "selector", ""), argString(a, "text", ""), argBool(a, "clear_first", true))
		},
	},
	{
		name:   "browser_screenshot",
		desc:   "Take a screenshot of the current page",
		params: schema(opt("path", "string", "Path to save the screenshot")),
		run: func(ctx context.Context, h *backend.Host, a map[string]any) backend.Result {
			return h.Web.Screenshot(ctx, argString(a, "path", ""))
		},
	},
	{
		name:   "browser_get_content",
		desc:   "Get the text content of the page or an element",
		params: schema(opt("selector", "string", "CSS selector (default: whole page)")),
		run: func(ctx context.Context, h *backend.Host, a map[string]any) backend.Result {
			return h.Web.GetContent(ctx, argString(a, "selector", ""))
		},
	},
	{
		name: "browser_wait",
		desc: "Wait for an element to appear on the page",
		params: schema(
			req("selector", "string", "CSS selector to wait for"),
			opt("timeout", "integer", "Timeout in seconds (default: 30)"),
		),
		run: func(ctx context.Context, h *backend.Host, a map[string]any) backend.Result {
			return h.Web.Wait(ctx, argString(a, "selector", ""), seconds(a, "timeout", 30))
		},
	},
	{
		name: "browser_scroll",
		desc: "Scroll the page",
		params: schema(
			opt("x", "integer", "Horizontal scroll amount (default: 0)"),
			opt("y", "integer", "Vertical scroll amount (default: 500)"),
		),
		run: func(ctx context.Context, h *backend.Host, a map[string]any) backend.Result {
			return h.Web.Scroll(ctx, argInt(a, "x", 0), argInt(a, "y", 500))
		},
	},
	{
		name:   "browser_execute_script",
		desc:   "Execute JavaScript in the page",
		params: schema(req("script", "string", "JavaScript code to execute")),
		run: func(ctx context.Context, h *backend.Host, a map[string]any) backend.Result {
			return h.Web.ExecuteScript(ctx, argString(a, "script", ""))
		},
	},
	{
		name:   "browser_new_tab",
		desc:   "Open a new browser tab",
		params: schema(opt("url", "string", "URL to open (default: about:blank)")),
		run: func(ctx context.Context, h *backend.Host, a map[string]any) backend.Result {
			return h.Web.NewTab(ctx, argString(a, "url", "about:blank"))
		},
	},
	{
		name:   "browser_close_tab",
		desc:   "Close the current browser tab",
		params: schema(),
		run: func(ctx context.Context, h *backend.Host, _ map[string]any) backend.Result {
			return h.Web.CloseTab(ctx)
		},
	},
	{
		name:   "browser_get_url",
		desc:   "Get the URL of the current page",
		params: schema(),
		run: func(ctx context.Context, h *backend.Host, _ map[string]any) backend.Result {
			return h.Web.GetURL(ctx)
		},
	},
	{
		name:   "browser_reload",
		desc:   "Reload the current page",
		params: schema(),
		run: func(ctx context.Context, h *backend.Host, _ map[string]any) backend.Result {
			return h.Web.Reload(ctx)
		},
	},
	{
		name: "browser_press",
		desc: "Press a keyboard key, optionally on an element",
		params: schema(
			opt("selector", "string", "CSS selector of the element to focus"),
			req("key", "string", "Key to press, e.g. Enter or Tab"),
		),
		run: func(ctx context.Context, h *backend.Host, a map[string]any) backend.Result {
			return h.Web.PressKey(ctx, argString(a, "selector", ""), argString(a, "key", ""))
		},
	},
	{
		name: "browser_select",
		desc: "Select an option in a dropdown",
		params: schema(
			req("selector", "string", "CSS selector of the select element"),
			req("value", "string", "Value of the option to select"),
		),
		run: func(ctx context.Context, h *backend.Host, a map[string]any) backend.Result {
			return h.Web.SelectOption(ctx, argString(a, "selector", ""), argString(a, "value", ""))
		},
	},
	{
		name: "browser_get_attribute",
		desc: "Get an attribute value of an element",
		params: schema(
			req("selector", "string", "CSS selector of the element"),
			req("attribute", "string", "Attribute name"),
		),
		run: func(ctx context.Context, h *backend.Host, a map[string]any) backend.Result {
			return h.Web.GetAttribute(ctx, argString(a, "selector", ""), argString(a, "attribute", ""))
		},
	},
}

// Builtins returns the built-in tools bound to h, in their fixed order.
func Builtins(h *backend.Host) []agent.Tool {
	out := make([]agent.Tool, len(builtinTable))
	for i, b := range builtinTable {
		out[i] = b.tool(h)
	}
	return out
}

// primitive is a fallback entry: reachable by name from the model but
// not advertised in Describe.
type primitive struct {
	run func(ctx context.Context, h *backend.Host, args map[string]any) backend.Result
}

var primitives = map[string]primitive{}

func init() {
	for _, b := range builtinTable {
		primitives[b.name] = primitive{run: b.run}
	}
	for prefix, pick := range map[string]func(*backend.Host) *backend.AppController{
		"safari": func(h *backend.Host) *backend.AppController { return h.Safari },
		"chrome": func(h *backend.Host) *backend.AppController { return h.Chrome },
	} {
		pick := pick
		primitives[prefix+"_open"] = primitive{func(ctx context.Context, h *backend.Host, a map[string]any) backend.Result {
			return pick(h).Open(ctx, argString(a, "url", ""))
		}}
		primitives[prefix+"_navigate"] = primitive{func(ctx context.Context, h *backend.Host, a map[string]any) backend.Result {
			return pick(h).Navigate(ctx, argString(a, "url", ""))
		}}
		primitives[prefix+"_get_content"] = primitive{func(ctx context.Context, h *backend.Host, _ map[string]any) backend.Result {
			return pick(h).GetContent(ctx)
		}}
		primitives[prefix+"_click"] = primitive{func(ctx context.Context, h *backend.Host, a map[string]any) backend.Result {
			return pick(h).Click(ctx, argString(a, "selector", ""))
		}}
		primitives[prefix+"_type"] = primitive{func(ctx context.Context, h *backend.Host, a map[string]any) backend.Result {
			return pick(h).Type(ctx, argString(a, "selector", ""), argString(a, "text", ""))
		}}
		primitives[prefix+"_press"] = primitive{func(ctx context.Context, h *backend.Host, a map[string]any) backend.Result {
			return pick(h).PressKey(ctx, argString(a, "key", ""))
		}}
	}
	primitives["browser_cleanup"] = primitive{func(ctx context.Context, h *backend.Host, _ map[string]any) backend.Result {
		return h.Web.Cleanup(ctx)
	}}
}
