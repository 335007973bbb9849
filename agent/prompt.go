package agent

import (
	"fmt"
	"strings"
)

// SystemPrompt teaches the model the directive grammar the engine parses.
const SystemPrompt = `You are a task planning assistant. Your job is to help users accomplish tasks on their computer by calling tools.

AVAILABLE TOOLS:
You MUST use the tools listed in the user message to accomplish tasks. NEVER claim you cannot do something without trying the tools first.

## Response Format - VERY IMPORTANT:

When you need to execute a tool, respond with ONLY a JSON object in this exact format:
{"tool": "tool_name", "arguments": {"param1": "value1", "param2": "value2"}}

When the task is COMPLETED, respond with ONLY:
DONE: Your summary here

When you have made progress and want to keep going without calling a tool, respond with ONLY:
WORKING: What you have done so far and what comes next

When you need a capability that no tool provides, respond with ONLY:
NEED_SKILL: Description of what capability you need

## Examples:

User: "List files in current directory"
Response: {"tool": "shell", "arguments": {"command": "ls -la"}}

User: "Open Safari and go to github.com"
Response: {"tool": "safari_navigate", "arguments": {"url": "https://github.com"}}

User: "Open Chrome and search for AI news"
Response: {"tool": "chrome_navigate", "arguments": {"url": "https://www.google.com/search?q=AI+news"}}

User: "Open a website"
Response: {"tool": "browser_navigate", "arguments": {"url": "https://example.com"}}

User: "What's the weather?"
Response: {"tool": "fetch_url", "arguments": {"url": "https://wttr.in/?format=3"}}

User: "Task complete, show result"
Response: DONE: Successfully completed the task...

## Browser Selection Rules:
- If the user says "open website" WITHOUT naming a browser, use browser_navigate
- If the user says "open Safari" or "use Safari", use safari_navigate
- If the user says "open Chrome" or "use Chrome", use chrome_navigate
- For Safari: safari_open, safari_navigate, safari_get_content, safari_click, safari_type, safari_press
- For Chrome: chrome_open, chrome_navigate, chrome_get_content, chrome_click, chrome_type, chrome_press
- For general web automation: browser_navigate, browser_click, browser_type, browser_screenshot, browser_get_content

## Important Rules:
1. ALWAYS try to use available tools before giving up
2. ALWAYS respond with valid JSON when calling tools
3. NEVER respond with natural language text when tools are needed
4. Use browser_* tools for general web automation
5. Use safari_* tools when the user specifically mentions Safari
6. Use chrome_* tools when the user specifically mentions Chrome
7. Use shell for terminal commands
8. Use fetch_url to get web page content

If no tool can accomplish the user's request, respond with NEED_SKILL: and describe what you need.
`

// Reminder is the transient user message sent at the end of every model
// request. It restates the task and the current tool list.
func Reminder(task, toolDescription string) string {
	return task + "\n\nIMPORTANT: Use a tool to complete this task. Available tools:\n" +
		toolDescription +
		"\n\nRemember: Respond with JSON format only: {\"tool\": \"name\", \"arguments\": {...}}, or DONE: / WORKING: / NEED_SKILL: as described."
}

const nextStepHint = "\n\nNext: respond with another JSON tool call, WORKING: <progress>, or DONE: <summary>."

const invalidNudge = `Your last response was not understood. Respond with exactly one of:
{"tool": "name", "arguments": {...}}
WORKING: <progress>
DONE: <summary>
NEED_SKILL: <capability>`

func toolResultMessage(result string) string {
	return result + nextStepHint
}

func continueMessage(progress string) string {
	return "Continue with the task. Progress so far: " + progress
}

func skillInstalledMessage(tool, rest string) string {
	return fmt.Sprintf("Skill %s has been installed and is now available as a tool. Continue with: %s", tool, rest)
}

func stoppedText(lastResult string) string {
	if lastResult == "" {
		return "Task has been stopped by user."
	}
	return "Task has been stopped by user.\nLast result:\n" + lastResult
}

func stoppedAfterToolText(result string) string {
	return "Task stopped by user. Last result:\n" + result
}

func maxIterationsText(n int, lastResult string) string {
	if lastResult == "" {
		return fmt.Sprintf("Task reached maximum iterations (%d) without completion.", n)
	}
	return fmt.Sprintf("Task reached maximum iterations (%d). Progress so far:\n%s", n, lastResult)
}

func abortText(n int, last string) string {
	return fmt.Sprintf("Task aborted: the model returned %d consecutive responses that were neither a tool call nor a directive. Last response:\n%s", n, last)
}

func rateLimitText(err error) string {
	msg := err.Error()
	if r := []rune(msg); len(r) > 200 {
		msg = string(r[:200])
	}
	return "Model API calls are too frequent or the account balance is insufficient.\n\n" +
		"Please check:\n" +
		"1. Whether the API account has enough balance\n" +
		"2. Whether the API key is being rate limited\n" +
		"3. Try again in a moment\n\n" +
		"Details: " + msg
}

func errorText(err error) string {
	return "Error during execution: " + err.Error()
}

// SkillSuggestion tells the user how to obtain a missing capability.
func SkillSuggestion(need string, hints []SkillHint) string {
	var sb strings.Builder
	sb.WriteString("Sorry, I couldn't complete this task because a required tool or skill is missing.\n\n")
	fmt.Fprintf(&sb, "Skill needed: %s\n", need)

	if len(hints) > 0 {
		sb.WriteString("\nRelated skills found:\n")
		for i, h := range hints {
			if i == 5 {
				break
			}
			if h.Description != "" {
				fmt.Fprintf(&sb, "- %s: %s\n", h.Name, h.Description)
			} else {
				fmt.Fprintf(&sb, "- %s\n", h.Name)
			}
		}
	}

	sb.WriteString("\nOptions:\n")
	sb.WriteString("1. Install a skill into ~/.claude/skills/, for example:\n")
	sb.WriteString("   git clone https://github.com/langbot-app/clawhub-weather.git ~/.claude/skills/weather\n")
	sb.WriteString("2. Configure an MCP server that provides this capability\n")
	sb.WriteString("3. Do the task manually\n")
	sb.WriteString("\nCommon skill repositories:\n")
	sb.WriteString("- weather: https://github.com/langbot-app/clawhub-weather\n")
	sb.WriteString("- email: https://github.com/langbot-app/clawhub-email\n")
	return sb.String()
}
