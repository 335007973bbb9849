// Command tars runs one LangTARS command and prints a JSON envelope. With
// -server it asks a running server; otherwise it runs the command in
// process against the local config.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	langtars "github.com/langbot-app/LangTARS"
	"github.com/langbot-app/LangTARS/backend"
	"github.com/langbot-app/LangTARS/dispatcher"
)

type envelope struct {
	OK      bool   `json:"ok"`
	Command string `json:"command"`
	Reply   string `json:"reply,omitempty"`
	Error   string `json:"error,omitempty"`
}

func main() {
	configPath := flag.String("config", langtars.DefaultConfigPath, "Path to config.yaml")
	server := flag.String("server", "", "LangTARS server URL, e.g. http://127.0.0.1:8700")
	token := flag.String("token", os.Getenv("LANGTARS_TOKEN"), "Bearer token for the server")
	timeout := flag.Duration("timeout", 2*time.Minute, "Command timeout")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: tars [flags] <command> [args...]")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	name := flag.Arg(0)
	rest := strings.Join(flag.Args()[1:], " ")
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var env envelope
	if *server != "" {
		env = remote(ctx, *server, *token, name, rest)
	} else {
		env = local(ctx, *configPath, name, rest)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(env)
	if !env.OK {
		os.Exit(1)
	}
}

// local runs capability commands directly. Commands that need a task
// engine are only available through a server.
func local(ctx context.Context, configPath, name, rest string) envelope {
	env := envelope{Command: name}
	fc, err := langtars.LoadFileConfig(configPath)
	if err != nil {
		env.Error = err.Error()
		return env
	}
	d := dispatcher.New(dispatcher.Options{Host: backend.New(fc.Backend())})
	canonical, ok := d.Resolve(name)
	if !ok {
		env.Error = "unknown command: " + name
		return env
	}
	switch canonical {
	case "auto", "stop", "config", "logs":
		env.Error = canonical + " needs a running server (use -server)"
		return env
	}
	env.OK = true
	env.Reply = d.Execute(ctx, name, rest, nil)
	return env
}

func remote(ctx context.Context, server, token, name, rest string) envelope {
	env := envelope{Command: name}
	body, _ := json.Marshal(map[string]string{"command": name, "args": rest})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/commands", bytes.NewReader(body))
	if err != nil {
		env.Error = err.Error()
		return env
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		env.Error = err.Error()
		return env
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		env.Error = err.Error()
		return env
	}

	var out struct {
		Reply string `json:"reply"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		env.Error = fmt.Sprintf("unexpected response (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
		return env
	}
	if resp.StatusCode != http.StatusOK {
		env.Error = out.Error
		return env
	}
	env.OK = true
	env.Reply = out.Reply
	return env
}
