// Command langtars-worker runs one task in its own process. The server
// starts it with an encoded task token as the last argument, reads
// progress lines from stdout and the task status from the exit code.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	langtars "github.com/langbot-app/LangTARS"
	"github.com/langbot-app/LangTARS/agent"
	"github.com/langbot-app/LangTARS/isolate"
	"github.com/langbot-app/LangTARS/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: langtars-worker <token>")
		return isolate.ExitError
	}
	args, err := isolate.DecodeArgs(os.Args[len(os.Args)-1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return isolate.ExitError
	}

	configPath := args.ConfigPath
	if configPath == "" {
		configPath = langtars.DefaultConfigPath
	}
	fc, err := langtars.LoadFileConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return isolate.ExitError
	}

	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = fc.LogLevel
	}
	logger, closeLog := logging.Setup(logging.Options{
		Level:      logging.ParseLevel(level),
		Stderr:     os.Stderr,
		JSONStderr: true,
	})
	defer closeLog()
	logger = logger.With("task_id", args.TaskID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Records are kept by the parent from the exit code, so the worker
	// uses the in-memory store.
	core, err := langtars.NewCore(ctx, fc, langtars.CoreOptions{
		RedisURL: os.Getenv("REDIS_URL"),
		Logger:   logger,
	})
	if err != nil {
		logger.Error("build engine", "error", err)
		return isolate.ExitError
	}
	defer core.Close()

	// The first SIGTERM asks the task to stop at its next check; a second
	// one cancels it outright.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("stop requested by parent")
		core.Engine.Exec().Stop()
		<-sigCh
		cancel()
	}()

	fmt.Fprintln(os.Stdout, isolate.StartLine(args))
	_, results, err := core.Engine.Go(ctx, agent.Request{
		TaskID:        args.TaskID,
		Description:   args.Description,
		MaxIterations: args.MaxIterations,
		Model:         args.Model,
	}, isolate.Printer(os.Stdout))
	if err != nil {
		logger.Error("start task", "error", err)
		return isolate.ExitError
	}
	res := <-results
	logger.Info("task finished", "status", res.Status, "iterations", res.Iterations)
	return isolate.ExitCode(res.Status)
}
