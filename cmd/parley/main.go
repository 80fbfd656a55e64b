package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"parley/internal/api"
	"parley/internal/app"
	"parley/internal/config"
	"parley/internal/logging"
	"parley/internal/run"
	"parley/internal/store"
	"parley/internal/types"
)

const usageText = `parley drives a long-running agent that pauses for your approval.

Usage:
  parley <command> [flags]

Commands:
  ui        interactive session (default)
  send      submit one request and print the reply
  threads   list conversation threads
  rename    rename a thread
  delete    delete a thread
  restore   restore a deleted thread
  watch     follow a thread's live event stream
  login     store the API token
  version   print version
  help      show help

Examples:
  parley send "summarize the q3 incident reports"
  parley ui --thread th_12345
  parley watch th_12345
`

const version = "dev"

func printUsage() {
	fmt.Fprint(os.Stderr, usageText)
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		exitOnErr("ui", runUI(nil))
		return
	}

	switch args[0] {
	case "-h", "--help", "help":
		printUsage()
	case "ui":
		exitOnErr("ui", runUI(args[1:]))
	case "send":
		exitOnErr("send", runSend(args[1:]))
	case "threads":
		exitOnErr("threads", runThreads(args[1:]))
	case "rename":
		exitOnErr("rename", runRename(args[1:]))
	case "delete":
		exitOnErr("delete", runDelete(args[1:]))
	case "restore":
		exitOnErr("restore", runRestore(args[1:]))
	case "watch":
		exitOnErr("watch", runWatch(args[1:]))
	case "login":
		exitOnErr("login", runLogin(args[1:]))
	case "version":
		fmt.Println(buildVersion())
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func runUI(args []string) error {
	fs := flag.NewFlagSet("ui", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	threadID := fs.String("thread", "", "resume an existing thread")
	noPlanning := fs.Bool("no-planning", false, "disable the planning phase")
	explainer := fs.Bool("explainer", false, "enable explainer output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	client, err := api.NewFromConfig(cfg)
	if err != nil {
		return err
	}

	logPath, err := logPath()
	if err != nil {
		return err
	}
	log, closer, err := logging.NewFile(logPath, logging.ParseLevel(cfg.LogLevel()))
	if err != nil {
		return err
	}
	defer closer.Close()

	threadStore, err := openStore()
	if err != nil {
		log.Warn("local store unavailable", logging.F("err", err))
	} else {
		defer threadStore.Close()
	}

	usePlanning := cfg.UsePlanning()
	if *noPlanning {
		usePlanning = false
	}
	useExplainer := cfg.UseExplainer()
	if *explainer {
		useExplainer = true
	}

	return app.Run(app.Config{
		Client:       client,
		Store:        threadStore,
		Log:          log,
		ThreadID:     strings.TrimSpace(*threadID),
		UsePlanning:  usePlanning,
		UseExplainer: useExplainer,
	})
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	threadID := fs.String("thread", "", "continue an existing thread")
	noPlanning := fs.Bool("no-planning", false, "disable the planning phase")
	if err := fs.Parse(args); err != nil {
		return err
	}
	request := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if request == "" {
		return errors.New("usage: parley send [flags] <request>")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	client, err := api.NewFromConfig(cfg)
	if err != nil {
		return err
	}

	driverCfg := run.Config{
		API:          client,
		Log:          logging.New(os.Stderr, logging.Warn),
		ThreadID:     strings.TrimSpace(*threadID),
		UsePlanning:  cfg.UsePlanning() && !*noPlanning,
		UseExplainer: cfg.UseExplainer(),
	}
	if threadStore, storeErr := openStore(); storeErr == nil {
		driverCfg.Store = cliStore{inner: threadStore}
		defer threadStore.Close()
	}
	driver := run.NewDriver(driverCfg)
	defer driver.Close()

	if err := driver.Send(context.Background(), request); err != nil {
		return err
	}

	// Follow the run until it pauses or ends. Interrupt detaches cleanly.
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	printed := 0
	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-interrupt:
			fmt.Fprintln(os.Stderr, "detached; the run continues server-side")
			return nil
		case <-ticker.C:
		}
		snapshot := driver.Snapshot()
		text := lastAssistantText(snapshot.Messages)
		if len(text) > printed {
			fmt.Print(text[printed:])
			printed = len(text)
		}
		if snapshot.Streaming {
			continue
		}
		switch snapshot.State {
		case types.RunAwaitingApproval:
			fmt.Printf("\n\nthe agent is waiting for your decision; run: parley ui --thread %s\n", snapshot.ThreadID)
			return nil
		case types.RunFinished, types.RunCancelled:
			fmt.Println()
			return nil
		case types.RunError:
			fmt.Println()
			return errors.New("the run failed; see the transcript above")
		}
	}
}

func runThreads(args []string) error {
	fs := flag.NewFlagSet("threads", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	local := fs.Bool("local", false, "list the local copy instead of the server's")
	all := fs.Bool("all", false, "include deleted threads (local only)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *local {
		threadStore, err := openStore()
		if err != nil {
			return err
		}
		defer threadStore.Close()
		threads, err := threadStore.ListThreads(context.Background(), *all)
		if err != nil {
			return err
		}
		printThreads(threads)
		return nil
	}

	client, err := clientFromConfig()
	if err != nil {
		return err
	}
	threads, err := client.ListThreads(context.Background())
	if err != nil {
		return err
	}
	printThreads(threads)
	return nil
}

func runRename(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: parley rename <thread-id> <title>")
	}
	id := strings.TrimSpace(args[0])
	title := strings.TrimSpace(strings.Join(args[1:], " "))

	client, err := clientFromConfig()
	if err != nil {
		return err
	}
	thread, err := client.RenameThread(context.Background(), id, title)
	if err != nil {
		return err
	}
	syncLocalThread(thread)
	fmt.Printf("renamed %s to %q\n", thread.ID, thread.Title)
	return nil
}

func runDelete(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: parley delete <thread-id>")
	}
	id := strings.TrimSpace(args[0])

	client, err := clientFromConfig()
	if err != nil {
		return err
	}
	if err := client.DeleteThread(context.Background(), id); err != nil {
		return err
	}
	if threadStore, storeErr := openStore(); storeErr == nil {
		defer threadStore.Close()
		_ = threadStore.DeleteThread(context.Background(), id)
	}
	fmt.Printf("deleted %s\n", id)
	return nil
}

func runRestore(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: parley restore <thread-id>")
	}
	id := strings.TrimSpace(args[0])

	client, err := clientFromConfig()
	if err != nil {
		return err
	}
	thread, err := client.RestoreThread(context.Background(), id)
	if err != nil {
		return err
	}
	syncLocalThread(thread)
	fmt.Printf("restored %s\n", thread.ID)
	return nil
}

func runWatch(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: parley watch <thread-id>")
	}
	id := strings.TrimSpace(args[0])

	client, err := clientFromConfig()
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	stream, err := client.StreamThread(context.Background(), id, api.StreamCallbacks{
		OnEvent: printWatchEvent,
		OnParseError: func(err error) {
			fmt.Fprintf(os.Stderr, "skipped malformed event: %v\n", err)
		},
		OnComplete: func() { done <- nil },
		OnError:    func(err error) { done <- err },
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	select {
	case err := <-done:
		return err
	case <-interrupt:
		return nil
	}
}

func runLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	token := fs.String("token", "", "API token (prompted when omitted)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	value := strings.TrimSpace(*token)
	if value == "" {
		fmt.Fprint(os.Stderr, "token: ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		value = strings.TrimSpace(line)
	}
	if value == "" {
		return errors.New("token is required")
	}

	path, err := config.TokenPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(value+"\n"), 0o600); err != nil {
		return err
	}
	fmt.Printf("token written to %s\n", path)
	return nil
}

func printWatchEvent(event types.StreamEvent) {
	switch event.Type {
	case types.EventToken, types.EventMessage:
		if event.Token != nil && event.Token.Content != "" {
			fmt.Print(event.Token.Content)
		}
	case types.EventToolCall:
		if event.ToolCall != nil {
			fmt.Printf("\n[tool_call %s %s]\n", event.ToolCall.ID(), event.ToolCall.ToolName)
		}
	case types.EventToolResult:
		if event.ToolResult != nil {
			fmt.Printf("\n[tool_result %s]\n", event.ToolResult.ToolCallID)
		}
	case types.EventStatus:
		if event.Status != nil {
			fmt.Printf("\n[status %s %s]\n", event.Status.Status, event.Status.ResponseType)
		}
	case types.EventError:
		fmt.Printf("\n[error] %s\n", event.Err.Text())
	}
}

func printThreads(threads []*types.Thread) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tUPDATED\tSTATE")
	for _, thread := range threads {
		state := ""
		if thread.Deleted() {
			state = "deleted"
		}
		updated := ""
		if !thread.UpdatedAt.IsZero() {
			updated = thread.UpdatedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", thread.ID, thread.Title, updated, state)
	}
	_ = w.Flush()
}

func clientFromConfig() (*api.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return api.NewFromConfig(cfg)
}

func openStore() (*store.BboltStore, error) {
	path, err := config.StorePath()
	if err != nil {
		return nil, err
	}
	return store.Open(path)
}

func logPath() (string, error) {
	dataDir, err := config.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "parley.log"), nil
}

func syncLocalThread(thread *types.Thread) {
	if thread == nil {
		return
	}
	if threadStore, err := openStore(); err == nil {
		defer threadStore.Close()
		_, _ = threadStore.PutThread(context.Background(), thread)
	}
}

// cliStore adapts the bbolt store to the driver's persistence hooks.
type cliStore struct {
	inner *store.BboltStore
}

func (s cliStore) PutThread(thread *types.Thread) error {
	_, err := s.inner.PutThread(context.Background(), thread)
	return err
}

func (s cliStore) PutMessage(message *types.Message) error {
	return s.inner.PutMessage(context.Background(), message)
}

func lastAssistantText(messages []*types.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleAssistant {
			return messages[i].Text()
		}
	}
	return ""
}

func exitOnErr(label string, err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", label, err)
	os.Exit(1)
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return version
}
