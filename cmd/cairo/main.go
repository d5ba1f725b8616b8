// Cairo CLI
//
// Works on a directory tracked as a versioned tree. History lives in
// .cairo/ next to the files.
//
// Sub-commands:
//
//	cairo init                    Start tracking the current directory
//	cairo commit                  Record filesystem changes as a new version
//	cairo status                  Show tree summary and pending changes
//	cairo log                     List recorded versions
//	cairo gate <time> [flags]     Materialize the tree as it was at a time
//	cairo search <query>          Search full history for text
//	cairo login [flags]           Obtain a server token
//	cairo sync [flags]            Run a sync session against the server
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/pweids/cairo/pkg/client"
	"github.com/pweids/cairo/pkg/models"
	"github.com/pweids/cairo/pkg/syncer"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "init":
		err = cmdInit(os.Args[2:])
	case "commit":
		err = cmdCommit(os.Args[2:])
	case "status":
		err = cmdStatus(os.Args[2:])
	case "log":
		err = cmdLog(os.Args[2:])
	case "gate":
		err = cmdGate(os.Args[2:])
	case "search":
		err = cmdSearch(os.Args[2:])
	case "login":
		err = cmdLogin(os.Args[2:])
	case "sync":
		err = cmdSync(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: cairo <command> [flags]

commands:
  init      start tracking the current directory
  commit    record filesystem changes as a new version
  status    show tree summary and pending changes
  log       list recorded versions
  gate      materialize the tree as it was at a time
  search    search full history for text
  login     obtain a server token
  sync      run a sync session against the server
`)
}

func cmdInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	server := fs.String("server", "", "Server URL to sync with")
	fs.Parse(args)

	ws, err := initWorkspace(".", *server)
	if err != nil {
		return err
	}
	v, err := ws.walker.Scan()
	if err != nil {
		return err
	}
	if err := ws.save(); err != nil {
		return err
	}
	if v.IsZero() {
		fmt.Println("initialized empty tree")
	} else {
		fmt.Printf("initialized, %d nodes at version %s\n", ws.tree.Len(), v.ID)
	}
	return nil
}

func cmdCommit(args []string) error {
	fs := flag.NewFlagSet("commit", flag.ExitOnError)
	fs.Parse(args)

	ws, err := openWorkspace(".")
	if err != nil {
		return err
	}
	v, err := ws.walker.Scan()
	if err != nil {
		return err
	}
	if v.IsZero() {
		fmt.Println("nothing to commit")
		return nil
	}
	if err := ws.save(); err != nil {
		return err
	}
	fmt.Printf("committed version %s\n", v.ID)
	return nil
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fs.Parse(args)

	ws, err := openWorkspace(".")
	if err != nil {
		return err
	}

	led := ws.tree.Ledger()
	fmt.Printf("nodes:    %d\n", ws.tree.Len())
	fmt.Printf("versions: %d\n", led.Len())
	if head, ok := led.Head(); ok {
		fmt.Printf("head:     %s (%s)\n", head.ID, head.Time.Format(time.RFC3339))
	}
	if ws.config.Server != "" {
		fmt.Printf("server:   %s\n", ws.config.Server)
	}

	pending, err := ws.hasPendingChanges()
	if err != nil {
		return err
	}
	if pending {
		fmt.Println("changes:  uncommitted changes on disk (run 'cairo commit')")
	} else {
		fmt.Println("changes:  none")
	}
	return nil
}

func cmdLog(args []string) error {
	fs := flag.NewFlagSet("log", flag.ExitOnError)
	limit := fs.Int("n", 0, "Show only the last N versions (0 = all)")
	fs.Parse(args)

	ws, err := openWorkspace(".")
	if err != nil {
		return err
	}

	led := ws.tree.Ledger()
	versions := led.Versions()
	start := 0
	if *limit > 0 && len(versions) > *limit {
		start = len(versions) - *limit
	}
	// Newest first.
	for i := len(versions) - 1; i >= start; i-- {
		v := versions[i]
		origin, _ := led.OriginOf(v.ID)
		fmt.Printf("%s  %s  %s\n", v.ID, v.Time.Format(time.RFC3339), origin)
	}
	return nil
}

func cmdGate(args []string) error {
	fs := flag.NewFlagSet("gate", flag.ExitOnError)
	out := fs.String("out", "cairo-gate", "Directory to materialize into")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return errors.New("usage: cairo gate <RFC3339 time | duration ago> [-out dir]")
	}

	ws, err := openWorkspace(".")
	if err != nil {
		return err
	}

	at, err := parseInstant(fs.Arg(0))
	if err != nil {
		return err
	}

	// Latest version at or before the instant.
	var asOf models.Version
	for _, v := range ws.tree.Ledger().Versions() {
		if v.Time.After(at) {
			break
		}
		asOf = v
	}
	if asOf.IsZero() {
		return fmt.Errorf("no versions at or before %s", at.Format(time.RFC3339))
	}

	if err := os.MkdirAll(*out, 0o755); err != nil {
		return err
	}
	if err := ws.walker.Materialize(*out, asOf); err != nil {
		return err
	}
	fmt.Printf("materialized version %s into %s\n", asOf.ID, *out)
	return nil
}

// parseInstant accepts an RFC3339 timestamp or a duration meaning "that
// long ago".
func parseInstant(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as RFC3339 time or duration", s)
}

func cmdSearch(args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 1 {
		return errors.New("usage: cairo search <query>")
	}

	ws, err := openWorkspace(".")
	if err != nil {
		return err
	}
	hits, err := ws.tree.Search(strings.Join(fs.Args(), " "))
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		fmt.Println("no matches")
		return nil
	}
	for _, h := range hits {
		fmt.Printf("%s  %s  (%s)\n", h.Path, h.Version.ID, h.Version.Time.Format(time.RFC3339))
	}
	return nil
}

func cmdLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	server := fs.String("server", "", "Server URL (defaults to the workspace's)")
	user := fs.String("user", "", "Username (required)")
	fs.Parse(args)

	ws, err := openWorkspace(".")
	if err != nil {
		return err
	}
	if *server != "" {
		ws.config.Server = *server
	}
	if ws.config.Server == "" {
		return errors.New("no server configured; pass -server")
	}
	if *user == "" {
		return errors.New("-user is required")
	}

	password, err := readPassword()
	if err != nil {
		return err
	}

	cli := client.New(client.Config{BaseURL: ws.config.Server})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := cli.Login(ctx, *user, password, hostname()); err != nil {
		return err
	}

	ws.config.Username = *user
	ws.config.Token = cli.AuthToken()
	if err := ws.saveConfig(); err != nil {
		return err
	}
	fmt.Printf("logged in to %s as %s\n", ws.config.Server, *user)
	return nil
}

func cmdSync(args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	policy := fs.String("policy", "", "Collision policy: local, remote or abort (default: ask)")
	fs.Parse(args)

	ws, err := openWorkspace(".")
	if err != nil {
		return err
	}
	if ws.config.Server == "" {
		return errors.New("no server configured; run 'cairo login -server <url>' first")
	}

	// Commit pending disk changes first so the session sees them.
	if v, err := ws.walker.Scan(); err != nil {
		return err
	} else if !v.IsZero() {
		fmt.Printf("committed version %s\n", v.ID)
	}

	cli := client.New(client.Config{
		BaseURL:   ws.config.Server,
		AuthToken: ws.config.Token,
	})
	engine := syncer.New(ws.tree, ws.clk)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	res, err := engine.Sync(ctx, cli)
	if err != nil {
		return err
	}

	if res.State == syncer.StateAwaitingTimelineChoice {
		res, err = resolveCollisions(ctx, engine, res, *policy)
		if err != nil {
			return err
		}
	}

	if err := ws.save(); err != nil {
		return err
	}
	if err := ws.walker.Materialize(ws.dir, models.Version{}); err != nil {
		return err
	}
	fmt.Printf("sync complete: pulled %d, pushed %d\n", res.Pulled, res.Pushed)
	return nil
}

// resolveCollisions applies the collision policy, asking interactively
// when none was given.
func resolveCollisions(ctx context.Context, engine *syncer.Engine, res *syncer.Result, policy string) (*syncer.Result, error) {
	fmt.Printf("%d collision(s) detected:\n", len(res.Collisions))
	for _, c := range res.Collisions {
		fmt.Printf("  node %s field %s: local %s vs remote %s\n",
			c.Node, c.Field, c.LocalVersion.ID, c.RemoteVersion.ID)
	}

	for _, c := range res.Collisions {
		var tl syncer.Timeline
		switch policy {
		case "local":
			tl = syncer.TimelineLocal
		case "remote":
			tl = syncer.TimelineRemote
		case "abort":
			engine.Abort()
			return nil, errors.New("sync aborted: collisions unresolved")
		case "":
			choice, err := askTimeline(c)
			if err != nil {
				engine.Abort()
				return nil, err
			}
			tl = choice
		default:
			engine.Abort()
			return nil, fmt.Errorf("unknown policy %q (want local, remote or abort)", policy)
		}
		if err := engine.ChooseTimeline(c.Node, tl); err != nil {
			return nil, err
		}
	}
	return engine.Resume(ctx)
}

func askTimeline(c syncer.Collision) (syncer.Timeline, error) {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Printf("keep which timeline for node %s field %s? [l]ocal / [r]emote: ", c.Node, c.Field)
		line, err := reader.ReadString('\n')
		if err != nil {
			return 0, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "l", "local":
			return syncer.TimelineLocal, nil
		case "r", "remote":
			return syncer.TimelineRemote, nil
		}
	}
}

func readPassword() (string, error) {
	fmt.Fprint(os.Stderr, "password: ")
	data, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "cairo-cli"
	}
	return h
}
