// Pkgctl sends one command to a running pkgd and prints the replies.
//
//	pkgctl [flags] <command> [key=value ...]
//
// The command is any protocol command (find-packages, install-package,
// add-feed, get-policy, ...) or one of the shorthands install, remove,
// find, status. A require-remote-file prompt is answered by fetching the
// first usable remote location.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ggoodman/pkgd/client"
	"github.com/ggoodman/pkgd/internal/recognize"
	"github.com/ggoodman/pkgd/protocol"
	"github.com/spf13/pflag"
)

var shorthands = map[string]struct{ command, key string }{
	"install": {protocol.CmdInstallPackage, "canonical-name"},
	"remove":  {protocol.CmdRemovePackage, "canonical-name"},
	"find":    {protocol.CmdFindPackages, "name"},
	"status":  {protocol.CmdGetEngineStatus, ""},
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("pkgctl", pflag.ContinueOnError)
	runDir := fs.String("run-dir", envOr("PKGD_RUN_DIR", "/run/pkgd"), "pkgd run directory")
	session := fs.String("session", "", "session id to create or resume")
	halfDuplex := fs.Bool("half-duplex", false, "receive replies on a separate response socket")
	timeout := fs.Duration("timeout", 10*time.Minute, "give up after this long")
	verbose := fs.BoolP("verbose", "v", false, "log client diagnostics")
	fs.SetInterspersed(false)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("usage: pkgctl [flags] <command> [key=value ...]")
	}

	env, err := buildEnvelope(fs.Args())
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	opts := []client.Option{client.WithClientID("pkgctl"), client.WithLogger(log)}
	if *session != "" {
		opts = append(opts, client.WithSessionID(*session))
	}
	if *halfDuplex {
		opts = append(opts, client.WithHalfDuplex())
	}
	c, err := client.Dial(ctx, *runDir, opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	call, err := c.Send(env)
	if err != nil {
		return err
	}
	for {
		select {
		case ev, ok := <-call.Events():
			if !ok {
				return call.Err()
			}
			fmt.Println(format(ev))
			if ev.Command == protocol.EvtRequireRemoteFile {
				go acquire(ctx, c, ev, log)
			}
		case <-ctx.Done():
			c.Abandon(call)
			return ctx.Err()
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// buildEnvelope turns "command k=v k=v" into an envelope. A bare argument
// after a shorthand fills its main parameter.
func buildEnvelope(args []string) (*protocol.Envelope, error) {
	cmd, rest := args[0], args[1:]
	sh, isShort := shorthands[cmd]
	if isShort {
		cmd = sh.command
	}
	env := protocol.New(cmd)
	for _, arg := range rest {
		k, v, ok := strings.Cut(arg, "=")
		switch {
		case ok:
			env.Set(k, v)
		case isShort && sh.key != "":
			env.Set(sh.key, arg)
		default:
			return nil, fmt.Errorf("argument %q is not key=value", arg)
		}
	}
	return env, nil
}

func format(env *protocol.Envelope) string {
	var b strings.Builder
	b.WriteString(env.Command)
	for _, p := range env.Pairs() {
		if p.Key == protocol.RequestIDKey {
			continue
		}
		fmt.Fprintf(&b, " %s=%q", p.Key, p.Value)
	}
	return b.String()
}

// acquire answers require-remote-file. The fetched file is handed back with
// recognize-file; when nothing can be fetched the engine is told so.
func acquire(ctx context.Context, c *client.Client, ev *protocol.Envelope, log *slog.Logger) {
	canonical := ev.Get("canonical-name")
	dest := ev.Get("destination")

	for _, loc := range ev.Collection("remote-locations") {
		local, err := fetch(ctx, c, canonical, loc, dest)
		if err != nil {
			log.Warn("pkgctl.fetch.err", slog.String("location", loc), slog.String("err", err.Error()))
			continue
		}
		send(ctx, c, protocol.New(protocol.CmdRecognizeFile).
			Set("canonical-name", canonical).
			Set("local-location", local).
			Set("remote-location", loc), log)
		return
	}
	send(ctx, c, protocol.New(protocol.CmdUnableToAcquire).Set("canonical-name", canonical), log)
}

func send(ctx context.Context, c *client.Client, env *protocol.Envelope, log *slog.Logger) {
	replies, err := c.Do(ctx, env)
	if err != nil {
		log.Warn("pkgctl.send.err", slog.String("command", env.Command), slog.String("err", err.Error()))
		return
	}
	for _, r := range replies {
		fmt.Println(format(r))
	}
}

func fetch(ctx context.Context, c *client.Client, canonical, loc, dest string) (string, error) {
	u, err := url.Parse(loc)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "", "file":
		path := loc
		if u.Scheme == "file" {
			path = u.Path
		}
		if _, err := os.Stat(path); err != nil {
			return "", err
		}
		return path, nil
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	// The engine's cache may not be writable by this user.
	if err := os.MkdirAll(dest, 0o755); err != nil || dest == "" {
		dest = os.TempDir()
	}
	out := filepath.Join(dest, recognize.SafeName(loc))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: %s", loc, resp.Status)
	}

	f, err := os.Create(out)
	if err != nil {
		return "", err
	}
	pw := &progressWriter{total: resp.ContentLength, report: func(pct int) {
		_, _ = c.Send(protocol.New(protocol.CmdDownloadProgress).
			Set("canonical-name", canonical).
			SetInt("progress", pct))
	}}
	if _, err := io.Copy(io.MultiWriter(f, pw), resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(out)
		return "", err
	}
	return out, f.Close()
}

type progressWriter struct {
	total   int64
	written int64
	last    int
	report  func(int)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if p.total > 0 {
		if pct := int(p.written * 100 / p.total); pct >= p.last+5 {
			p.last = pct
			p.report(pct)
		}
	}
	return len(b), nil
}
