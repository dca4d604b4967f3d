// Pkgd is the package-management daemon.
//
//	pkgd [serve] [flags]                    run the engine service
//	pkgd manifest-schema                    print the JSON Schema of package.yaml
//	pkgd pack <manifest> <payload-dir> <out> build a package file
//	pkgd keygen <name>                      write <name>.pub and <name>.key
//	pkgd sign --key <file> [--publisher p] <package>...
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ggoodman/pkgd/internal/config"
	"github.com/ggoodman/pkgd/internal/logctx"
	"github.com/ggoodman/pkgd/packages/archive"
	"github.com/ggoodman/pkgd/server"
	"github.com/ggoodman/pkgd/signature"
	"github.com/spf13/pflag"
)

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
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		return serve(args)
	case "manifest-schema":
		return manifestSchema()
	case "pack":
		return pack(args)
	case "keygen":
		return keygen(args)
	case "sign":
		return sign(args)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func serve(args []string) error {
	fs := pflag.NewFlagSet("pkgd serve", pflag.ContinueOnError)
	flags := config.AddFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(flags.Path)
	if err != nil {
		return err
	}
	if err := flags.Apply(cfg); err != nil {
		return err
	}

	levels := logctx.NewLevels()
	log := cfg.Logger(os.Stderr, levels)

	backend, err := cfg.OpenStorage(log)
	if err != nil {
		return fmt.Errorf("opening %s storage: %w", cfg.Storage, err)
	}
	defer backend.Close()

	srv, err := server.New(backend, cfg.Server(),
		server.WithLogger(log),
		server.WithLevels(levels))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SIGHUP drains and restarts the listener.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := srv.Restart(ctx); err != nil {
					log.Error("pkgd.restart.err", slog.String("err", err.Error()))
					srv.RequestStop()
				}
			}
		}
	}()

	return srv.Run(ctx)
}

func manifestSchema() error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(archive.ManifestSchema())
}

func pack(args []string) error {
	if len(args) != 3 {
		return errors.New("usage: pkgd pack <manifest> <payload-dir> <out>")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	m, err := archive.ParseManifest(data)
	if err != nil {
		return err
	}
	if err := archive.WriteFile(args[2], m, args[1]); err != nil {
		return err
	}
	id, err := m.Identity()
	if err != nil {
		return err
	}
	fmt.Printf("%s -> %s\n", id.CanonicalName(), args[2])
	return nil
}

func keygen(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: pkgd keygen <name>")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[0]+".key", []byte(base64.StdEncoding.EncodeToString(priv.Seed())+"\n"), 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(args[0]+".pub", []byte(base64.StdEncoding.EncodeToString(pub)+"\n"), 0o644); err != nil {
		return err
	}
	fmt.Printf("public key token %s\n", signature.Token(pub))
	return nil
}

func sign(args []string) error {
	fs := pflag.NewFlagSet("pkgd sign", pflag.ContinueOnError)
	keyFile := fs.String("key", "", "private key file written by keygen")
	publisher := fs.String("publisher", "", "publisher name recorded in the signature")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *keyFile == "" || fs.NArg() == 0 {
		return errors.New("usage: pkgd sign --key <file> [--publisher name] <package>...")
	}
	data, err := os.ReadFile(*keyFile)
	if err != nil {
		return err
	}
	seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(seed) != ed25519.SeedSize {
		return fmt.Errorf("%s: not a private key", *keyFile)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	for _, path := range fs.Args() {
		if err := signature.Sign(path, *publisher, priv); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Println(path + signature.Extension)
	}
	return nil
}
