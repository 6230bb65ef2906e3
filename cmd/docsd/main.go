// Command docsd wires a store, an actor, and a set of in-process fake
// collaborators together into a single process, for smoke-testing the core
// without any real transport, blob store, or gossip mesh behind it. It is
// not a deployable daemon: AcceptSync and StartSync run over an in-memory
// net.Pipe looped back to itself.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"

	"github.com/gholt-successor/docs/actor"
	"github.com/gholt-successor/docs/docscfg"
	"github.com/gholt-successor/docs/docslog"
	"github.com/gholt-successor/docs/entry"
	"github.com/gholt-successor/docs/iface"
	"github.com/gholt-successor/docs/keys"
	"github.com/gholt-successor/docs/replica"
	"github.com/gholt-successor/docs/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "docsd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.StringP("config", "c", "", "path to a HuJSON config file")
		dbPath     = flag.String("db", "", "storage index path, overrides config and DOCS_DB_PATH")
		level      = flag.String("level", "info", "log level: debug, info, warn, error")
	)
	flag.Parse()

	var zlevel zapcore.Level
	if err := zlevel.UnmarshalText([]byte(*level)); err != nil {
		return fmt.Errorf("invalid -level %q: %w", *level, err)
	}
	log, err := docslog.New(zlevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	cfg, err := docscfg.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	backing, err := store.Open(cfg.DBPath, cfg, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer backing.Close()

	a := actor.New(backing, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := smokeTest(ctx, backing, a); err != nil {
		a.Shutdown(context.Background())
		return fmt.Errorf("smoke test: %w", err)
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

// smokeTest exercises the full write/sync/read path once: a fresh
// namespace and author, a local insert, a self-dial live sync over an
// in-memory pipe, and a read back through the actor.
func smokeTest(ctx context.Context, backing *store.Store, a *actor.Actor) error {
	ns, err := keys.NewNamespace()
	if err != nil {
		return fmt.Errorf("generate namespace: %w", err)
	}
	if _, err := backing.ImportNamespaceWrite(ns); err != nil {
		return fmt.Errorf("import namespace: %w", err)
	}
	author, err := backing.NewAuthor()
	if err != nil {
		return fmt.Errorf("generate author: %w", err)
	}
	if err := a.Open(ns.Id()); err != nil {
		return fmt.Errorf("open namespace: %w", err)
	}

	content := []byte("docsd smoke test")
	if _, err := a.Insert(ns.Id(), author, []byte("smoke/hello"), entry.HashBytes(content), uint64(len(content))); err != nil {
		return fmt.Errorf("insert: %w", err)
	}

	dialer := newLoopbackDialer()
	peer := dialer.peer.RemoteNode()

	sessionCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	serverDone := make(chan error, 1)
	go func() {
		_, err := a.AcceptSync(sessionCtx, ns.Id(), dialer.server)
		serverDone <- err
	}()

	if _, err := a.StartSync(sessionCtx, ns.Id(), peer, dialer, replica.OriginDialedByApi); err != nil {
		return fmt.Errorf("start sync: %w", err)
	}
	if err := <-serverDone; err != nil {
		return fmt.Errorf("accept sync: %w", err)
	}

	got, ok, err := a.GetExact(ns.Id(), author.Id(), []byte("smoke/hello"), false)
	if err != nil {
		return fmt.Errorf("read back: %w", err)
	}
	if !ok {
		return fmt.Errorf("read back: entry not found")
	}

	return smokeContentPath(ctx, ns.Id(), got.Entry.Record.Hash, a)
}

// smokeContentPath exercises the blob-store and gossip collaborators: a
// fake content request that resolves shortly after, surfaced to
// subscribers as a ContentReady event, and a trivial gossip join/leave.
func smokeContentPath(ctx context.Context, ns keys.NamespaceId, hash entry.Hash, a *actor.Actor) error {
	blobs := newFakeBlobStore()
	gossip := fakeGossip{}

	if err := gossip.Join(ctx, ns, nil); err != nil {
		return fmt.Errorf("gossip join: %w", err)
	}
	defer gossip.Leave(ctx, ns)

	sub, err := a.Subscribe(ns, 4)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer a.Unsubscribe(ns, sub)

	if err := blobs.Request(ctx, hash, iface.NodeId{}); err != nil {
		return fmt.Errorf("request content: %w", err)
	}
	ready, err := blobs.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe content: %w", err)
	}

	select {
	case h := <-ready:
		if err := a.ContentReady(ns, h); err != nil {
			return fmt.Errorf("publish content ready: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second):
		return fmt.Errorf("timed out waiting for fake content to become ready")
	}
	return nil
}
