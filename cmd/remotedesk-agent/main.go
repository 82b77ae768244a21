// remotedesk-agent runs one endpoint of a remote-control session against a
// remotedesk server.
//
//	remotedesk-agent host --server http://127.0.0.1:8080 --device laptop --access partial
//	remotedesk-agent join --server http://127.0.0.1:8080 --device phone --link 'remotedesk://join/ABCD1234?pin=0420' < script.txt
//
// The host prints the join code, PIN and link, then logs every event it
// would inject. The client reads events from stdin, one per line
// ("move X Y", "click X Y [button]", "key KEY [MOD...]", "scroll DX DY").
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"remotedesk/cmd/internal/agent"
	"remotedesk/cmd/internal/input"
	"remotedesk/cmd/internal/peer"
	"remotedesk/cmd/internal/remote"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "remotedesk-agent: %v\n", err)
		os.Exit(1)
	}
}

type common struct {
	server   string
	device   string
	codec    string
	loopback bool
	verbose  bool
}

func (c *common) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.server, "server", "http://127.0.0.1:8080", "remotedesk server base URL")
	fs.StringVar(&c.device, "device", "", "this device's reference (required)")
	fs.StringVar(&c.codec, "codec", input.LabelJSON, "data channel codec label: "+input.LabelJSON+" or "+input.LabelCBOR)
	fs.BoolVar(&c.loopback, "loopback", false, "gather loopback ICE candidates (same-machine testing)")
	fs.BoolVarP(&c.verbose, "verbose", "v", false, "debug logging")
}

func (c *common) endpoint(client *agent.Client, log *slog.Logger) (agent.Endpoint, error) {
	if c.device == "" {
		return agent.Endpoint{}, errors.New("--device is required")
	}
	codec, ok := input.CodecForLabel(c.codec)
	if !ok {
		return agent.Endpoint{}, fmt.Errorf("unknown codec %q", c.codec)
	}
	rc, err := remote.LoadConfigFromEnv()
	if err != nil {
		return agent.Endpoint{}, err
	}
	pc := peer.DefaultConfig()
	pc.ICEServers = peer.ICEServersFromEnv()
	pc.Codec = codec
	pc.IncludeLoopback = c.loopback

	return agent.Endpoint{
		SignalURL: client.SignalURL(),
		DeviceRef: c.device,
		Peer:      pc,
		Remote:    rc,
		Log:       log,
	}, nil
}

func (c *common) logger() *slog.Logger {
	level := slog.LevelInfo
	if c.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func run(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: remotedesk-agent host|join [flags]")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch args[0] {
	case "host":
		return runHost(ctx, args[1:])
	case "join":
		return runJoin(ctx, args[1:])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runHost(ctx context.Context, args []string) error {
	var (
		c      common
		access string
		apps   []string
		paths  []string
		ttl    int64
	)
	fs := pflag.NewFlagSet("host", pflag.ContinueOnError)
	c.addFlags(fs)
	fs.StringVar(&access, "access", "partial", "access level: full or partial")
	fs.StringSliceVar(&apps, "allow-app", nil, "application the client may use (repeatable)")
	fs.StringSliceVar(&paths, "allow-path", nil, "path prefix the client may use (repeatable)")
	fs.Int64Var(&ttl, "ttl", 0, "session lifetime in seconds (0: server default)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	log := c.logger()
	client := agent.NewClient(c.server, nil)
	ep, err := c.endpoint(client, log)
	if err != nil {
		return err
	}

	created, err := client.Create(ctx, agent.CreateRequest{
		HostDeviceRef: c.device,
		AccessLevel:   access,
		AllowedApps:   apps,
		AllowedPaths:  paths,
		TTLSeconds:    ttl,
	})
	if err != nil {
		return err
	}
	fmt.Printf("code: %s\npin:  %s\nlink: %s\n", created.Code, created.PIN, created.Link)

	inj := remote.InjectorFunc(func(_ context.Context, ev input.Event) error {
		log.Info("inject", "kind", ev.Kind, "x", ev.X, "y", ev.Y, "key", ev.Key, "mods", ev.Modifiers)
		return nil
	})
	err = ep.Host(ctx, created.Session.ID, inj)
	if errors.Is(err, context.Canceled) {
		endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return client.End(endCtx, created.Session.ID)
	}
	return err
}

func runJoin(ctx context.Context, args []string) error {
	var (
		c    common
		link string
		code string
		pin  string
	)
	fs := pflag.NewFlagSet("join", pflag.ContinueOnError)
	c.addFlags(fs)
	fs.StringVar(&link, "link", "", "join link from the host")
	fs.StringVar(&code, "code", "", "session code (with --pin)")
	fs.StringVar(&pin, "pin", "", "session PIN (with --code)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	log := c.logger()
	client := agent.NewClient(c.server, nil)
	ep, err := c.endpoint(client, log)
	if err != nil {
		return err
	}

	joined, err := client.Join(ctx, agent.JoinRequest{Link: link, Code: code, PIN: pin, ClientDeviceRef: c.device})
	if err != nil {
		return err
	}
	log.Info("joined", "session_id", joined.ID, "access_level", joined.AccessLevel)

	events := make(chan input.Event, 64)
	go func() {
		err := agent.ReadEvents(ctx, os.Stdin, events, func(line int, err error) {
			log.Warn("script.skip", "line", line, "err", err)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("script.read", "err", err)
		}
	}()
	return ep.Client(ctx, joined.ID, events)
}
