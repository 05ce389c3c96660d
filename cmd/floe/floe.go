// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Program floe is a command-line utility for serving and calling floe
// objects.
package main

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/floe"
	"github.com/creachadair/floe/adapter"
	"github.com/creachadair/floe/communicator"
	"github.com/creachadair/floe/config"
	"github.com/creachadair/floe/encoding"
	"github.com/creachadair/floe/handler"
	"github.com/creachadair/floe/identity"
	"github.com/creachadair/floe/locator"
	"github.com/creachadair/floe/proxy"
	"github.com/creachadair/floe/session"
	"github.com/creachadair/floe/stream"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	serverAdapter   = "floe"
	defaultEndpoint = "tcp -h 127.0.0.1 -p 10000"
)

var flags struct {
	Config  string        `flag:"config,Configuration file (TOML)"`
	Verbose bool          `flag:"v,Enable verbose logging"`
	Timeout time.Duration `flag:"timeout,default=10s,Timeout for client operations"`
}

var serveFlags struct {
	Endpoints  string        `flag:"endpoints,Endpoints to listen on (default tcp on 127.0.0.1:10000)"`
	Registry   bool          `flag:"registry,Serve a locator registry"`
	SessionTTL time.Duration `flag:"session-ttl,default=1m,Lifetime of unrefreshed sessions"`
}

var invokeFlags struct {
	Pattern    string `flag:"pattern,Encode arguments with this pattern (see encode)"`
	Idempotent bool   `flag:"idempotent,Mark the operation idempotent"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Utilities for serving and calling floe objects.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name:     "serve",
				Usage:    "[--endpoints eps]",
				Help:     serveHelp,
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:  "invoke",
				Usage: "<proxy> <operation> [data|argument...]",
				Help: `Invoke an operation on the object named by a proxy string.

By default the single data argument is sent as the raw parameter bytes. With
--pattern, the arguments are encoded as described by "help encode".
A twoway result is written to stdout.`,
				SetFlags: command.Flags(flax.MustBind, &invokeFlags),
				Run:      runInvoke,
			},
			{
				Name:  "stream",
				Usage: "<proxy> <operation> [data]",
				Help: `Invoke a streaming operation and print each value it yields.

The values are written to stdout one per line, until the stream ends or
the --timeout expires.`,
				Run: runStream,
			},
			{
				Name:  "ping",
				Usage: "<proxy>",
				Help:  "Check that the object named by a proxy string is reachable.",
				Run:   runPing,
			},
			{
				Name:  "parse",
				Usage: "<proxy>",
				Help:  "Parse a proxy string and print its canonical form and fields.",
				Run:   runParse,
			},
			{
				Name:  "encode",
				Usage: "<pattern> <argument>...",
				Help:  encodeHelp,
				Run: func(env *command.Env) error {
					if len(env.Args) == 0 {
						return env.Usagef("Missing pattern argument")
					}
					data, err := encodeArgs(env.Args[0], env.Args[1:])
					if err != nil {
						return err
					}
					os.Stdout.Write(data)
					return nil
				},
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

const serveHelp = `Serve demonstration objects until interrupted.

The server creates an object adapter named "floe" and registers:

  hello          : operations sayHello(name) and echo(data)
  counter        : a streaming operation count(n) yielding 1..n
  sessions       : a session manager with operation create(name)
  floe/locator   : a locator registry (with --registry)

The adapter listens on --endpoints, or the endpoints of the "floe" adapter
in the configuration file. The proxy string of each object is printed.`

func loadConfig() (config.Config, error) {
	return config.Load(flags.Config)
}

func newLogger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if flags.Verbose {
		zc.Level.SetLevel(zapcore.DebugLevel)
	}
	return zc.Build()
}

func newCommunicator(cfg config.Config) (*communicator.Communicator, *zap.Logger, error) {
	log, err := newLogger()
	if err != nil {
		return nil, nil, err
	}
	c, err := communicator.New(cfg, &communicator.Options{Logger: log})
	if err != nil {
		return nil, nil, err
	}
	return c, log, nil
}

// withComm calls f with a new communicator, and destroys it afterward.
func withComm(f func(context.Context, *communicator.Communicator) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, log, err := newCommunicator(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), flags.Timeout)
	defer cancel()
	ferr := f(ctx, c)
	return errors.Join(ferr, c.Destroy(ctx))
}

func helloServant() *handler.Object {
	return handler.NewObject("::Demo::Hello").
		Handle("sayHello", handler.ParamResult(func(_ context.Context, name string) string {
			if name == "" {
				name = "world"
			}
			return fmt.Sprintf("Hello, %s!", name)
		})).
		Handle("echo", handler.ParamResult(func(_ context.Context, data []byte) []byte {
			return data
		}))
}

// countValues yields the decimal values 1 to n, where n is given by in.
func countValues(ctx context.Context, cur *adapter.Current, in []byte) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if cur.Operation != "count" {
			yield(nil, floe.OperationNotExist(cur.Target(), cur.Operation))
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(string(in)))
		if err != nil {
			yield(nil, fmt.Errorf("invalid count: %w", err))
			return
		}
		for i := range n {
			select {
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			case <-time.After(100 * time.Millisecond):
			}
			if !yield([]byte(strconv.Itoa(i+1)), nil) {
				return
			}
		}
	}
}

func runServe(env *command.Env) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, log, err := newCommunicator(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	eps := serveFlags.Endpoints
	if eps == "" {
		eps = cfg.Adapters[serverAdapter].Endpoints
	}
	if strings.TrimSpace(eps) == "" {
		eps = defaultEndpoint
	}
	a, err := c.CreateObjectAdapterWithEndpoints(serverAdapter, eps)
	if err != nil {
		return err
	}

	objects := map[string]adapter.Servant{
		"hello":   helloServant(),
		"counter": stream.Servant(countValues),
	}
	mgr := session.NewManager(a, log.Named("session"))
	objects["sessions"] = mgr
	if serveFlags.Registry {
		reg := locator.NewRegistry(log.Named("locator"))
		objects[locator.Identity.String()] = reg
		c.SetDefaultLocator(c.CreateProxy(a.CreateDirectReference(locator.Identity)))
	}
	for name, s := range objects {
		id, err := identity.Parse(name)
		if err != nil {
			return err
		}
		if err := a.Add(id, s); err != nil {
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reaper := mgr.StartReaper(serveFlags.SessionTTL/4, serveFlags.SessionTTL)
	if err := c.ActivateAdapter(ctx, a); err != nil {
		reaper.Stop()
		c.Destroy(context.Background())
		return err
	}
	for _, ep := range c.ListenEndpoints(serverAdapter) {
		log.Info("serving", zap.Stringer("endpoint", ep))
	}
	for _, name := range slices.Sorted(maps.Keys(objects)) {
		id, _ := identity.Parse(name)
		fmt.Println(a.CreateReference(id).String())
	}

	<-ctx.Done()
	fmt.Fprintln(os.Stderr, "Shutting down...")
	reaper.Stop()
	sctx, scancel := context.WithTimeout(context.Background(), flags.Timeout)
	defer scancel()
	return c.Destroy(sctx)
}

func runInvoke(env *command.Env) error {
	if len(env.Args) < 2 {
		return env.Usagef("Missing proxy and operation")
	}
	var data []byte
	if invokeFlags.Pattern != "" {
		enc, err := encodeArgs(invokeFlags.Pattern, env.Args[2:])
		if err != nil {
			return err
		}
		data = enc
	} else if len(env.Args) > 3 {
		return env.Usagef("Extra arguments after data: %q", env.Args[3:])
	} else if len(env.Args) == 3 {
		data = []byte(env.Args[2])
	}
	return withComm(func(ctx context.Context, c *communicator.Communicator) error {
		prx, err := c.StringToProxy(env.Args[0])
		if err != nil {
			return err
		}
		invoke := prx.Invoke
		if invokeFlags.Idempotent {
			invoke = prx.InvokeIdempotent
		}
		out, err := invoke(ctx, env.Args[1], data)
		if err != nil {
			return err
		}
		if err := prx.FlushBatch(ctx); err != nil {
			return err
		}
		if len(out) != 0 {
			os.Stdout.Write(out)
			fmt.Println()
		}
		return nil
	})
}

func runStream(env *command.Env) error {
	if len(env.Args) < 2 || len(env.Args) > 3 {
		return env.Usagef("Expected a proxy, an operation, and optional data")
	}
	var data []byte
	if len(env.Args) == 3 {
		data = []byte(env.Args[2])
	}
	return withComm(func(ctx context.Context, c *communicator.Communicator) error {
		prx, err := c.StringToProxy(env.Args[0])
		if err != nil {
			return err
		}
		conn, err := prx.Connection(ctx)
		if err != nil {
			return err
		}

		// Values are pushed back over the outgoing connection.
		sinks := adapter.New("stream", nil)
		sinks.Activate()
		conn.SetAdapter(sinks)
		defer conn.SetAdapter(nil)

		ref := prx.Reference()
		req := &floe.Request{
			Identity:  ref.Identity,
			Facet:     ref.Facet,
			Operation: env.Args[1],
			Context:   ref.Context,
			Data:      data,
		}
		for v, err := range stream.Call(ctx, conn.Peer(), sinks, req) {
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", v)
		}
		return nil
	})
}

func runPing(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("Expected a single proxy argument")
	}
	return withComm(func(ctx context.Context, c *communicator.Communicator) error {
		prx, err := c.StringToProxy(env.Args[0])
		if err != nil {
			return err
		}
		start := time.Now()
		if err := prx.Ping(ctx); err != nil {
			return err
		}
		fmt.Printf("%s: ok (%v)\n", prx, time.Since(start).Round(time.Microsecond))
		return nil
	})
}

func runParse(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("Expected a single proxy argument")
	}
	ref, err := proxy.Parse(env.Args[0])
	if err != nil {
		return err
	}
	fmt.Println(ref.String())
	fmt.Printf("  identity:  %s\n", ref.Identity)
	if ref.Facet != "" {
		fmt.Printf("  facet:     %s\n", ref.Facet)
	}
	fmt.Printf("  mode:      %v\n", ref.Mode)
	switch {
	case ref.IsWellKnown():
		fmt.Println("  kind:      well-known")
	case ref.IsIndirect():
		fmt.Printf("  kind:      indirect @ %s\n", ref.AdapterID)
	default:
		fmt.Println("  kind:      direct")
	}
	for _, ep := range ref.Endpoints {
		fmt.Printf("  endpoint:  %s\n", ep)
	}
	return nil
}

const encodeHelp = `Encode arguments as operation parameters.

The pattern specifies the sequence of values to encode. Whitespace in the
pattern is ignored; otherwise the pattern specifies how the corresponding
argument is processed:

  s  : a string with a size prefix
  q  : a quoted literal string (Go style) without framing
  r  : a raw literal string encoded without framing
  %  : a Boolean constant (true or false)
  1  : a byte value
  2  : a short value (2 bytes)
  4  : an int value (4 bytes)
  8  : a long value (8 bytes)
  f  : a float value (4 bytes)
  d  : a double value (8 bytes)

Fixed-width values are encoded in little-endian order.

In addition, a "(" begins a subpattern, which goes until a matching ")".
Each subpattern is encoded according to its contents, with a size prefix
prepended. Subpatterns may be nested.`

func encodeArgs(pat string, args []string) ([]byte, error) {
	e := encoding.NewEncoder()
	rest, err := encodePattern(e, pat, args)
	if err != nil {
		return nil, err
	} else if len(rest) != 0 {
		return nil, fmt.Errorf("extra arguments: %q", rest)
	}
	return e.Bytes(), nil
}

func encodePattern(e *encoding.Encoder, pat string, args []string) ([]string, error) {
	for i := 0; i < len(pat); i++ {
		c := pat[i]
		switch c {
		case 's', 'q', 'r', '%', '1', '2', '4', '8', 'f', 'd':
			// OK, these need an argument (see below)
		case ' ', '\t', '\n':
			continue
		case '(':
			sub, ok := cutParen(pat[i+1:], '(', ')')
			if !ok {
				return nil, errors.New("missing close parenthesis")
			}
			se := encoding.NewEncoder()
			sa, err := encodePattern(se, sub, args)
			if err != nil {
				return nil, fmt.Errorf("invalid subpattern: %w", err)
			}
			e.WriteBytes(se.Bytes())
			args = sa
			i += len(sub) + 1
			continue
		default:
			return nil, fmt.Errorf("invalid pattern word %c", c)
		}

		if len(args) == 0 {
			return nil, fmt.Errorf("missing argument for %c", c)
		}
		arg := args[0]
		switch c {
		case 's':
			e.WriteString(arg)
		case 'q':
			dec, err := strconv.Unquote(`"` + arg + `"`)
			if err != nil {
				return nil, fmt.Errorf("invalid string: %w", err)
			}
			writeRaw(e, dec)
		case 'r':
			writeRaw(e, arg)
		case '%':
			v, err := strconv.ParseBool(arg)
			if err != nil {
				return nil, fmt.Errorf("invalid bool: %w", err)
			}
			e.WriteBool(v)
		case '1':
			v, err := strconv.ParseUint(arg, 10, 8)
			if err != nil {
				return nil, fmt.Errorf("invalid byte: %w", err)
			}
			e.WriteByte(byte(v))
		case '2':
			v, err := strconv.ParseInt(arg, 10, 16)
			if err != nil {
				return nil, fmt.Errorf("invalid short: %w", err)
			}
			e.WriteShort(int16(v))
		case '4':
			v, err := strconv.ParseInt(arg, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid int: %w", err)
			}
			e.WriteInt(int32(v))
		case '8':
			v, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid long: %w", err)
			}
			e.WriteLong(v)
		case 'f':
			v, err := strconv.ParseFloat(arg, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid float: %w", err)
			}
			e.WriteFloat(float32(v))
		case 'd':
			v, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid double: %w", err)
			}
			e.WriteDouble(v)
		default:
			panic("invalid code: " + string(c))
		}
		args = args[1:]
	}
	return args, nil
}

func writeRaw(e *encoding.Encoder, s string) {
	for i := range len(s) {
		e.WriteByte(s[i])
	}
}

func cutParen(s string, l, r rune) (string, bool) {
	d := 1
	for i, c := range s {
		if c == l {
			d++
		} else if c == r {
			d--
			if d == 0 {
				return s[:i], true
			}
		}
	}
	return s, false
}
