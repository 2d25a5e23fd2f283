package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/guseggert/diagstream/agent"
	"github.com/guseggert/diagstream/agent/stream"
	"github.com/guseggert/diagstream/internal/files"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

func main() {
	app := &cli.App{
		Name:  "diagstream",
		Usage: "stream network diagnostic tools to the browser over a WebSocket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level, one of [debug,info,warn,error].",
				Value: "info",
			},
		},
		Commands: []*cli.Command{
			serveCommand,
			runCommand,
			toolsCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(level string) (*zap.SugaredLogger, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", level, err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(l)
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.Sugar(), nil
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "run the agent",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "Path to a YAML config file. Flags take precedence over it.",
		},
		&cli.StringFlag{
			Name:  "listen-addr",
			Usage: "The address for the HTTP server to listen on.",
			Value: "0.0.0.0:8000",
		},
		&cli.StringFlag{
			Name:  "static-dir",
			Usage: "Directory with the frontend's index.html. Defaults to the nearest 'frontend' directory above the working directory.",
		},
		&cli.StringFlag{
			Name:  "tls-cert",
			Usage: "Path to a PEM-encoded TLS certificate.",
		},
		&cli.StringFlag{
			Name:  "tls-key",
			Usage: "Path to a PEM-encoded TLS key.",
		},
		&cli.BoolFlag{
			Name:  "tls-self-signed",
			Usage: "Serve HTTPS with a generated self-signed certificate.",
		},
		&cli.StringSliceFlag{
			Name:  "origin",
			Usage: "Additional allowed WebSocket origin host pattern, may be repeated.",
		},
	},
	Action: func(ctx *cli.Context) error {
		cfg := agent.DefaultConfig()
		if path := ctx.String("config"); path != "" {
			var err error
			cfg, err = agent.LoadConfig(path)
			if err != nil {
				return err
			}
		}
		if ctx.IsSet("log-level") {
			cfg.LogLevel = ctx.String("log-level")
		}
		if ctx.IsSet("listen-addr") {
			cfg.ListenAddr = ctx.String("listen-addr")
		}
		if ctx.IsSet("static-dir") {
			cfg.StaticDir = ctx.String("static-dir")
		}
		if ctx.IsSet("tls-cert") {
			cfg.TLS.CertFile = ctx.String("tls-cert")
		}
		if ctx.IsSet("tls-key") {
			cfg.TLS.KeyFile = ctx.String("tls-key")
		}
		if ctx.IsSet("tls-self-signed") {
			cfg.TLS.SelfSigned = ctx.Bool("tls-self-signed")
		}
		if ctx.IsSet("origin") {
			cfg.OriginPatterns = ctx.StringSlice("origin")
		}

		if cfg.StaticDir == "" {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("getting working dir: %w", err)
			}
			dir, err := files.FindUp("frontend", wd)
			if err != nil {
				return fmt.Errorf("finding frontend dir: %w", err)
			}
			cfg.StaticDir = dir
		}

		logger, err := newLogger(cfg.LogLevel)
		if err != nil {
			return err
		}
		opts, err := cfg.Options()
		if err != nil {
			return err
		}
		a, err := agent.NewAgent(append(opts, agent.WithLogger(logger.Desugar().Named("agent")))...)
		if err != nil {
			return fmt.Errorf("building agent: %w", err)
		}

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigs)
		go func() {
			<-sigs
			if err := a.Stop(); err != nil {
				logger.Warnw("error stopping agent", "Error", err)
			}
		}()

		return a.Run()
	},
}

func clientFromFlags(ctx *cli.Context) (*agent.Client, error) {
	logger, err := newLogger(ctx.String("log-level"))
	if err != nil {
		return nil, err
	}
	var opts []agent.ClientOption
	if caFile := ctx.String("ca-cert"); caFile != "" {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA cert: %w", err)
		}
		tlsConfig, err := agent.ClientTLSConfig(caPEM)
		if err != nil {
			return nil, err
		}
		opts = append(opts, agent.WithClientTLSConfig(tlsConfig))
	}
	return agent.NewClient(logger, ctx.String("server"), opts...)
}

var clientFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "server",
		Usage: "Base URL of the agent.",
		Value: "http://localhost:8000",
	},
	&cli.StringFlag{
		Name:  "ca-cert",
		Usage: "Path to a PEM-encoded CA certificate to trust, for agents using a self-signed cert.",
	},
}

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "run a tool on the agent and print its output",
	ArgsUsage: "[tool] [target]",
	Flags: append([]cli.Flag{
		&cli.StringSliceFlag{
			Name:    "param",
			Aliases: []string{"p"},
			Usage:   "Tool parameter as key=value, may be repeated.",
		},
	}, clientFlags...),
	Action: func(ctx *cli.Context) error {
		client, err := clientFromFlags(ctx)
		if err != nil {
			return err
		}

		params, err := parseParams(ctx.StringSlice("param"))
		if err != nil {
			return err
		}
		req := stream.Request{
			Tool:   stream.DefaultTool,
			Params: params,
		}
		if ctx.NArg() > 0 {
			req.Tool = ctx.Args().Get(0)
		}
		// without a target the agent runs the tool against our own address
		if ctx.NArg() > 1 {
			target := ctx.Args().Get(1)
			req.Target = &target
		}
		if term.IsTerminal(int(os.Stdout.Fd())) {
			if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
				req.TermCols = cols
				req.TermRows = rows
			}
		}

		sc, st, err := client.StartTool(ctx.Context, req)
		if err != nil {
			return err
		}
		defer sc.Close()
		fmt.Fprintln(os.Stderr, st.Message)

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigs)
		go func() {
			for range sigs {
				if err := sc.StopTool(ctx.Context, st.SessionID); err != nil {
					client.Logger.Debugf("error sending stop: %s", err)
				}
			}
		}()

		for {
			ev, err := sc.Next(ctx.Context)
			if err != nil {
				return fmt.Errorf("reading stream: %w", err)
			}
			if ev.Status == nil {
				os.Stdout.Write(ev.Output)
				continue
			}
			switch ev.Status.Status {
			case stream.StatusStopped:
				fmt.Fprintln(os.Stderr, ev.Status.Message)
				if ev.Status.ExitCode != nil && *ev.Status.ExitCode != 0 {
					return cli.Exit("", *ev.Status.ExitCode)
				}
				return nil
			case stream.StatusError:
				return fmt.Errorf("agent error: %s", ev.Status.Message)
			}
		}
	},
}

// parseParams turns key=value pairs into tool params. Values that look like integers or booleans are sent as such.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := map[string]any{}
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid param %q, expected key=value", pair)
		}
		if i, err := strconv.Atoi(v); err == nil {
			params[k] = i
			continue
		}
		if b, err := strconv.ParseBool(v); err == nil {
			params[k] = b
			continue
		}
		params[k] = v
	}
	return params, nil
}

var toolsCommand = &cli.Command{
	Name:  "tools",
	Usage: "list the tools the agent allows",
	Flags: clientFlags,
	Action: func(ctx *cli.Context) error {
		client, err := clientFromFlags(ctx)
		if err != nil {
			return err
		}
		infos, err := client.Tools(ctx.Context)
		if err != nil {
			return err
		}
		for _, info := range infos {
			fmt.Printf("%s\t%s\n", info.Name, info.Description)
			for _, p := range info.Params {
				line := fmt.Sprintf("  %s (%s)", p.Name, p.Type)
				if p.Default != nil {
					line += fmt.Sprintf(" default=%v", p.Default)
				}
				if p.Required {
					line += " required"
				}
				if p.Help != "" {
					line += "  " + p.Help
				}
				fmt.Println(line)
			}
		}
		return nil
	},
}
