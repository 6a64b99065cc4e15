// Command sipnode runs a SIP core node that answers OPTIONS and rejects other requests,
// or pings a remote host with OPTIONS.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/ghettovoice/sipcore"
	"github.com/ghettovoice/sipcore/config"
	"github.com/ghettovoice/sipcore/internal/log"
	"github.com/ghettovoice/sipcore/internal/util"
	"github.com/ghettovoice/sipcore/metrics"
	"github.com/ghettovoice/sipcore/sip"
	"github.com/ghettovoice/sipcore/transaction"
	"github.com/ghettovoice/sipcore/transport"
)

func main() {
	cmd := &cli.Command{
		Name:    "sipnode",
		Usage:   "SIP transaction and flow core node",
		Version: sipcore.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config file",
				Sources: cli.EnvVars(config.EnvPrefix + "_CONFIG"),
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:      "ping",
				Usage:     "send OPTIONS to the host and print the response",
				ArgsUsage: "<host>",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "port", Usage: "remote port, resolved with DNS when omitted"},
					&cli.StringFlag{Name: "transport", Usage: "UDP, TCP, TLS, WS or WSS, resolved with DNS when omitted"},
					&cli.DurationFlag{Name: "timeout", Value: 10 * time.Second, Usage: "overall timeout"},
				},
				Action: ping,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type node struct {
	cfg *config.Config
	log *slog.Logger
	srv *sipcore.Server
	reg *prometheus.Registry
}

func newNode(cmd *cli.Command, user transaction.User) (*node, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger(os.Stderr)
	log.SetDefault(logger)

	opts, err := sipcore.OptionsFromConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	mc := metrics.NewCollector(nil)
	reg.MustRegister(mc, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts.Metrics = mc

	srv, err := sipcore.NewServer(user, opts)
	if err != nil {
		return nil, err
	}
	return &node{cfg: cfg, log: logger, srv: srv, reg: reg}, nil
}

func (n *node) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.srv.Shutdown(ctx); err != nil {
		n.log.LogAttrs(ctx, slog.LevelError, "failed to shutdown server", slog.Any("error", err))
	}
}

func serve(ctx context.Context, cmd *cli.Command) error {
	var srv *sipcore.Server
	n, err := newNode(cmd, transaction.UserFuncs{
		Request: func(ctx context.Context, tx *transaction.Transaction, req *sip.Request) {
			code := 501
			if req.Method == sip.OPTIONS {
				code = 200
			}
			if err := srv.Respond(ctx, tx, sip.NewResponse(req, code, "")); err != nil {
				log.Default().LogAttrs(ctx, slog.LevelWarn, "failed to respond",
					slog.Any("transaction", tx),
					slog.Any("error", err),
				)
			}
		},
		Terminated: func(ctx context.Context, tx *transaction.Transaction) {
			if err := tx.Err(); err != nil {
				log.Default().LogAttrs(ctx, slog.LevelDebug, "transaction failed",
					slog.Any("transaction", tx),
					slog.Any("error", err),
				)
			}
		},
	})
	if err != nil {
		return err
	}
	srv = n.srv
	defer n.shutdown()

	lss, err := n.cfg.Listeners()
	if err != nil {
		return err
	}
	for _, ls := range lss {
		if _, err := srv.Listen(ctx, ls.Proto, ls.Addr); err != nil {
			return fmt.Errorf("listen %s %s: %w", ls.Proto, ls.Addr, err)
		}
	}

	if addr := n.cfg.Metrics.Addr; addr != "" {
		hs := &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(n.reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.log.LogAttrs(ctx, slog.LevelError, "metrics server failed", slog.Any("error", err))
			}
		}()
		defer hs.Close()
		n.log.LogAttrs(ctx, slog.LevelInfo, "metrics server started", slog.String("addr", addr))
	}

	<-ctx.Done()
	n.log.LogAttrs(context.Background(), slog.LevelInfo, "shutting down")
	return nil
}

func ping(ctx context.Context, cmd *cli.Command) error {
	host := cmd.Args().First()
	if host == "" {
		return cli.Exit("host is required", 2)
	}

	ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
	defer cancel()

	responses := make(chan *sip.Response, 1)
	n, err := newNode(cmd.Root(), transaction.UserFuncs{
		Response: func(_ context.Context, _ *transaction.Transaction, res *sip.Response) {
			if res.IsFinal() {
				select {
				case responses <- res:
				default:
				}
			}
		},
	})
	if err != nil {
		return err
	}
	defer n.shutdown()

	b := n.srv.CreateFlow(host)
	if port := cmd.Uint("port"); port > 0 {
		b = b.WithPort(uint16(port)) //nolint:gosec
	}
	if s := cmd.String("transport"); s != "" {
		proto, ok := transport.ParseProto(s)
		if !ok {
			return cli.Exit(fmt.Sprintf("unsupported transport %q", s), 2)
		}
		b = b.WithTransport(proto)
	}
	f, err := b.Connect(ctx).Wait(ctx)
	if err != nil {
		return err
	}

	req := sip.NewRequest(sip.OPTIONS, "sip:"+host)
	laddr := f.Key().Local
	req.Header.Add("Via", fmt.Sprintf("SIP/2.0/%s %s;branch=%s;rport", f.Key().Proto, laddr, sip.NewBranch()))
	req.Header.Add("Max-Forwards", "70")
	req.Header.Add("From", fmt.Sprintf("<sip:sipnode@%s>;tag=%s", laddr.Addr(), util.RandString(8)))
	req.Header.Add("To", "<sip:"+host+">")
	req.Header.Add("Call-ID", sip.NewCallID())
	req.Header.Add("CSeq", "1 "+sip.OPTIONS)
	if _, err := n.srv.Request(ctx, f, req); err != nil {
		return err
	}

	select {
	case res := <-responses:
		fmt.Fprintf(cmd.Root().Writer, "%s via %s\n", res.StartLine(), f)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("no response from %s: %w", host, ctx.Err())
	}
}
