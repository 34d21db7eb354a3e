/* Copyright 2019 Comcast Cable Communications Management, LLC
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 * http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/bilym/rspamd/config"
	"github.com/bilym/rspamd/interpreters"
	"github.com/bilym/rspamd/stats"
	"github.com/bilym/rspamd/stats/bolt"
	"github.com/bilym/rspamd/stats/mqtt"
	"github.com/bilym/rspamd/symcache"
	"github.com/bilym/rspamd/tools"
	"github.com/bilym/rspamd/util/logging"
	"github.com/bilym/rspamd/worker"

	"github.com/spf13/cobra"
)

// app is the state shared by the commands.
type app struct {
	in       io.Reader
	out, err io.Writer

	flagConfig  string
	flagVerbose bool

	configPath string
	cfg        *config.Config
	cache      *symcache.Cache
	log        *slog.Logger
}

func newApp(in io.Reader, out, err io.Writer) *app {
	return &app{
		in:  in,
		out: out,
		err: err,
	}
}

func (a *app) root() *cobra.Command {
	root := &cobra.Command{
		Use:          "symcache",
		Short:        "Check, render and run symbol configurations",
		SilenceUsage: true,
		// Errors are logged by Execute's caller.
		SilenceErrors: true,
	}
	root.SetOut(a.out)
	root.SetErr(a.err)
	root.SetIn(a.in)

	root.PersistentFlags().StringVar(&a.flagConfig, "config", "", "Config file to load (default $SYMCACHECONFIG or symcache.yaml)")
	root.PersistentFlags().BoolVar(&a.flagVerbose, "verbose", false, "verbose logging")

	var (
		settings uint32
		output   string
	)

	check := &cobra.Command{
		Use:   "check",
		Short: "compile the configuration and summarize the symbol graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			an, err := tools.Analyze(a.cache)
			if err != nil {
				return err
			}
			return a.writeJSON(an)
		},
	}

	order := &cobra.Command{
		Use:   "order",
		Short: "list the symbols a scan attempts, in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			seq, err := a.cache.ExecutionOrder(settings)
			if err != nil {
				return err
			}
			for id := range seq {
				it := a.cache.Item(id)
				fmt.Fprintf(a.out, "%s\t%s\t%d\n", it.Name(), a.cache.EffectiveStage(it), it.Priority())
			}
			return nil
		},
	}
	order.Flags().Uint32Var(&settings, "settings", 0, "settings profile id")

	var highlight []string
	dot := &cobra.Command{
		Use:   "dot",
		Short: "write a Graphviz rendering of the symbol graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := &tools.DotOpts{
				SettingsID: settings,
				Highlight:  make(map[string]bool),
			}
			for _, h := range highlight {
				opts.Highlight[h] = true
			}
			return a.render(output, func(w io.Writer) error {
				return tools.Dot(a.cache, w, opts)
			})
		},
	}
	dot.Flags().Uint32Var(&settings, "settings", 0, "grey out symbols this settings profile skips")
	dot.Flags().StringSliceVar(&highlight, "highlight", nil, "symbols to draw in red")
	dot.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")

	mermaid := &cobra.Command{
		Use:   "mermaid",
		Short: "write a Mermaid rendering of the symbol graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.render(output, func(w io.Writer) error {
				return tools.Mermaid(a.cache, w, nil)
			})
		},
	}
	mermaid.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")

	var (
		title string
		css   []string
	)
	html := &cobra.Command{
		Use:   "html",
		Short: "write an HTML page describing the symbols",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if title == "" {
				title = a.configPath
			}
			return a.render(output, func(w io.Writer) error {
				return tools.RenderPage(a.cache, title, a.cfg.Doc, a.cfg.Docs(), w, css)
			})
		},
	}
	html.Flags().StringVar(&title, "title", "", "page title (default the config filename)")
	html.Flags().StringSliceVar(&css, "css", nil, "stylesheets to link")
	html.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")

	scan := &cobra.Command{
		Use:   "scan [FILE...]",
		Short: "scan JSON messages, one object per line, from files or stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withWorker(cmd.Context(), func(ctx context.Context, w *worker.Worker) error {
				return a.scan(ctx, w, settings, args)
			})
		},
	}
	scan.Flags().Uint32Var(&settings, "settings", 0, "settings profile id")

	expect := &cobra.Command{
		Use:   "expect SUITE",
		Short: "scan the cases of a suite and check their results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			suite, err := tools.LoadSuite(args[0])
			if err != nil {
				return err
			}
			return a.withWorker(cmd.Context(), func(ctx context.Context, w *worker.Worker) error {
				if err := suite.Run(ctx, w); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "%d cases ok\n", len(suite.Cases))
				return nil
			})
		},
	}

	var addr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "run a worker serving scans and statistics over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.Worker.HTTP.Addr = addr
			}
			return a.serve(cmd.Context())
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "HTTP address (default from the config)")

	version := &cobra.Command{
		Use:   "version",
		Short: "print version information",
		Args:  cobra.NoArgs,
		// No configuration needed.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			info, ok := debug.ReadBuildInfo()
			if !ok {
				fmt.Fprintln(a.out, "symcache: version info not available")
				return
			}
			fmt.Fprintf(a.out, "symcache: %s\n", info.Main.Version)
			fmt.Fprintf(a.out, "go:       %s\n", info.GoVersion)
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					fmt.Fprintf(a.out, "commit:   %s\n", s.Value)
				}
			}
		},
	}

	root.PersistentPreRunE = a.setup
	root.AddCommand(check, order, dot, mermaid, html, scan, expect, serve, version)
	return root
}

// setup sets up logging, then loads and compiles the configuration.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	a.log = logging.New(a.flagVerbose, a.err)
	slog.SetDefault(a.log)

	switch {
	case a.flagConfig != "":
		a.configPath = a.flagConfig
	case os.Getenv("SYMCACHECONFIG") != "":
		a.configPath = os.Getenv("SYMCACHECONFIG")
	default:
		a.configPath = "symcache.yaml"
	}

	return a.load(cmd.Context())
}

func (a *app) load(ctx context.Context) error {
	cfg, err := config.LoadFile(a.configPath)
	if err != nil {
		return err
	}
	is, _ := interpreters.Standard()
	cache, err := config.Build(ctx, cfg, is)
	if err != nil {
		return fmt.Errorf("%s: %w", a.configPath, err)
	}
	a.cfg, a.cache = cfg, cache
	a.log.Debug("configuration loaded", "config", a.configPath, "symbols", cache.Len())
	return nil
}

func (a *app) writeJSON(x interface{}) error {
	js, err := json.MarshalIndent(x, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(a.out, "%s\n", js)
	return err
}

// render writes to the named file, or to stdout if the name is empty.
func (a *app) render(filename string, f func(io.Writer) error) error {
	if filename == "" {
		return f(a.out)
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err = f(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func (a *app) newWorker(opts ...worker.Option) (*worker.Worker, error) {
	opts = append([]worker.Option{
		worker.WithScanTimeout(time.Duration(a.cfg.Worker.ScanTimeout)),
		worker.WithLogger(a.log),
	}, opts...)
	return worker.New(a.cache, opts...)
}

// withWorker runs f while a worker's loop runs.
func (a *app) withWorker(ctx context.Context, f func(context.Context, *worker.Worker) error) error {
	w, err := a.newWorker()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- w.Loop.Run(ctx)
	}()
	err = f(ctx, w)
	cancel()
	return errors.Join(err, <-done)
}

func (a *app) scan(ctx context.Context, w *worker.Worker, settings uint32, filenames []string) error {
	one := func(in io.Reader) error {
		s := bufio.NewScanner(in)
		s.Buffer(make([]byte, 0, 64*1024), int(worker.MaxBody))
		for s.Scan() {
			line := strings.TrimSpace(s.Text())
			if line == "" {
				continue
			}
			var input map[string]interface{}
			if err := json.Unmarshal([]byte(line), &input); err != nil {
				return fmt.Errorf("bad message %q: %w", line, err)
			}
			res, err := w.Scan(ctx, input, settings)
			if err != nil {
				return err
			}
			js, err := json.Marshal(res)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s\n", js)
		}
		return s.Err()
	}

	if len(filenames) == 0 {
		return one(a.in)
	}
	for _, filename := range filenames {
		f, err := os.Open(filename)
		if err != nil {
			return err
		}
		err = one(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", filename, err)
		}
	}
	return nil
}

func (a *app) serve(ctx context.Context) error {
	wc := a.cfg.Worker

	var store stats.Store = stats.NewMemStore()
	if wc.Stats.Path != "" {
		s := bolt.NewStorage(wc.Stats.Path)
		s.Debug = a.flagVerbose
		if err := s.Open(ctx); err != nil {
			return err
		}
		store = s
	}
	defer store.Close()

	var notifier stats.Notifier
	if wc.MQTT.Broker != "" {
		c, err := mqtt.Dial(ctx, wc.MQTT.Broker, wc.MQTT.ClientID)
		if err != nil {
			return err
		}
		defer c.Close()
		notifier = mqtt.NewNotifier(c, wc.MQTT.Topic)
	}

	r, err := stats.NewRefresher(a.cache, wc.Stats.Schedule, store, notifier)
	if err != nil {
		return err
	}
	r.Params = wc.Stats.PeakParams()
	r.Log = a.log

	w, err := a.newWorker(worker.WithRefresher(r), worker.WithAddr(wc.HTTP.Addr))
	if err != nil {
		return err
	}
	return w.Run(ctx)
}
