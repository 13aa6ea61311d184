package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/urfave/cli"

	"github.com/creatordeck/coresync/lib"
	"github.com/creatordeck/coresync/log"
	"github.com/creatordeck/coresync/pkg/datasync"
	"github.com/creatordeck/coresync/pkg/datasync/transport"
	"github.com/creatordeck/coresync/pkg/datasync/viewport"
)

var mainLog = log.GetLogger("main")

const version = "0.1.0"

func defaultConfigPath() string {
	home, err := homedir.Dir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".coresync", "config.yaml")
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "coresync"
	app.Version = version
	app.Usage = "client-side sync core smoke tool"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Value: defaultConfigPath(),
			Usage: "path to the sync config file",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "debug, info, warn or error",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "console",
			Usage: "console or json",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:      "warm",
			Usage:     "prefetch the given routes into the cache and print what arrived",
			ArgsUsage: "ROUTE [ROUTE...]",
			Action:    cmdWarm,
		},
		{
			Name:      "upload",
			Usage:     "upload the given files in chunks and print their URLs",
			ArgsUsage: "FILE [FILE...]",
			Action:    cmdUpload,
		},
		{
			Name:      "window",
			Usage:     "print the render window for a virtualized list",
			ArgsUsage: "SCROLL ITEM_HEIGHT VIEWPORT_HEIGHT TOTAL [OVERSCAN]",
			Action:    cmdWindow,
		},
	}
	return app
}

func initLogging(c *cli.Context) {
	log.SetLoggersConfig(&log.LogConfig{
		Level:  c.GlobalString("log-level"),
		Format: c.GlobalString("log-format"),
		Color:  lib.IsTTY(os.Stdout),
	})
}

// startCore loads config, builds the core and starts its background loops.
// The returned stop func cancels the loops and waits for them.
func startCore(c *cli.Context) (*datasync.Core, func(), error) {
	initLogging(c)

	cfg, err := datasync.LoadConfig(c.GlobalString("config"))
	if err != nil {
		if errors.Is(err, datasync.ErrConfigMissing) {
			return nil, nil, fmt.Errorf("no config found, template written to %s: edit base_url and retry", c.GlobalString("config"))
		}
		return nil, nil, err
	}

	client, err := transport.NewHTTPClient(cfg.BaseURL,
		time.Duration(cfg.Transport.RequestTimeoutSec)*time.Second)
	if err != nil {
		return nil, nil, err
	}

	core, err := datasync.New(*cfg, client)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		if runErr := core.Run(ctx); runErr != nil {
			mainLog.Error().Err(runErr).Msg("sync core stopped")
		}
		close(done)
	}()

	stop := func() {
		cancel()
		<-done
	}
	return core, stop, nil
}

func cmdWarm(c *cli.Context) error {
	if len(c.Args()) == 0 {
		mainLog.E(cli.ShowCommandHelp(c, "warm"))
		return fmt.Errorf("warm: at least one route is required")
	}

	core, stop, err := startCore(c)
	if err != nil {
		return err
	}
	defer stop()

	client, err := transport.NewHTTPClient(core.BaseURL(), 30*time.Second)
	if err != nil {
		return err
	}

	for i, route := range c.Args() {
		route := route
		core.Prefetch.Queue(route, route, func(ctx context.Context) (json.RawMessage, error) {
			resp, err := client.Send(ctx, "GET", route, nil)
			if err != nil {
				return nil, err
			}
			if resp.Status/100 != 2 {
				return nil, transport.StatusError{Status: resp.Status}
			}
			return resp.Body, nil
		}, len(c.Args())-i)
	}

	deadline := time.Now().Add(30 * time.Second)
	for core.Prefetch.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	for _, route := range c.Args() {
		if v, ok := core.Cache.Get(route); ok {
			fmt.Printf("%s: %d bytes cached\n", route, len(v))
		} else {
			fmt.Printf("%s: not cached\n", route)
		}
	}
	return nil
}

func cmdUpload(c *cli.Context) error {
	if len(c.Args()) == 0 {
		mainLog.E(cli.ShowCommandHelp(c, "upload"))
		return fmt.Errorf("upload: at least one file is required")
	}

	core, stop, err := startCore(c)
	if err != nil {
		return err
	}
	defer stop()

	ctx := context.Background()
	for _, path := range c.Args() {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return err
		}

		name := filepath.Base(path)
		url, err := core.Uploader.Upload(ctx, name, f, info.Size(), func(pct float64) {
			mainLog.Debug().Str("file", name).Float64("pct", pct).Msg("upload progress")
		})
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("upload %s: %w", name, err)
		}
		fmt.Printf("%s: %s\n", name, url)
	}
	return nil
}

func cmdWindow(c *cli.Context) error {
	initLogging(c)

	args := c.Args()
	if len(args) < 4 {
		mainLog.E(cli.ShowCommandHelp(c, "window"))
		return fmt.Errorf("window: four numeric arguments are required")
	}

	nums := make([]float64, 4)
	for i := 0; i < 4; i++ {
		n, err := strconv.ParseFloat(args[i], 64)
		if err != nil {
			return fmt.Errorf("argument %d: %w", i+1, err)
		}
		nums[i] = n
	}
	overscan := 0
	if len(args) > 4 {
		n, err := strconv.Atoi(args[4])
		if err != nil {
			return fmt.Errorf("overscan: %w", err)
		}
		overscan = n
	}

	w := viewport.Compute(viewport.Params{
		ScrollOffset:   nums[0],
		ItemHeight:     nums[1],
		ViewportHeight: nums[2],
		TotalItems:     int(nums[3]),
		Overscan:       overscan,
	})
	out, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		mainLog.Error().Err(err).Msg("coresync failed")
		os.Exit(1)
	}
}
