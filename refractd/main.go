package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/refract/refract/refract"
)

const RefractdVersion = "1.0.0"

func main() {
	usage := `Refract collaborative session reflector.

Usage:
    refractd serve [--config=<config>] [--listen=<listen>] [--manage_listen=<manage_listen>]
        [--mode=<mode>] [--postgres_dsn=<dsn>] [--redis_url=<url>]
        [-v...]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --config=<config>                Path to a yaml config file.
    --listen=<listen>                Client listen address.
    --manage_listen=<manage_listen>  Management listen address.
    --mode=<mode>                    One of volatile, postgres, redis.
    --postgres_dsn=<dsn>             Postgres connection string.
    --redis_url=<url>                Redis url.
    -v...                            Enable verbose mode.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RefractdVersion)
	if err != nil {
		panic(err)
	}

	if v, _ := opts.Int("-v"); 0 < v {
		initGlog(v)
	} else {
		initGlog(0)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func initGlog(v int) {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", fmt.Sprintf("%d", v))
	flag.Parse()
}

func serve(opts docopt.Opts) {
	configPath, _ := opts.String("--config")
	config, err := refract.LoadConfig(configPath)
	if err != nil {
		glog.Errorf("[main]config: %s\n", err)
		os.Exit(1)
	}
	if listen, err := opts.String("--listen"); err == nil && listen != "" {
		config.Listen = listen
	}
	if manageListen, err := opts.String("--manage_listen"); err == nil && manageListen != "" {
		config.Manage.Listen = manageListen
	}
	if mode, err := opts.String("--mode"); err == nil && mode != "" {
		config.Mode = mode
	}
	if dsn, err := opts.String("--postgres_dsn"); err == nil && dsn != "" {
		config.PostgresDsn = dsn
	}
	if url, err := opts.String("--redis_url"); err == nil && url != "" {
		config.RedisUrl = url
	}
	if err := config.Validate(); err != nil {
		glog.Errorf("[main]config: %s\n", err)
		os.Exit(1)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-stopSignal
		glog.Infof("[main]%s, shutting down\n", sig)
		cancel()
	}()

	store, err := config.OpenStore(cancelCtx)
	if err != nil {
		glog.Errorf("[main]open store: %s\n", err)
		os.Exit(1)
	}
	defer store.Close()

	server := refract.NewServer(cancelCtx, store, config.ServerSettings())
	manager := refract.NewManager(cancelCtx, server, config.ManagerSettings(), cancel)

	go func() {
		if err := manager.ListenAndServe(); err != nil {
			glog.Errorf("[main]manage listen: %s\n", err)
			cancel()
		}
	}()

	if err := server.ListenAndServe(); err != nil {
		glog.Errorf("[main]listen: %s\n", err)
		os.Exit(1)
	}
}
