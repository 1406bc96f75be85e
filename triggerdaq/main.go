package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	triggerdaq "github.com/next-exp/triggerdaq_go/pkg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	logger        Logger
	configuration triggerdaq.Configuration
)

func main() {
	configFilename := flag.String("config", "", "Configuration file path")
	activate := flag.Bool("activate", false, "Activate the DAQ at startup")
	flag.Parse()

	logger = newLogger(0)
	var err error
	configuration, err = triggerdaq.LoadConfiguration(*configFilename)
	if err != nil {
		message := fmt.Errorf("Error reading configuration file: %w", err)
		logger.Error(message.Error())
		os.Exit(1)
	}
	logger = newLogger(configuration.Verbosity)
	triggerdaq.SetConfiguration(configuration)
	triggerdaq.SetLogger(logger)

	if configuration.Verbosity > 0 {
		logger.Info(fmt.Sprintf("Reading configuration file: %s", *configFilename), "main")
		printConfiguration(configuration, logger)
	}

	if err := run(*activate || configuration.DAQ.ActivateAtStartup); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}

func run(activate bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []triggerdaq.ControlOption{}

	if !configuration.NoDB {
		dbConn, err := triggerdaq.OpenCatalogDatabase(configuration)
		if err != nil {
			return fmt.Errorf("Error connection to database: %w", err)
		}
		catalog, err := triggerdaq.NewRunCatalog(dbConn)
		if err != nil {
			dbConn.Close()
			return fmt.Errorf("Error preparing run catalog: %w", err)
		}
		defer catalog.Close()
		opts = append(opts, triggerdaq.WithCatalog(catalog))
	}

	relayer, err := triggerdaq.NewRelayer(configuration.NatsURL, configuration.NatsSubject)
	if err != nil {
		return err
	}
	defer relayer.Close()
	opts = append(opts, triggerdaq.WithRelayer(relayer))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := triggerdaq.NewMetrics()
	if err := metrics.Register(registry); err != nil {
		return err
	}
	opts = append(opts, triggerdaq.WithMetrics(metrics))

	control := triggerdaq.NewDAQControl(configuration, opts...)
	runEnded := make(chan struct{}, 1)
	var running atomic.Bool
	control.OnStatusChange(func(r triggerdaq.StatusReport) {
		switch r.Status {
		case "running":
			running.Store(true)
		case "activated":
			if running.Swap(false) {
				select {
				case runEnded <- struct{}{}:
				default:
				}
			}
		}
	})
	defer func() {
		if control.Status() == triggerdaq.StatusDeactivated {
			return
		}
		if err := control.Deactivate(); err != nil {
			logger.Error(fmt.Sprintf("Error deactivating: %v", err))
		}
	}()

	if activate {
		if err := control.Activate(ctx); err != nil {
			return err
		}
		if configuration.DAQ.DurationMs > 0 && !configuration.Server.Enabled {
			if _, err := control.StartRun(triggerdaq.RunRequest{}); err != nil {
				return err
			}
		}
	}

	if configuration.Server.Enabled {
		server := triggerdaq.NewServer(control, registry)
		return server.ListenAndServe(ctx, configuration.Server.Address)
	}

	// Without a server the process ends with the first run or the pipeline.
	pipelineDone := make(chan struct{})
	go func() {
		control.Wait(ctx)
		close(pipelineDone)
	}()
	select {
	case <-ctx.Done():
	case <-runEnded:
	case <-pipelineDone:
	}
	logger.Info(fmt.Sprintf("DAQ %v", control.Status()), "main")
	return nil
}
