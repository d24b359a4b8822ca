package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"canscope/capture"
	"canscope/config"
	"canscope/console"
	"canscope/drivers"
	"canscope/events"
	"canscope/publish"
	"canscope/web/handlers"
)

func main() {
	flags, captureFlags, serialFlags, replayFlags, socketCANFlags, mqttFlags := config.GetFlags()

	// Create the correct source
	var source drivers.Source
	switch flags.Driver {
	case config.SLCAN:
		source = drivers.NewSLCAN(serialFlags)
	case config.SocketCAN:
		source = drivers.NewSocketCAN(socketCANFlags)
	case config.Replay:
		source = drivers.NewReplayer(replayFlags)
	default:
		log.Fatalf("unsupported driver type: %s", flags.Driver)
		return
	}
	defer func() {
		if err := source.Close(); err != nil {
			log.Printf("couldn't close source: %s", err)
		}
	}()

	opts := capture.Options{
		Rate:          flags.Rate,
		TableCapacity: captureFlags.TableCapacity,
		LogCapacity:   captureFlags.LogCapacity,
		TrialCapacity: captureFlags.TrialCapacity,
		ScanWindow:    captureFlags.ScanWindow,
	}
	if captureFlags.Record && flags.Driver != config.Replay {
		recorder, err := drivers.NewRecorder(drivers.LOG_DIR)
		if err != nil {
			log.Fatalf("couldn't open recorder: %s", err)
		}
		log.Printf("recording to %s", recorder.Name())
		defer func() {
			if err := recorder.Close(); err != nil {
				log.Printf("couldn't close recorder: %s", err)
			}
		}()
		opts.Recorder = recorder
	}

	hub := events.NewHub()
	sniffer := capture.New(source, hub, opts)

	// A receiver that never comes up leaves the sniffer halted, the web api still reports it
	if err := sniffer.Start(); err != nil {
		log.Printf("couldn't start receiver: %s", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := sniffer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("error running sniffer: %s", err)
		}
	}()

	if mqttFlags.Broker != "" {
		client := publish.Connect(mqttFlags)
		defer client.Disconnect(250)
		go publish.NewBridge(client, mqttFlags.Topic).Run(ctx, hub)
	}

	if flags.Console || flags.Echo {
		term := console.New(sniffer, os.Stdout, captureFlags.ConsoleScanWindow)
		if flags.Echo {
			go term.Echo(ctx, hub)
		}
		if flags.Console {
			go func() {
				defer stop()
				if err := term.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Printf("console: %s", err)
				}
			}()
		}
	}

	// Initialise UI
	dashboard, err := web.NewDashboard(sniffer)
	if err != nil {
		log.Fatalf("couldn't init dashboard: %s", err)
	}

	// Initialise Server
	server := web.NewServer(sniffer, dashboard)
	go func() {
		if err := server.Start(flags.Addr); err != nil {
			log.Printf("couldn't start server: %s", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")
}
