package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"canscope/config"
	"canscope/export"
	"canscope/poller"
	"canscope/utils"
)

const (
	PROGRESS_EVERY = 500
	RETRY_INTERVAL = time.Second
	markColour     = "\033[1;33m"
	resetColour    = "\033[0m"
)

func main() {
	flags := config.GetLoggerFlags()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	name := "canscope_log_" + time.Now().Format("20060102_150405")
	filePath := utils.NextAvailableFilename(flags.Dir, name, ".csv")

	fmt.Println("canscope logger")
	fmt.Printf("sniffer: %s\n", flags.URL)
	fmt.Printf("output:  %s\n\n", filePath)

	p := poller.New(flags.URL, flags.Batch)
	if err := waitForSniffer(ctx, p); err != nil {
		return
	}

	file, err := os.Create(filePath)
	if err != nil {
		log.Fatalf("couldn't create %s: %s", filePath, err)
	}
	defer func(file *os.File) {
		err := file.Close()
		if err != nil {
			log.Printf("couldn't close file: %s", err)
		}
	}(file)

	var archive *export.Archive
	if flags.Archive != "" {
		archive, err = export.NewArchive(flags.Archive)
		if err != nil {
			log.Fatalf("couldn't open archive: %s", err)
		}
		defer archive.Close()
	}

	fmt.Printf("logging to %s, press Ctrl+C to stop\n\n", filepath.Base(filePath))

	l := &logger{flags: flags, csv: export.NewCSVWriter(file), archive: archive}
	if err := l.run(ctx, p); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("logger stopped: %s", err)
	}

	fmt.Printf("\nstopped. %d messages and %d marks saved to %s\n", l.messages, l.marks, filePath)
	if l.missed > 0 {
		fmt.Printf("%d entries were evicted before they could be fetched\n", l.missed)
	}
}

func waitForSniffer(ctx context.Context, p *poller.Poller) error {
	fmt.Print("connecting...")
	for {
		status, err := p.Status(ctx)
		if err == nil {
			fmt.Printf(" connected! baud: %s\n", status.Baud)
			return nil
		}
		fmt.Print(".")
		select {
		case <-ctx.Done():
			fmt.Println()
			return ctx.Err()
		case <-time.After(RETRY_INTERVAL):
		}
	}
}

type logger struct {
	flags   *config.LoggerFlags
	csv     *export.CSVWriter
	archive *export.Archive

	messages uint64
	marks    uint64
	missed   uint64
	reported uint64
}

func (l *logger) run(ctx context.Context, p *poller.Poller) error {
	for {
		batch, err := p.Poll(ctx)
		wait := l.flags.Interval
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			log.Printf("poll: %s", err)
			wait = RETRY_INTERVAL
		default:
			if err := l.write(batch); err != nil {
				return err
			}
			if batch.More {
				wait = 0
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (l *logger) write(batch poller.Batch) error {
	if batch.SessionChanged {
		fmt.Printf("%s  sniffer was reset, new session %s%s\n", markColour, batch.Session, resetColour)
	}
	if batch.Gap != nil {
		l.missed += batch.Gap.Missed()
		log.Printf("missed %d entries between %d and %d, poll faster or grow -log-size", batch.Gap.Missed(), batch.Gap.LastSeen, batch.Gap.Resumed)
		if l.archive != nil {
			if err := l.archive.RecordGap(batch.Session, batch.Gap.LastSeen, batch.Gap.Resumed); err != nil {
				return err
			}
		}
	}
	if len(batch.Entries) == 0 {
		return nil
	}

	if err := l.csv.Write(batch.Entries...); err != nil {
		return err
	}
	// flushed every batch so a crash loses at most one poll
	if err := l.csv.Flush(); err != nil {
		return err
	}
	if l.archive != nil {
		if _, err := l.archive.RecordEntries(batch.Session, batch.Entries); err != nil {
			return err
		}
	}

	for _, entry := range batch.Entries {
		if entry.IsAnnotation() {
			l.marks++
			if !l.flags.Quiet {
				fmt.Printf("%s  %10dms  >>> %s%s\n", markColour, entry.TimestampMs, entry.Text, resetColour)
			}
			continue
		}
		l.messages++
	}

	if l.messages/PROGRESS_EVERY > l.reported {
		l.reported = l.messages / PROGRESS_EVERY
		fmt.Printf("  [%s] %d messages, %d marks, last seq %d\n", time.Now().Format("15:04:05"), l.messages, l.marks, batch.Entries[len(batch.Entries)-1].Sequence)
	}
	return nil
}
