package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/appliedoceansciences/cobs-to-shm/internal/ingest"
	"github.com/appliedoceansciences/cobs-to-shm/internal/obslog"
	"github.com/appliedoceansciences/cobs-to-shm/internal/serialio"
	"github.com/appliedoceansciences/cobs-to-shm/internal/xcmd"
)

func runIngest(cmd *cobra.Command, args []string) error {
	devicePath, baud, err := serialio.ParseDeviceSpec(args[0])
	if err != nil {
		return err
	}

	var stagingDir string
	if len(args) == 2 {
		stagingDir = args[1]
	}

	logger, err := obslog.New(rootCmdArgs.debug)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer logger.Sync()

	device, err := serialio.Open(devicePath, baud)
	if err != nil {
		return fmt.Errorf("open serial device: %w", err)
	}
	defer device.Close()

	completed := bufio.NewWriter(os.Stdout)
	defer completed.Flush()

	cfg := ingest.Config{
		Source:       device,
		SegmentName:  rootCmdArgs.segmentName,
		RingCapacity: rootCmdArgs.ringCapacity,
		StagingDir:   stagingDir,
		Completed:    &flushingWriter{w: completed},
		Logger:       logger,
	}

	wg, ctx := errgroup.WithContext(context.Background())

	wg.Go(func() error {
		return ingest.Run(ctx, cfg)
	})

	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		logger.Infow("caught termination signal", "error", err)
		return err
	})

	if err := wg.Wait(); err != nil {
		var interrupted xcmd.Interrupted
		if errors.As(err, &interrupted) || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return nil
}

// flushingWriter flushes the underlying *bufio.Writer after every write, so
// each completed chunk path appears on stdout as its own flushed line
// immediately, while still coalescing each path's bytes into a single write.
type flushingWriter struct {
	w *bufio.Writer
}

func (f *flushingWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, f.w.Flush()
}
