package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mikey/phishguard/internal/adapters/intake"
	"github.com/mikey/phishguard/internal/adapters/report"
	"github.com/mikey/phishguard/internal/config"
	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/di"
	"github.com/mikey/phishguard/internal/pipeline"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const pollInterval = 50 * time.Millisecond

func main() {
	flags, err := di.ParseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	container, err := di.BuildCLIContainer(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	if err := container.Invoke(run); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run analyses the input and prints the report
func run(flags *di.CLIFlags, cfg *config.Config, logger *zap.Logger, svc *pipeline.Service) (err error) {
	defer logger.Sync()

	out := io.Writer(os.Stdout)
	if flags.OutputFile != "" {
		file, createErr := os.Create(flags.OutputFile)
		if createErr != nil {
			return fmt.Errorf("failed to create output file: %w", createErr)
		}
		defer func() {
			err = multierr.Append(err, file.Close())
		}()
		out = file
	}

	if err := svc.Start(context.Background()); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, svc.Stop(stopCtx))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), flags.Timeout)
	defer cancel()

	var tasks []*core.Task
	if flags.MboxFile != "" {
		pipelineCfg, err := cfg.GetOrchestratorConfig()
		if err != nil {
			return err
		}
		tasks, err = scanMbox(ctx, svc, logger, flags.MboxFile, pipelineCfg.MaxBatchItems)
		if err != nil {
			return err
		}
	} else {
		task, err := scanFile(ctx, svc, logger, flags.InputFile)
		if err != nil {
			return err
		}
		tasks = []*core.Task{task}
	}

	if flags.Format == "text" {
		return report.NewTextReporter(out, flags.Verbose).Write(tasks)
	}
	return report.Write(out, flags.Format, tasks, time.Now())
}

// scanFile analyses one message read from path, or stdin when path is empty
func scanFile(ctx context.Context, svc *pipeline.Service, logger *zap.Logger, path string) (*core.Task, error) {
	var r io.Reader = os.Stdin
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open input file: %w", err)
		}
		defer file.Close()
		r = file
		logger.Info("Reading email from file", zap.String("file", path))
	} else {
		logger.Info("Reading email from stdin")
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read email: %w", err)
	}

	id, err := svc.Submit(ctx, core.SourceFile, data)
	if err != nil {
		return nil, err
	}
	return waitTerminal(ctx, svc, id)
}

// scanMbox splits a mailbox into batches and returns every batch parent
// followed by its children
func scanMbox(ctx context.Context, svc *pipeline.Service, logger *zap.Logger, path string, batchSize int) ([]*core.Task, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mailbox: %w", err)
	}
	defer file.Close()

	messages, err := intake.SplitMbox(file, 0)
	if err != nil {
		return nil, err
	}
	logger.Info("Read mailbox", zap.String("file", path), zap.Int("messages", len(messages)))

	var tasks []*core.Task
	for _, items := range intake.Batches(messages, batchSize) {
		id, err := svc.SubmitBatch(ctx, items)
		if err != nil {
			return nil, err
		}
		if _, err := waitTerminal(ctx, svc, id); err != nil {
			return nil, err
		}
		status, err := svc.GetBatch(ctx, id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, status.Children...)
		tasks = append(tasks, status.Parent)
	}
	return tasks, nil
}

// waitTerminal polls a task until it completes or fails
func waitTerminal(ctx context.Context, svc *pipeline.Service, id string) (*core.Task, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		task, err := svc.GetStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status.IsTerminal() {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("gave up waiting for task %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}
