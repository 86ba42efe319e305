package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/MikeSquared-Agency/sopline/internal/anthropic"
	"github.com/MikeSquared-Agency/sopline/internal/audit"
	"github.com/MikeSquared-Agency/sopline/internal/compose"
	"github.com/MikeSquared-Agency/sopline/internal/decompose"
	"github.com/MikeSquared-Agency/sopline/internal/ingest"
	"github.com/MikeSquared-Agency/sopline/internal/pipeline"
	"github.com/MikeSquared-Agency/sopline/internal/store"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "sopctl",
		Usage: "Turn a process narrative into an SOP, waste audit, agent specification and master prompts",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "database-url", Usage: "PostgreSQL URL (default: in-memory store)", Sources: cli.EnvVars("DATABASE_URL")},
			&cli.StringFlag{Name: "anthropic-key", Usage: "API key for the text-generation service (default: rule-based fallbacks)", Sources: cli.EnvVars("ANTHROPIC_API_KEY")},
			&cli.StringFlag{Name: "model", Value: "claude-sonnet-4-20250514", Sources: cli.EnvVars("SOPLINE_MODEL")},
			&cli.IntFlag{Name: "sample", Usage: "Audit only the first N steps (0 = all)", Sources: cli.EnvVars("SOPLINE_AUDIT_SAMPLE")},
			&cli.IntFlag{Name: "workers", Value: 4, Usage: "Prompts composed in parallel", Sources: cli.EnvVars("SOPLINE_PROMPT_WORKERS")},
			&cli.StringFlag{Name: "author", Value: "sopline", Usage: "Author recorded in prompt metadata", Sources: cli.EnvVars("SOPLINE_PROMPT_AUTHOR")},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "Log stage progress to stderr"},
		},
		Commands: []*cli.Command{
			runCmd(),
			promptsCmd(),
			showCmd(),
		},
	}
}

func runCmd() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Ingest a narrative and run every stage",
		ArgsUsage: "<narrative.yaml>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "format", Value: "yaml", Usage: "Output format: yaml or json"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			b, closeFn, err := runNarrative(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeFn()
			return writeBundle(os.Stdout, b, cmd.String("format"))
		},
	}
}

func promptsCmd() *cli.Command {
	return &cli.Command{
		Name:      "prompts",
		Usage:     "Ingest a narrative, run every stage and print each agent's master prompt",
		ArgsUsage: "<narrative.yaml>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			b, closeFn, err := runNarrative(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeFn()
			if b.Prompts == nil || len(b.Prompts.Prompts) == 0 {
				fmt.Fprintln(os.Stderr, "no automatable steps found, no prompts generated")
				return nil
			}
			return writePrompts(os.Stdout, b.Prompts)
		},
	}
}

func showCmd() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "Print every stored artifact of an SOP",
		ArgsUsage: "<sop-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "format", Value: "yaml", Usage: "Output format: yaml or json"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := uuid.Parse(cmd.Args().First())
			if err != nil {
				return fmt.Errorf("sop id argument is required: %w", err)
			}
			if cmd.String("database-url") == "" {
				return fmt.Errorf("show needs --database-url; the in-memory store is empty")
			}
			ctrl, closeFn, err := buildController(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			b, err := ctrl.Bundle(ctx, id)
			if err != nil {
				return err
			}
			return writeBundle(os.Stdout, b, cmd.String("format"))
		},
	}
}

func runNarrative(ctx context.Context, cmd *cli.Command) (*pipeline.Bundle, func(), error) {
	path := cmd.Args().First()
	if path == "" {
		return nil, nil, fmt.Errorf("narrative file argument is required")
	}
	n, err := loadNarrative(path)
	if err != nil {
		return nil, nil, fmt.Errorf("loading narrative: %w", err)
	}

	ctrl, closeFn, err := buildController(ctx, cmd)
	if err != nil {
		return nil, nil, err
	}
	s, err := ctrl.Ingest(ctx, n)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	b, err := ctrl.Run(ctx, s.ID)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return b, closeFn, nil
}

func buildController(ctx context.Context, cmd *cli.Command) (*pipeline.Controller, func(), error) {
	var handler slog.Handler = slog.NewTextHandler(io.Discard, nil)
	if cmd.Bool("verbose") {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	logger := slog.New(handler)

	var st store.Store
	if url := cmd.String("database-url"); url != "" {
		pg, err := store.NewPostgres(ctx, url)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		st = pg
	} else {
		st = store.NewMemory()
	}

	var (
		auditLLM     audit.Completer
		decomposeLLM decompose.Completer
	)
	if key := cmd.String("anthropic-key"); key != "" {
		llm := anthropic.NewClient(key, cmd.String("model"))
		auditLLM, decomposeLLM = llm, llm
	}

	var opts []pipeline.Option
	if cmd.Bool("verbose") {
		opts = append(opts, pipeline.WithProgress(func(p pipeline.Progress) {
			fmt.Fprintf(os.Stderr, "[%s %d/%d] %s\n", p.Stage, p.Done, p.Total, p.Message)
		}))
	}

	ctrl := pipeline.New(st,
		ingest.New(),
		audit.New(auditLLM, logger, audit.WithSampleSize(int(cmd.Int("sample")))),
		decompose.New(decomposeLLM, logger),
		compose.New(logger, compose.WithWorkers(int(cmd.Int("workers"))), compose.WithAuthor(cmd.String("author"))),
		logger,
		opts...,
	)
	return ctrl, st.Close, nil
}
