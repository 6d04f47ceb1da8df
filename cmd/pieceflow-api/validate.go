package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/pieceflow/pieceflow/pkg/cmd"
	"github.com/pieceflow/pieceflow/pkg/flowfile"
	"github.com/pieceflow/pieceflow/pkg/log"
)

// ErrInvalidFlows reports that at least one flow definition failed
// validation.
var ErrInvalidFlows = errors.New("invalid flow definitions found")

func newValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Validate flow definition files without touching the database",
		ArgsUsage: "FILE|DIR [FILE|DIR...]",
		Action: func(ctx context.Context, command *cli.Command) error {
			logger := log.WithModule("api").With("action", "validate")

			definitions, err := loadDefinitions(command.Args().Slice())
			if err != nil {
				return err
			}

			registry := cmd.NewRegistry(logger)

			fmt.Println("Flow Definition Validation Results:")
			fmt.Println("===================================")

			valid := 0
			invalid := 0

			for _, definition := range definitions {
				err := definition.Validate(registry)
				if err != nil {
					fmt.Printf("  INVALID %s: %v\n", definition.Name, err)

					invalid++

					continue
				}

				fmt.Printf("  OK      %s (%d steps)\n", definition.Name, len(definition.Steps))

				valid++
			}

			fmt.Printf("\n%d valid, %d invalid\n", valid, invalid)

			if invalid > 0 {
				return ErrInvalidFlows
			}

			return nil
		},
	}
}

func newSeedCommand() *cli.Command {
	return &cli.Command{
		Name:      "seed",
		Usage:     "Load flow definition files into the database as new versions",
		ArgsUsage: "FILE|DIR [FILE|DIR...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.BoolFlag{
				Name:  "lock",
				Usage: "Lock each seeded version so it becomes runnable",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			logger := log.WithModule("api").With("action", "seed")

			definitions, err := loadDefinitions(command.Args().Slice())
			if err != nil {
				return err
			}

			registry := cmd.NewRegistry(logger)

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return fmt.Errorf("failed to open persistence: %w", err)
			}

			defer func() {
				err := persistence.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			for _, definition := range definitions {
				version, err := flowfile.Seed(ctx, persistence.Flows(), definition, registry, command.Bool("lock"))
				if err != nil {
					return fmt.Errorf("failed to seed flow %q: %w", definition.Name, err)
				}

				fmt.Printf("Seeded %s: flow %s version %d (%s)\n",
					definition.Name, version.FlowID, version.Version, version.State)
			}

			return nil
		},
	}
}

func loadDefinitions(paths []string) ([]*flowfile.Definition, error) {
	if len(paths) == 0 {
		return nil, errors.New("at least one flow definition file or directory is required")
	}

	var definitions []*flowfile.Definition

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %q: %w", path, err)
		}

		if info.IsDir() {
			loaded, err := flowfile.LoadDir(path)
			if err != nil {
				return nil, err
			}

			definitions = append(definitions, loaded...)

			continue
		}

		definition, err := flowfile.Load(path)
		if err != nil {
			return nil, err
		}

		definitions = append(definitions, definition)
	}

	return definitions, nil
}
