package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/mcdev12/quizlive/go/internal/content"
	contentdb "github.com/mcdev12/quizlive/go/internal/content/postgres"
	"github.com/mcdev12/quizlive/go/internal/dbconfig"
)

// seed_questions loads every *.yaml question set under a directory into the
// content tables. Usage: seed_questions [dir]
func main() {
	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not load .env file: %v\n", err)
	}

	dir := "go/internal/assets/questions"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "glob %s: %v\n", dir, err)
		os.Exit(1)
	}
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "no question sets in %s\n", dir)
		os.Exit(1)
	}

	cfg, err := dbconfig.NewConfigFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "db config: %v\n", err)
		os.Exit(1)
	}
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect error: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	provider := contentdb.New(pool)
	if err := provider.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	total, failed := 0, 0
	for _, path := range paths {
		set, err := content.LoadQuestionSet(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skip %s: %v\n", path, err)
			failed++
			continue
		}
		n, err := provider.SaveQuestionSet(ctx, set)
		if err != nil {
			fmt.Fprintf(os.Stderr, "save %s: %v\n", set.ModuleID, err)
			failed++
			continue
		}
		total += n
		fmt.Printf("seeded %s (%d questions)\n", set.ModuleID, n)
	}

	fmt.Printf("Question seeding complete: %d questions from %d files, %d failed\n", total, len(paths)-failed, failed)
	if failed > 0 {
		os.Exit(1)
	}
}
