package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizlive/go/internal/bots"
	"github.com/mcdev12/quizlive/go/internal/config"
	"github.com/mcdev12/quizlive/go/internal/content"
	"github.com/mcdev12/quizlive/go/internal/eventlog/memory"
	"github.com/mcdev12/quizlive/go/internal/leaderboard"
	"github.com/mcdev12/quizlive/go/internal/models"
	"github.com/mcdev12/quizlive/go/internal/session"
)

// simulate plays one solo session against the configured bots on an in-memory
// event log and prints the final board. Usage: simulate [question-set.yaml]
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(cfg.Level())

	path := "go/internal/assets/questions/fractions-1.yaml"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	set, err := content.LoadQuestionSet(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "question set: %v\n", err)
		os.Exit(1)
	}
	provider, err := content.NewFileProvider(content.Library{
		Settings: map[string]models.GameSettings{"default": {DurationSec: 20, Mode: models.ModeRace}},
		Sets:     []content.QuestionSet{set},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "provider: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	started := make(chan session.Started, 1)
	finished := make(chan leaderboard.Snapshot, 1)
	closed := make(chan struct{})

	ctrl := session.New(session.Deps{Log: memory.New(clock), Content: provider}, session.Config{
		Identity:             "you",
		Avatar:               "owl",
		Criteria:             models.QuestionCriteria{ModuleID: set.ModuleID},
		StartPollInterval:    cfg.Session.StartPollInterval,
		PresencePollInterval: cfg.Session.PresencePollInterval,
		AckPollInterval:      cfg.Session.AckPollInterval,
		BoardPollInterval:    cfg.Session.BoardPollInterval,
		TickInterval:         cfg.Session.TickInterval,
		RaceCap:              cfg.Session.RaceCap,
		Bots:                 bots.NewBots(cfg.Session.BotTiers),
		Clock:                clock,
	}, session.Handlers{
		OnSessionStarted: func(s session.Started) { started <- s },
		OnTick: func(remaining int) {
			if remaining%5 == 0 {
				fmt.Printf("%2ds left\n", remaining)
			}
		},
		OnSessionEnding:   func(r session.EndReason) { fmt.Printf("game over: %s\n", r) },
		OnSessionFinished: func(s leaderboard.Snapshot) { finished <- s },
		OnClosed:          func() { close(closed) },
	})
	go ctrl.Run(ctx)

	code, err := ctrl.PlaySolo(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "play: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("session %s\n", code)

	var s session.Started
	select {
	case s = <-started:
	case <-ctx.Done():
		return
	}

	go answerAll(ctx, ctrl, s.Questions)

	select {
	case snap := <-finished:
		printBoard(snap)
	case <-ctx.Done():
		return
	}
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		fmt.Fprintln(os.Stderr, "session was not purged in time")
	}
}

// answerAll picks a random option for each question, one every two seconds.
func answerAll(ctx context.Context, ctrl *session.Controller, questions []models.Question) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for _, q := range questions {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		opt := q.Options[rand.Intn(len(q.Options))]
		res, err := ctrl.Answer(ctx, q.ID, opt.Key)
		if err != nil {
			fmt.Printf("%s: %v\n", q.ID, err)
			return
		}
		fmt.Printf("%s: %s correct=%v progress=%d\n", q.ID, opt.Label, res.Correct, res.Entry.Progress)
	}
}

func printBoard(snap leaderboard.Snapshot) {
	fmt.Println("final standings")
	for _, e := range snap.Entries {
		fmt.Printf("%d. %-8s progress=%3d score=%d\n", e.Rank, e.Identity, e.Progress, e.Score)
	}
}
