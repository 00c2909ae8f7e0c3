package bots

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/quizlive/go/internal/eventlog/memory"
	"github.com/mcdev12/quizlive/go/internal/leaderboard"
	"github.com/mcdev12/quizlive/go/internal/models"
	"github.com/mcdev12/quizlive/go/internal/presence"
)

func newSim(t *testing.T, seed int64, mode models.GameMode) (*Simulator, *memory.Log) {
	t.Helper()
	l := memory.New(clockwork.NewFakeClock())
	scoring := leaderboard.NewScoring(models.GameSettings{PointsPerUnit: 10, Mode: mode}, 8)
	agg := leaderboard.NewAggregator(l, "SOLO1", "stud1", scoring)
	return NewSimulator(NewBots(DefaultTiers), 8, agg, WithSeed(seed)), l
}

// Correct counts over 20 rounds land in a wide band around each bot's skill.
func TestCorrectCountsTrackSkill(t *testing.T) {
	bands := map[string][2]int{
		"bot-1": {9, 20}, // 0.8
		"bot-2": {5, 19}, // 0.6
		"bot-3": {1, 15}, // 0.4
	}

	for seed := int64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			sim, _ := newSim(t, seed, models.ModeRace)
			for i := 0; i < 20; i++ {
				if _, err := sim.Round(context.Background()); err != nil {
					t.Fatalf("round %d: %v", i, err)
				}
			}
			for id, band := range bands {
				st, ok := sim.State(id)
				if !ok {
					t.Fatalf("no state for %s", id)
				}
				if st.Correct < band[0] || st.Correct > band[1] {
					t.Fatalf("%s correct: want in %v got=%d", id, band, st.Correct)
				}
				if st.Correct+st.Wrong != 20 {
					t.Fatalf("%s rounds: want=20 got=%d", id, st.Correct+st.Wrong)
				}
			}
		})
	}
}

func TestPositionStaysWithinTrack(t *testing.T) {
	sim := NewSimulator([]Bot{
		{Identity: "always", Skill: 1},
		{Identity: "never", Skill: 0},
	}, 8, leaderboard.NewAggregator(memory.New(clockwork.NewFakeClock()), "SOLO1", "stud1",
		leaderboard.NewScoring(models.GameSettings{}, 8)), WithSeed(7))

	for i := 0; i < 12; i++ {
		if _, err := sim.Round(context.Background()); err != nil {
			t.Fatalf("round: %v", err)
		}
	}

	if st, _ := sim.State("always"); st.Position != 8 || st.Correct != 12 {
		t.Fatalf("always: got=%+v", st)
	}
	if st, _ := sim.State("never"); st.Position != 0 || st.Wrong != 12 {
		t.Fatalf("never: got=%+v", st)
	}
}

// Concurrent rounds must each build on the previous committed state.
func TestConcurrentRoundsDoNotLoseUpdates(t *testing.T) {
	sim, _ := newSim(t, 3, models.ModeScore)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := sim.Round(context.Background()); err != nil {
				t.Errorf("round: %v", err)
			}
		}()
	}
	wg.Wait()

	if sim.Rounds() != 40 {
		t.Fatalf("rounds: want=40 got=%d", sim.Rounds())
	}
	for _, b := range sim.Bots() {
		st, _ := sim.State(b.Identity)
		if st.Correct+st.Wrong != 40 {
			t.Fatalf("%s: want 40 draws got=%+v", b.Identity, st)
		}
	}
}

func TestRoundWritesProgress(t *testing.T) {
	ctx := context.Background()
	sim, l := newSim(t, 11, models.ModeScore)

	if err := sim.Join(ctx, presence.NewRegistry(l), "SOLO1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := sim.Round(ctx); err != nil {
		t.Fatalf("round: %v", err)
	}

	recs, err := l.ListProgress(ctx, "SOLO1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("rows: want=3 got=%d", len(recs))
	}
	for _, r := range recs {
		st, _ := sim.State(r.Identity)
		if r.Score != st.Correct*10 || r.Progress != 1 {
			t.Fatalf("%s: row=%+v state=%+v", r.Identity, r, st)
		}
	}

	ps, err := l.ListParticipants(ctx, "SOLO1")
	if err != nil || len(ps) != 3 {
		t.Fatalf("participants: want=3 got=%d err=%v", len(ps), err)
	}
}

func TestRunStopsWhenGuardTrips(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	l := memory.New(clock)
	agg := leaderboard.NewAggregator(l, "SOLO1", "stud1", leaderboard.NewScoring(models.GameSettings{}, 8))
	sim := NewSimulator(NewBots(DefaultTiers), 8, agg, WithSeed(1), WithClock(clock))

	var (
		mu      sync.Mutex
		stopped bool
	)
	done := make(chan struct{})
	go func() {
		sim.Run(ctx, time.Second, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return stopped
		}, nil)
		close(done)
	}()

	for i := 1; i <= 3; i++ {
		if err := clock.BlockUntilContext(ctx, 1); err != nil {
			t.Fatalf("wait: %v", err)
		}
		clock.Advance(time.Second)
		waitRounds(t, sim, i)
	}

	mu.Lock()
	stopped = true
	mu.Unlock()
	clock.Advance(time.Second)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("simulator kept running after the guard tripped")
	}
	if sim.Rounds() != 3 {
		t.Fatalf("rounds: want=3 got=%d", sim.Rounds())
	}
}

func waitRounds(t *testing.T, sim *Simulator, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for sim.Rounds() < n {
		if time.Now().After(deadline) {
			t.Fatalf("rounds: want=%d got=%d", n, sim.Rounds())
		}
		time.Sleep(time.Millisecond)
	}
}
