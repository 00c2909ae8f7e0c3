package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/quizlive/go/internal/eventlog"
	"github.com/mcdev12/quizlive/go/internal/eventlog/memory"
	"github.com/mcdev12/quizlive/go/internal/models"
)

func countIdentity(ps []models.Participant, identity string) int {
	n := 0
	for _, p := range ps {
		if p.Identity == identity && p.Active {
			n++
		}
	}
	return n
}

func TestJoinLeaveSequencesAreIdempotent(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		steps string // j = join, l = leave
		want  int
	}{
		{"single join", "j", 1},
		{"double join", "jj", 1},
		{"join leave", "jl", 0},
		{"join leave join", "jlj", 1},
		{"leave first", "ljj", 1},
		{"reconnect storm", "jjjljjlj", 1},
		{"double leave", "jll", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(memory.New(clockwork.NewFakeClock()))
			for _, s := range tt.steps {
				var err error
				switch s {
				case 'j':
					_, err = r.Join(ctx, "5ABC9", "stud1", "fox")
				case 'l':
					err = r.Leave(ctx, "5ABC9", "stud1")
				}
				if err != nil {
					t.Fatalf("step %c: %v", s, err)
				}
			}

			ps, err := r.List(ctx, "5ABC9")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if got := countIdentity(ps, "stud1"); got != tt.want {
				t.Fatalf("entries for stud1: want=%d got=%d", tt.want, got)
			}
		})
	}
}

func TestRejoinKeepsJoinOrder(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	r := NewRegistry(memory.New(clock))

	for _, id := range []string{"ana", "ben", "cy"} {
		if _, err := r.Join(ctx, "5ABC9", id, ""); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
		clock.Advance(time.Second)
	}
	if _, err := r.Join(ctx, "5ABC9", "ana", "owl"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}

	ps, err := r.List(ctx, "5ABC9")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ps) != 3 || ps[0].Identity != "ana" || ps[0].Avatar != "owl" {
		t.Fatalf("order: got=%+v", ps)
	}
}

func TestHostIdentityIsReserved(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(memory.New(clockwork.NewFakeClock()))

	if _, err := r.Join(ctx, "5ABC9", models.HostIdentity, ""); !errors.Is(err, ErrReservedIdentity) {
		t.Fatalf("join as host: want=%v got=%v", ErrReservedIdentity, err)
	}
	if _, err := r.Join(ctx, "5ABC9", "", ""); !errors.Is(err, ErrEmptyIdentity) {
		t.Fatalf("empty identity: want=%v got=%v", ErrEmptyIdentity, err)
	}

	host, err := r.JoinHost(ctx, "5ABC9", "")
	if err != nil {
		t.Fatalf("join host: %v", err)
	}
	if host.Ranked() {
		t.Fatalf("host must not be ranked")
	}
}

func TestJoinSurfacesConnectivity(t *testing.T) {
	l := memory.New(clockwork.NewFakeClock())
	l.SetOffline(true)
	r := NewRegistry(l)

	_, err := r.Join(context.Background(), "5ABC9", "stud1", "")
	if !eventlog.IsConnectivity(err) {
		t.Fatalf("want connectivity error, got %v", err)
	}
}

func TestWatchFollowsPushes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := memory.New(clockwork.NewRealClock())
	r := NewRegistry(l, WithPollInterval(time.Hour))

	updates, err := r.Watch(ctx, "5ABC9", nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if got := <-updates; len(got) != 0 {
		t.Fatalf("initial: want empty got=%v", got)
	}

	if _, err := r.Join(ctx, "5ABC9", "stud1", ""); err != nil {
		t.Fatalf("join: %v", err)
	}

	select {
	case got := <-updates:
		if len(got) != 1 || got[0].Identity != "stud1" {
			t.Fatalf("after join: got=%+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no update after join")
	}
}

func TestWatchFallsBackToPolling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	l := memory.New(clock)
	l.DropNotifications(true)
	r := NewRegistry(l, WithClock(clock), WithPollInterval(time.Second))

	updates, err := r.Watch(ctx, "5ABC9", nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	<-updates

	if _, err := r.Join(ctx, "5ABC9", "stud1", ""); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("wait for poller: %v", err)
	}
	clock.Advance(time.Second)

	select {
	case got := <-updates:
		if len(got) != 1 {
			t.Fatalf("after poll: got=%+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("poll did not pick up the join")
	}
}
