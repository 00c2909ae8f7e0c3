package termination

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/quizlive/go/internal/eventlog/memory"
	"github.com/mcdev12/quizlive/go/internal/models"
)

func seed(t *testing.T, l *memory.Log, code string, identities ...string) {
	t.Helper()
	ctx := context.Background()
	if err := l.CreateSession(ctx, models.Session{Code: code, HostID: "teacher-1"}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	for _, id := range identities {
		role := models.RolePlayer
		if id == models.HostIdentity {
			role = models.RoleHost
		}
		if _, err := l.UpsertParticipant(ctx, models.Participant{SessionCode: code, Identity: id, Role: role}); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
		if err := l.UpsertProgress(ctx, models.ProgressRecord{SessionCode: code, Identity: id, Progress: 50}); err != nil {
			t.Fatalf("progress %s: %v", id, err)
		}
	}
	if _, err := l.AppendEvent(ctx, models.SessionEvent{SessionCode: code, EventType: models.EventTypeStarted}); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func assertEmpty(t *testing.T, l *memory.Log, code string) {
	t.Helper()
	ctx := context.Background()
	ps, _ := l.ListParticipants(ctx, code)
	recs, _ := l.ListProgress(ctx, code)
	evs, _ := l.ListEvents(ctx, code, models.EventTypeStarted)
	acks, _ := l.ListAcks(ctx, code)
	if len(ps)+len(recs)+len(evs)+len(acks) != 0 {
		t.Fatalf("leftover rows: participants=%d progress=%d events=%d acks=%d",
			len(ps), len(recs), len(evs), len(acks))
	}
	if _, err := l.GetSession(ctx, code); err == nil {
		t.Fatalf("session row still present")
	}
}

func TestNoPurgeUntilEveryoneReturned(t *testing.T) {
	ctx := context.Background()
	l := memory.New(clockwork.NewFakeClock())
	seed(t, l, "5ABC9", "ana", "ben")

	purged, done, err := New(l, "5ABC9", "ana").Finish(ctx)
	if err != nil || purged || done {
		t.Fatalf("first finish: purged=%v done=%v err=%v", purged, done, err)
	}
	if ps, _ := l.ListParticipants(ctx, "5ABC9"); len(ps) != 2 {
		t.Fatalf("participants purged early")
	}

	purged, done, err = New(l, "5ABC9", "ben").Finish(ctx)
	if err != nil || !purged || !done {
		t.Fatalf("last finish: purged=%v done=%v err=%v", purged, done, err)
	}
	assertEmpty(t, l, "5ABC9")
}

func TestLeaversDoNotBlockPurge(t *testing.T) {
	ctx := context.Background()
	l := memory.New(clockwork.NewFakeClock())
	seed(t, l, "5ABC9", "ana", "ben")

	if err := l.DeleteParticipant(ctx, "5ABC9", "ben"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if purged, _, err := New(l, "5ABC9", "ana").Finish(ctx); err != nil || !purged {
		t.Fatalf("finish: purged=%v err=%v", purged, err)
	}
}

func TestConcurrentPurgeDeletesOnce(t *testing.T) {
	for run := 0; run < 25; run++ {
		l := memory.New(clockwork.NewFakeClock())
		seed(t, l, "5ABC9", "ana", "ben")

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			deleted int
		)
		for _, id := range []string{"ana", "ben"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				ok, err := New(l, "5ABC9", id).Purge(context.Background())
				if err != nil {
					t.Errorf("purge by %s: %v", id, err)
					return
				}
				if ok {
					mu.Lock()
					deleted++
					mu.Unlock()
				}
			}(id)
		}
		wg.Wait()

		if deleted != 1 {
			t.Fatalf("run %d: deletions want=1 got=%d", run, deleted)
		}
		assertEmpty(t, l, "5ABC9")
	}
}

// Two participants see everyone returned on the same poll tick and both purge.
func TestBothObserversPurgeOnSameTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	l := memory.New(clock)
	seed(t, l, "5ABC9", "ana", "ben")
	l.DropNotifications(true)

	type result struct {
		purged bool
		err    error
	}
	results := make(chan result, 2)
	for _, id := range []string{"ana", "ben"} {
		b := New(l, "5ABC9", id, WithClock(clock), WithPollInterval(time.Second))
		go func() {
			purged, err := b.Await(ctx, nil)
			results <- result{purged, err}
		}()
	}

	// both may already have released on their first check
	waitCtx, waitCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	_ = clock.BlockUntilContext(waitCtx, 2)
	waitCancel()
	clock.Advance(time.Second)

	purges := 0
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			if r.err != nil {
				t.Fatalf("await: %v", r.err)
			}
			if r.purged {
				purges++
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("barrier did not release")
		}
	}
	if purges != 1 {
		t.Fatalf("deleting purges: want=1 got=%d", purges)
	}
	assertEmpty(t, l, "5ABC9")
}

func TestForcePurgeRequiresHost(t *testing.T) {
	ctx := context.Background()
	l := memory.New(clockwork.NewFakeClock())
	seed(t, l, "5ABC9", models.HostIdentity, "ana")

	if _, err := New(l, "5ABC9", "ana").ForcePurge(ctx); !errors.Is(err, ErrNotHost) {
		t.Fatalf("player force purge: want=%v got=%v", ErrNotHost, err)
	}

	purged, err := New(l, "5ABC9", models.HostIdentity).ForcePurge(ctx)
	if err != nil || !purged {
		t.Fatalf("host force purge: purged=%v err=%v", purged, err)
	}
	assertEmpty(t, l, "5ABC9")

	if purged, err := New(l, "5ABC9", models.HostIdentity).ForcePurge(ctx); err != nil || purged {
		t.Fatalf("repeat force purge: purged=%v err=%v", purged, err)
	}
}

func TestAwaitReleasesWhenHostForcesEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := memory.New(clockwork.NewRealClock())
	seed(t, l, "5ABC9", models.HostIdentity, "ana", "ben")

	done := make(chan error, 1)
	go func() {
		_, err := New(l, "5ABC9", "ana", WithPollInterval(time.Hour)).Await(ctx, nil)
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		acks, _ := l.ListAcks(ctx, "5ABC9")
		if len(acks) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ana never acknowledged")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := New(l, "5ABC9", models.HostIdentity).ForcePurge(ctx); err != nil {
		t.Fatalf("force purge: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("await: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("await did not release after forced end")
	}
}
