package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/quizlive/go/internal/bots"
	"github.com/mcdev12/quizlive/go/internal/content"
	"github.com/mcdev12/quizlive/go/internal/eventlog"
	"github.com/mcdev12/quizlive/go/internal/eventlog/memory"
	"github.com/mcdev12/quizlive/go/internal/leaderboard"
	"github.com/mcdev12/quizlive/go/internal/models"
	"github.com/mcdev12/quizlive/go/internal/startbarrier"
)

const module = "fractions-1"

func library(settings models.GameSettings) content.Library {
	return content.Library{
		Settings: map[string]models.GameSettings{"default": settings},
		Sets: []content.QuestionSet{{
			ModuleID: module,
			Title:    "Fractions",
			Questions: []models.Question{
				{ID: "q1", Prompt: "1/2 + 1/2", CorrectKey: "a", Options: []models.Option{
					{Key: "a", Label: "1"}, {Key: "b", Label: "2"},
				}},
				{ID: "q2", Prompt: "1/4 + 1/4", CorrectKey: "b", Options: []models.Option{
					{Key: "a", Label: "1/8"}, {Key: "b", Label: "1/2"}, {Key: "c", Label: "2/4"},
				}},
			},
		}},
	}
}

func newProvider(t *testing.T, settings models.GameSettings) *content.FileProvider {
	t.Helper()
	p, err := content.NewFileProvider(library(settings))
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	return p
}

// probe records everything a controller pushes to its presentation layer.
type probe struct {
	clock clockwork.Clock

	mu       sync.Mutex
	presence []models.Participant
	started  *Started
	ticks    []int
	boards   int
	reason   EndReason
	endedAt  time.Time
	finished *leaderboard.Snapshot
	closed   bool
	conn     []Connectivity
	errs     []error
}

func (p *probe) handlers() Handlers {
	return Handlers{
		OnPresenceChanged: func(ps []models.Participant) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.presence = ps
		},
		OnSessionStarted: func(s Started) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.started = &s
		},
		OnTick: func(remaining int) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.ticks = append(p.ticks, remaining)
		},
		OnProgressChanged: func(leaderboard.Snapshot) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.boards++
		},
		OnSessionEnding: func(r EndReason) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.reason = r
			p.endedAt = p.clock.Now()
		},
		OnSessionFinished: func(s leaderboard.Snapshot) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.finished = &s
		},
		OnConnectivity: func(c Connectivity) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.conn = append(p.conn, c)
		},
		OnClosed: func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.closed = true
		},
		OnError: func(err error) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.errs = append(p.errs, err)
		},
	}
}

func (p *probe) with(fn func(p *probe) bool) func() bool {
	return func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return fn(p)
	}
}

func (p *probe) isStarted() bool {
	return p.with(func(p *probe) bool { return p.started != nil })()
}

func (p *probe) isEnded() bool {
	return p.with(func(p *probe) bool { return p.reason != "" })()
}

func (p *probe) isClosed() bool {
	return p.with(func(p *probe) bool { return p.closed })()
}

func (p *probe) presenceCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.presence)
}

type client struct {
	*Controller
	probe *probe
}

func startClient(ctx context.Context, l eventlog.Log, provider content.Provider, clock clockwork.Clock, cfg Config) *client {
	p := &probe{clock: clock}
	cfg.Clock = clock
	if cfg.Criteria.ModuleID == "" {
		cfg.Criteria = models.QuestionCriteria{ModuleID: module}
	}
	c := New(Deps{Log: l, Content: provider}, cfg, p.handlers())
	go c.Run(ctx)
	return &client{Controller: c, probe: p}
}

// waitFor polls cond in real time without moving the fake clock.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// advanceUntil moves the fake clock one step at a time, giving the watchers a
// moment to react after each step.
func advanceUntil(t *testing.T, clock *clockwork.FakeClock, step time.Duration, what string, cond func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if cond() {
			return
		}
		clock.Advance(step)
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("clock ran out waiting for %s", what)
}

func allOf(cs []*client, fn func(*probe) bool) func() bool {
	return func() bool {
		for _, c := range cs {
			if !fn(c.probe) {
				return false
			}
		}
		return true
	}
}

func TestEveryClientExpiresOnTheSameTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	l := memory.New(clock)
	provider := newProvider(t, models.GameSettings{DurationSec: 60})
	if err := l.CreateSession(ctx, models.Session{Code: "5ABC9", HostID: "teacher-1"}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	var clients []*client
	for _, id := range []string{"stud1", "stud2", "stud3"} {
		c := startClient(ctx, l, provider, clock, Config{Identity: id, Avatar: "owl"})
		if err := c.Join(ctx, "5ABC9"); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
		clients = append(clients, c)
	}
	waitFor(t, "presence", allOf(clients, func(p *probe) bool { return len(p.presence) == 3 }))

	e, err := startbarrier.Announce(ctx, l, "5ABC9", models.GameSettings{DurationSec: 60}, time.Time{})
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	waitFor(t, "start", allOf(clients, (*probe).isStarted))
	time.Sleep(20 * time.Millisecond)

	for _, c := range clients {
		c.probe.mu.Lock()
		s := *c.probe.started
		c.probe.mu.Unlock()
		if !s.StartedAt.Equal(e.StartedAt) {
			t.Fatalf("started_at: want=%v got=%v", e.StartedAt, s.StartedAt)
		}
		if s.Remaining != 60 {
			t.Fatalf("remaining at start: want=60 got=%d", s.Remaining)
		}
		if len(s.Questions) != 2 {
			t.Fatalf("questions: want=2 got=%d", len(s.Questions))
		}
	}

	advanceUntil(t, clock, time.Second, "ending", allOf(clients, (*probe).isEnded))

	for _, c := range clients {
		c.probe.mu.Lock()
		elapsed := c.probe.endedAt.Sub(e.StartedAt)
		reason := c.probe.reason
		c.probe.mu.Unlock()
		if elapsed < 60*time.Second || elapsed > 61*time.Second {
			t.Fatalf("ended after %v, want within one tick of 60s", elapsed)
		}
		if reason != EndTimeUp && reason != EndFinishedFact {
			t.Fatalf("reason: want time_up or finished_elsewhere got=%s", reason)
		}
	}

	waitFor(t, "close", allOf(clients, (*probe).isClosed))
	if _, err := l.GetSession(ctx, "5ABC9"); !errors.Is(err, eventlog.ErrNotFound) {
		t.Fatalf("session not purged: %v", err)
	}
	if got := len(provider.Results()); got != 3 {
		t.Fatalf("final results: want=3 got=%d", got)
	}
}

func TestRaceEndsWhenSomeoneFinishes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	l := memory.New(clock)
	provider := newProvider(t, models.GameSettings{DurationSec: 60, Mode: models.ModeRace})

	host := startClient(ctx, l, provider, clock, Config{HostID: "teacher-1", Avatar: "owl", RaceCap: 2})
	code, err := host.OpenLobby(ctx)
	if err != nil {
		t.Fatalf("open lobby: %v", err)
	}
	player := startClient(ctx, l, provider, clock, Config{Identity: "stud1", Avatar: "fox", RaceCap: 2})
	if err := player.Join(ctx, code); err != nil {
		t.Fatalf("join: %v", err)
	}
	clients := []*client{host, player}
	waitFor(t, "presence", allOf(clients, func(p *probe) bool { return len(p.presence) == 2 }))

	if err := player.Start(ctx); !errors.Is(err, ErrHostOnly) {
		t.Fatalf("player start: want=%v got=%v", ErrHostOnly, err)
	}
	if _, err := player.Answer(ctx, "q1", "a"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("early answer: want=%v got=%v", ErrNotStarted, err)
	}
	if err := host.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "start", allOf(clients, (*probe).isStarted))

	if _, err := host.Answer(ctx, "q1", "a"); !errors.Is(err, ErrNotPlayer) {
		t.Fatalf("host answer: want=%v got=%v", ErrNotPlayer, err)
	}
	res, err := player.Answer(ctx, "q1", "a")
	if err != nil {
		t.Fatalf("answer q1: %v", err)
	}
	if !res.Correct || res.Entry.Progress != 50 {
		t.Fatalf("answer q1: want correct at 50 got=%+v", res)
	}
	if _, err := player.Answer(ctx, "q1", "a"); !errors.Is(err, ErrAlreadyAnswered) {
		t.Fatalf("repeat answer: want=%v got=%v", ErrAlreadyAnswered, err)
	}
	if _, err := player.Answer(ctx, "q9", "a"); !errors.Is(err, ErrUnknownQuestion) {
		t.Fatalf("unknown question: want=%v got=%v", ErrUnknownQuestion, err)
	}
	if _, err := player.Answer(ctx, "q2", "b"); err != nil {
		t.Fatalf("answer q2: %v", err)
	}

	waitFor(t, "ending", allOf(clients, (*probe).isEnded))
	host.probe.mu.Lock()
	hostReason := host.probe.reason
	host.probe.mu.Unlock()
	player.probe.mu.Lock()
	reason, finished := player.probe.reason, player.probe.finished
	player.probe.mu.Unlock()
	// whoever sees the finish line first writes the finished fact for the other
	if reason != EndRaceFinished && hostReason != EndRaceFinished {
		t.Fatalf("reasons: want one %s got host=%s player=%s", EndRaceFinished, hostReason, reason)
	}
	if finished == nil {
		t.Fatalf("no final snapshot")
	}
	leader, ok := finished.Leader()
	if !ok || leader.Identity != "stud1" || leader.Progress != leaderboard.MaxProgress {
		t.Fatalf("leader: want stud1 at 100 got=%+v", leader)
	}

	waitFor(t, "close", allOf(clients, (*probe).isClosed))
	results := provider.Results()
	if len(results) != 1 {
		t.Fatalf("final results: want=1 got=%d", len(results))
	}
	if r := results[0]; r.Identity != "stud1" || r.Correct != 2 || r.Wrong != 0 || r.Rank != 1 {
		t.Fatalf("result: got=%+v", r)
	}
}

func TestFailedAnswerCanBeRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	l := memory.New(clock)
	provider := newProvider(t, models.GameSettings{DurationSec: 60, Mode: models.ModeRace})

	host := startClient(ctx, l, provider, clock, Config{HostID: "teacher-1", RaceCap: 4})
	code, err := host.OpenLobby(ctx)
	if err != nil {
		t.Fatalf("open lobby: %v", err)
	}
	player := startClient(ctx, l, provider, clock, Config{Identity: "stud1", RaceCap: 4})
	if err := player.Join(ctx, code); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := host.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "start", player.probe.isStarted)

	l.SetOffline(true)
	if _, err := player.Answer(ctx, "q1", "a"); !eventlog.IsConnectivity(err) {
		t.Fatalf("offline answer: want connectivity error got=%v", err)
	}
	l.SetOffline(false)

	res, err := player.Answer(ctx, "q1", "a")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !res.Correct || res.Entry.Progress != 25 {
		t.Fatalf("retry: want correct at 25 got=%+v", res)
	}

	records, err := l.ListProgress(ctx, code)
	if err != nil {
		t.Fatalf("list progress: %v", err)
	}
	if len(records) != 1 || records[0].Identity != "stud1" || records[0].Progress != 25 {
		t.Fatalf("progress rows: got=%+v", records)
	}
	if _, err := player.Answer(ctx, "q1", "a"); !errors.Is(err, ErrAlreadyAnswered) {
		t.Fatalf("repeat answer: want=%v got=%v", ErrAlreadyAnswered, err)
	}
}

func TestLateAnswerIsRefusedBeforeTheTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	l := memory.New(clock)
	provider := newProvider(t, models.GameSettings{DurationSec: 10, Mode: models.ModeScore})

	host := startClient(ctx, l, provider, clock, Config{HostID: "teacher-1", TickInterval: time.Minute})
	code, err := host.OpenLobby(ctx)
	if err != nil {
		t.Fatalf("open lobby: %v", err)
	}
	player := startClient(ctx, l, provider, clock, Config{Identity: "stud1", TickInterval: time.Minute})
	if err := player.Join(ctx, code); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := host.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "start", player.probe.isStarted)

	// The next tick is a minute away; the deadline is not.
	clock.Advance(10 * time.Second)
	if _, err := player.Answer(ctx, "q1", "a"); !errors.Is(err, ErrTimeUp) {
		t.Fatalf("late answer: want=%v got=%v", ErrTimeUp, err)
	}
	records, err := l.ListProgress(ctx, code)
	if err != nil {
		t.Fatalf("list progress: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("late answer reached the log: %+v", records)
	}
}

func TestLeaveReleasesEverySubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	l := memory.New(clock)
	provider := newProvider(t, models.GameSettings{})
	if err := l.CreateSession(ctx, models.Session{Code: "5ABC9", HostID: "teacher-1"}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	c := startClient(ctx, l, provider, clock, Config{Identity: "stud1"})
	if err := c.Join(ctx, "5ABC9"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := c.Join(ctx, "7XYZ2"); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("second join: want=%v got=%v", ErrAlreadyJoined, err)
	}
	waitFor(t, "subscriptions", func() bool { return l.Subscribers("5ABC9") > 0 })

	if err := c.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	waitFor(t, "release", func() bool { return l.Subscribers("5ABC9") == 0 })

	ps, err := l.ListParticipants(ctx, "5ABC9")
	if err != nil || len(ps) != 0 {
		t.Fatalf("participants after leave: %v %v", ps, err)
	}
	phase, err := c.Phase(ctx)
	if err != nil || phase != PhaseIdle {
		t.Fatalf("phase: want=%s got=%s err=%v", PhaseIdle, phase, err)
	}
	if err := c.Leave(ctx); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("second leave: want=%v got=%v", ErrNotJoined, err)
	}

	if err := c.Join(ctx, "5ABC9"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	ps, err = l.ListParticipants(ctx, "5ABC9")
	if err != nil || len(ps) != 1 {
		t.Fatalf("participants after rejoin: %v %v", ps, err)
	}
}

func TestJoinUnknownSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	l := memory.New(clock)
	c := startClient(ctx, l, newProvider(t, models.GameSettings{}), clock, Config{Identity: "stud1"})

	if err := c.Join(ctx, "NOPE1"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("join: want=%v got=%v", ErrUnknownSession, err)
	}
	if l.Subscribers("NOPE1") != 0 {
		t.Fatalf("subscription left behind")
	}
}

func TestSoloGameAgainstBots(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	l := memory.New(clock)
	provider := newProvider(t, models.GameSettings{DurationSec: 30, Mode: models.ModeScore})

	c := startClient(ctx, l, provider, clock, Config{
		Identity: "stud1",
		Bots:     bots.NewBots(bots.DefaultTiers),
		BotSeed:  7,
	})
	code, err := c.PlaySolo(ctx)
	if err != nil {
		t.Fatalf("play solo: %v", err)
	}
	waitFor(t, "start", c.probe.isStarted)
	waitFor(t, "bots", func() bool { return c.probe.presenceCount() == 4 })

	if _, err := c.Answer(ctx, "q1", "b"); err != nil {
		t.Fatalf("answer: %v", err)
	}

	advanceUntil(t, clock, time.Second, "ending", c.probe.isEnded)

	c.probe.mu.Lock()
	reason, finished := c.probe.reason, c.probe.finished
	c.probe.mu.Unlock()
	if reason != EndTimeUp {
		t.Fatalf("reason: want=%s got=%s", EndTimeUp, reason)
	}
	if finished == nil || len(finished.Entries) != 4 {
		t.Fatalf("final board: want 4 entries got=%v", finished)
	}
	scored := 0
	for _, e := range finished.Entries {
		if e.Score > 0 {
			scored++
		}
	}
	if scored == 0 {
		t.Fatalf("no bot scored in 30s")
	}

	waitFor(t, "close", c.probe.isClosed)
	if _, err := l.GetSession(ctx, code); !errors.Is(err, eventlog.ErrNotFound) {
		t.Fatalf("session not purged: %v", err)
	}
	results := provider.Results()
	if len(results) != 4 {
		t.Fatalf("results: want one per participant got=%+v", results)
	}
	byIdentity := make(map[string]models.FinalResult, len(results))
	for _, r := range results {
		byIdentity[r.Identity] = r
	}
	if r := byIdentity["stud1"]; r.Wrong != 1 || r.Total != 1 {
		t.Fatalf("human result: got=%+v", r)
	}
	for _, b := range bots.NewBots(bots.DefaultTiers) {
		r, ok := byIdentity[b.Identity]
		if !ok {
			t.Fatalf("no result for bot %s", b.Identity)
		}
		if r.Total == 0 || r.Correct+r.Wrong != r.Total {
			t.Fatalf("bot %s tallies: got=%+v", b.Identity, r)
		}
		entry, _ := finished.Find(b.Identity)
		if r.Rank != entry.Rank || r.Score != entry.Score {
			t.Fatalf("bot %s standing: want rank=%d score=%d got=%+v", b.Identity, entry.Rank, entry.Score, r)
		}
	}
}

func TestHostEndGameClosesEveryone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	l := memory.New(clock)
	provider := newProvider(t, models.GameSettings{})

	host := startClient(ctx, l, provider, clock, Config{HostID: "teacher-1"})
	code, err := host.OpenLobby(ctx)
	if err != nil {
		t.Fatalf("open lobby: %v", err)
	}
	player := startClient(ctx, l, provider, clock, Config{Identity: "stud1"})
	if err := player.Join(ctx, code); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, "presence", func() bool { return host.probe.presenceCount() == 2 })

	if err := player.EndGame(ctx); !errors.Is(err, ErrHostOnly) {
		t.Fatalf("player end game: want=%v got=%v", ErrHostOnly, err)
	}
	if err := host.EndGame(ctx); err != nil {
		t.Fatalf("end game: %v", err)
	}
	waitFor(t, "close", allOf([]*client{host, player}, (*probe).isClosed))
	if _, err := l.GetSession(ctx, code); !errors.Is(err, eventlog.ErrNotFound) {
		t.Fatalf("session not purged: %v", err)
	}
	waitFor(t, "release", func() bool { return l.Subscribers(code) == 0 })
}

func TestConnectivityIsReportedOnceAndRecovers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	l := memory.New(clock)
	if err := l.CreateSession(ctx, models.Session{Code: "5ABC9", HostID: "teacher-1"}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	c := startClient(ctx, l, newProvider(t, models.GameSettings{}), clock, Config{Identity: "stud1"})
	if err := c.Join(ctx, "5ABC9"); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, "presence", func() bool { return c.probe.presenceCount() == 1 })

	l.SetOffline(true)
	advanceUntil(t, clock, time.Second, "reconnecting",
		c.probe.with(func(p *probe) bool { return len(p.conn) == 1 }))
	clock.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)

	l.SetOffline(false)
	advanceUntil(t, clock, time.Second, "reachable",
		c.probe.with(func(p *probe) bool { return len(p.conn) == 2 }))

	c.probe.mu.Lock()
	defer c.probe.mu.Unlock()
	if !c.probe.conn[0].Reconnecting || !eventlog.IsConnectivity(c.probe.conn[0].Err) {
		t.Fatalf("first report: got=%+v", c.probe.conn[0])
	}
	if c.probe.conn[1].Reconnecting {
		t.Fatalf("second report should clear reconnecting")
	}
	if len(c.probe.errs) != 0 {
		t.Fatalf("connectivity leaked into errors: %v", c.probe.errs)
	}
}

func TestNewCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := NewCode()
		if err != nil {
			t.Fatalf("new code: %v", err)
		}
		if len(code) != CodeLength {
			t.Fatalf("length: want=%d got=%d", CodeLength, len(code))
		}
		seen[code] = true
	}
	if len(seen) < 190 {
		t.Fatalf("codes repeat too often: %d distinct of 200", len(seen))
	}
}
