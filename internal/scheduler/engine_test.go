package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btli/remote-dev-sub002/internal/database"
)

type fakeSender struct {
	mu      sync.Mutex
	exists  bool
	sent    []string
	errFor  map[string]error // command text -> error on every attempt
	failN   map[string]int   // command text -> fail this many attempts, then succeed
	block   chan struct{}    // when set, SendKeys blocks until closed
	perSend time.Duration
}

func newFakeSender() *fakeSender {
	return &fakeSender{exists: true, errFor: map[string]error{}, failN: map[string]int{}}
}

func (f *fakeSender) SessionExists(ctx context.Context, name string) bool { return f.exists }

func (f *fakeSender) SendKeys(ctx context.Context, name, text string) error {
	if f.block != nil {
		<-f.block
	}
	if f.perSend > 0 {
		time.Sleep(f.perSend)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.failN[text]; n > 0 {
		f.failN[text] = n - 1
		return errors.New("send-keys failed")
	}
	if err := f.errFor[text]; err != nil {
		return err
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) sentCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeRecorder struct {
	mu    sync.Mutex
	execs []*database.ScheduleExecution
	cmds  [][]database.CommandExecution
	runs  []recordedRun
}

type recordedRun struct {
	id            uint
	status        string
	nextRun       *time.Time
	markCompleted bool
}

func (f *fakeRecorder) RecordExecution(exec *database.ScheduleExecution, commands []database.CommandExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, exec)
	f.cmds = append(f.cmds, commands)
	return nil
}

func (f *fakeRecorder) UpdateScheduleRun(id uint, status string, ranAt time.Time, nextRun *time.Time, markCompleted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, recordedRun{id, status, nextRun, markCompleted})
	return nil
}

func (f *fakeRecorder) lastCommands(t *testing.T) []database.CommandExecution {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.cmds) == 0 {
		t.Fatal("no execution recorded")
	}
	return f.cmds[len(f.cmds)-1]
}

func newTestEngine(tmux KeySender, rec Recorder) *Engine {
	e := NewEngine(tmux, rec)
	e.settle = 0
	return e
}

func testSchedule(commands ...database.ScheduleCommand) *database.Schedule {
	return &database.Schedule{
		ID:             1,
		SessionID:      "s1",
		Name:           "test",
		ScheduleType:   "recurring",
		CronExpression: "* * * * *",
		TimeoutMs:      60000,
		RetryDelayMs:   1,
		Commands:       commands,
	}
}

func cmd(pos int, text string) database.ScheduleCommand {
	return database.ScheduleCommand{Position: pos, Command: text}
}

func TestExecute_DeliversInOrder(t *testing.T) {
	sender := newFakeSender()
	rec := &fakeRecorder{}
	e := newTestEngine(sender, rec)

	status, err := e.Execute(context.Background(), testSchedule(cmd(0, "cd /srv"), cmd(1, "make test")), "rdv-s1")
	if err != nil {
		t.Fatal(err)
	}
	if status != "success" {
		t.Errorf("expected success, got %q", status)
	}
	sent := sender.sentCommands()
	if len(sent) != 2 || sent[0] != "cd /srv" || sent[1] != "make test" {
		t.Errorf("unexpected delivery order: %v", sent)
	}
	cmds := rec.lastCommands(t)
	if len(cmds) != 2 || cmds[0].Status != "success" || cmds[1].Status != "success" {
		t.Errorf("unexpected command records: %+v", cmds)
	}
}

func TestExecute_SingleFlight(t *testing.T) {
	sender := newFakeSender()
	sender.block = make(chan struct{})
	rec := &fakeRecorder{}
	e := newTestEngine(sender, rec)
	sched := testSchedule(cmd(0, "sleep"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Execute(context.Background(), sched, "rdv-s1")
	}()

	// Wait until the first run holds the guard.
	for i := 0; i < 100 && !e.IsExecuting(sched.ID); i++ {
		time.Sleep(time.Millisecond)
	}
	if !e.IsExecuting(sched.ID) {
		t.Fatal("first run never acquired the guard")
	}

	if _, err := e.Execute(context.Background(), sched, "rdv-s1"); !errors.Is(err, ErrAlreadyExecuting) {
		t.Fatalf("expected ErrAlreadyExecuting, got %v", err)
	}

	close(sender.block)
	<-done

	if e.IsExecuting(sched.ID) {
		t.Error("guard not released after run finished")
	}
	if _, err := e.Execute(context.Background(), sched, "rdv-s1"); err != nil {
		t.Errorf("expected run after release to succeed, got %v", err)
	}
}

func TestExecute_MissingTargetFailsAllWithoutAttempts(t *testing.T) {
	sender := newFakeSender()
	sender.exists = false
	rec := &fakeRecorder{}
	e := newTestEngine(sender, rec)

	status, err := e.Execute(context.Background(), testSchedule(cmd(0, "a"), cmd(1, "b")), "rdv-gone")
	if err != nil {
		t.Fatal(err)
	}
	if status != "failed" {
		t.Errorf("expected failed, got %q", status)
	}
	if sent := sender.sentCommands(); len(sent) != 0 {
		t.Errorf("expected no delivery attempts, got %v", sent)
	}
	cmds := rec.lastCommands(t)
	if len(cmds) != 2 {
		t.Fatalf("expected a failed record per command, got %d", len(cmds))
	}
	for _, c := range cmds {
		if c.Status != "failed" || c.Attempts != 0 {
			t.Errorf("expected failed with zero attempts, got %+v", c)
		}
	}
}

func TestExecute_StopOnErrorByDefault(t *testing.T) {
	sender := newFakeSender()
	sender.errFor["B"] = errors.New("pane gone")
	rec := &fakeRecorder{}
	e := newTestEngine(sender, rec)

	sched := testSchedule(cmd(0, "A"), cmd(1, "B"), cmd(2, "C"))
	sched.MaxRetries = 0

	status, err := e.Execute(context.Background(), sched, "rdv-s1")
	if err != nil {
		t.Fatal(err)
	}
	if status != "failed" {
		t.Errorf("expected failed, got %q", status)
	}
	cmds := rec.lastCommands(t)
	if len(cmds) != 2 {
		t.Fatalf("expected run to stop after B, got %d records", len(cmds))
	}
	if cmds[1].Status != "failed" {
		t.Errorf("expected B failed, got %+v", cmds[1])
	}
	if sent := sender.sentCommands(); len(sent) != 1 || sent[0] != "A" {
		t.Errorf("expected only A delivered, got %v", sent)
	}
}

func TestExecute_ContinueOnError(t *testing.T) {
	sender := newFakeSender()
	sender.errFor["B"] = errors.New("pane gone")
	rec := &fakeRecorder{}
	e := newTestEngine(sender, rec)

	sched := testSchedule(
		cmd(0, "A"),
		database.ScheduleCommand{Position: 1, Command: "B", ContinueOnError: true},
		cmd(2, "C"),
	)

	status, err := e.Execute(context.Background(), sched, "rdv-s1")
	if err != nil {
		t.Fatal(err)
	}
	// C still runs, but the run as a whole reports the failure.
	if status != "failed" {
		t.Errorf("expected failed, got %q", status)
	}
	cmds := rec.lastCommands(t)
	if len(cmds) != 3 {
		t.Fatalf("expected all three commands recorded, got %d", len(cmds))
	}
	if cmds[0].Status != "success" || cmds[1].Status != "failed" || cmds[2].Status != "success" {
		t.Errorf("unexpected statuses: %+v", cmds)
	}
}

func TestExecute_RetriesThenSucceeds(t *testing.T) {
	sender := newFakeSender()
	sender.failN["flaky"] = 2
	rec := &fakeRecorder{}
	e := newTestEngine(sender, rec)

	sched := testSchedule(cmd(0, "flaky"))
	sched.MaxRetries = 3

	status, err := e.Execute(context.Background(), sched, "rdv-s1")
	if err != nil {
		t.Fatal(err)
	}
	if status != "success" {
		t.Errorf("expected success after retries, got %q", status)
	}
	cmds := rec.lastCommands(t)
	if cmds[0].Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", cmds[0].Attempts)
	}
}

func TestExecute_RetriesExhausted(t *testing.T) {
	sender := newFakeSender()
	sender.errFor["broken"] = errors.New("no such session")
	rec := &fakeRecorder{}
	e := newTestEngine(sender, rec)

	sched := testSchedule(cmd(0, "broken"))
	sched.MaxRetries = 2

	status, err := e.Execute(context.Background(), sched, "rdv-s1")
	if err != nil {
		t.Fatal(err)
	}
	if status != "failed" {
		t.Errorf("expected failed, got %q", status)
	}
	cmds := rec.lastCommands(t)
	if cmds[0].Attempts != 3 {
		t.Errorf("expected MaxRetries+1 = 3 attempts, got %d", cmds[0].Attempts)
	}
}

func TestExecute_BoundaryTimeout(t *testing.T) {
	sender := newFakeSender()
	sender.perSend = 30 * time.Millisecond
	rec := &fakeRecorder{}
	e := newTestEngine(sender, rec)

	sched := testSchedule(cmd(0, "A"), cmd(1, "B"), cmd(2, "C"), cmd(3, "D"))
	sched.TimeoutMs = 20

	status, err := e.Execute(context.Background(), sched, "rdv-s1")
	if err != nil {
		t.Fatal(err)
	}
	if status != "timeout" {
		t.Errorf("expected timeout, got %q", status)
	}
	// A was in flight when the budget expired, so it completes. B sits at
	// the boundary and is recorded as timed out; C and D get no records.
	cmds := rec.lastCommands(t)
	if len(cmds) != 2 {
		t.Fatalf("expected 2 records (completed + boundary), got %d: %+v", len(cmds), cmds)
	}
	if cmds[0].Command != "A" || cmds[0].Status != "success" {
		t.Errorf("expected A to complete, got %+v", cmds[0])
	}
	if cmds[1].Command != "B" || cmds[1].Status != "timeout" || cmds[1].Attempts != 0 {
		t.Errorf("expected B recorded as boundary timeout with no attempts, got %+v", cmds[1])
	}
}

func TestExecute_PreDelayBeforeDelivery(t *testing.T) {
	sender := newFakeSender()
	rec := &fakeRecorder{}
	e := newTestEngine(sender, rec)

	sched := testSchedule(database.ScheduleCommand{Position: 0, Command: "A", PreDelayMs: 40})

	begin := time.Now()
	if _, err := e.Execute(context.Background(), sched, "rdv-s1"); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(begin); elapsed < 40*time.Millisecond {
		t.Errorf("expected pre-delay to be honored, run took %s", elapsed)
	}
}

func TestExecute_BookkeepingForOneTimeSchedule(t *testing.T) {
	sender := newFakeSender()
	rec := &fakeRecorder{}
	e := newTestEngine(sender, rec)

	sched := testSchedule(cmd(0, "A"))
	sched.ScheduleType = "once"

	if _, err := e.Execute(context.Background(), sched, "rdv-s1"); err != nil {
		t.Fatal(err)
	}
	if len(rec.runs) != 1 {
		t.Fatalf("expected one bookkeeping update, got %d", len(rec.runs))
	}
	run := rec.runs[0]
	if !run.markCompleted {
		t.Error("expected one-time schedule marked completed")
	}
	if run.nextRun != nil {
		t.Error("expected no next run for one-time schedule")
	}
}

func TestExecute_BookkeepingForRecurringSchedule(t *testing.T) {
	sender := newFakeSender()
	rec := &fakeRecorder{}
	e := newTestEngine(sender, rec)

	if _, err := e.Execute(context.Background(), testSchedule(cmd(0, "A")), "rdv-s1"); err != nil {
		t.Fatal(err)
	}
	run := rec.runs[0]
	if run.markCompleted {
		t.Error("recurring schedule must not be marked completed")
	}
	if run.nextRun == nil || !run.nextRun.After(time.Now().Add(-time.Second)) {
		t.Errorf("expected a future next run, got %v", run.nextRun)
	}
	if run.status != "success" {
		t.Errorf("expected success bookkeeping, got %q", run.status)
	}
}
