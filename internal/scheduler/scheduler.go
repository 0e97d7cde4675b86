package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/helperbridge/internal/plugin"
)

// ErrTaskNotFound is returned when a task id does not exist.
var ErrTaskNotFound = errors.New("scheduler: task not found")

// reClock matches the daily "HH:MM" schedule shorthand.
var reClock = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)

// Task is one scheduled command. Schedule is either a five-field cron
// expression or an "HH:MM" daily shorthand.
type Task struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Command   string    `json:"command"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	NextRunAt time.Time `json:"next_run_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Runner executes a task's command line.
type Runner interface {
	Execute(ctx context.Context, line string) error
}

// Scheduler ticks over the task file and fires due commands. Task mutations
// are persisted before they are acknowledged to the caller.
type Scheduler struct {
	mu     sync.Mutex
	path   string
	tick   time.Duration
	tasks  []*Task
	runner Runner
}

func New(path string, tick time.Duration, runner Runner) (*Scheduler, error) {
	if tick <= 0 {
		tick = 20 * time.Second
	}
	s := &Scheduler{path: path, tick: tick, runner: runner}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Run ticks until ctx ends. Each due task fires at most once per tick and
// never twice for the same scheduled instant.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.fireDue(ctx, now)
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*Task
	for _, t := range s.tasks {
		if !t.Enabled {
			continue
		}
		if s.isDue(t, now) {
			// Claim the slot before execution so a crash cannot double-fire.
			t.LastRunAt = now.UTC()
			t.NextRunAt = nextRun(t, now)
			due = append(due, t)
		}
	}
	if len(due) > 0 {
		if err := s.saveLocked(); err != nil {
			slog.Warn("task file save failed", "error", err)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		s.execute(ctx, t)
	}
}

// isDue reports whether the task's next scheduled instant since its last
// fire has passed. Caller holds the lock.
func (s *Scheduler) isDue(t *Task, now time.Time) bool {
	expr := normalizeSchedule(t.Schedule)
	since := t.LastRunAt
	if since.IsZero() {
		since = t.CreatedAt
	}
	if since.IsZero() {
		since = now.Add(-s.tick)
	}
	next, err := gronx.NextTickAfter(expr, since, false)
	if err != nil {
		return false
	}
	return !next.After(now)
}

// nextRun computes the task's next scheduled instant after from. A zero
// time means the schedule no longer parses.
func nextRun(t *Task, from time.Time) time.Time {
	next, err := gronx.NextTickAfter(normalizeSchedule(t.Schedule), from.UTC(), false)
	if err != nil {
		return time.Time{}
	}
	return next
}

func (s *Scheduler) execute(ctx context.Context, t *Task) {
	slog.Info("task firing", "task", t.Name, "command", t.Command)
	err := s.runner.Execute(ctx, t.Command)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		slog.Warn("task failed", "task", t.Name, "error", err)
		t.LastError = err.Error()
	} else {
		t.LastError = ""
	}
	if err := s.saveLocked(); err != nil {
		slog.Warn("task file save failed", "error", err)
	}
}

// Add validates and persists a new task. New tasks start enabled.
func (s *Scheduler) Add(name, schedule, command string) (*Task, error) {
	expr := normalizeSchedule(schedule)
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("scheduler: invalid schedule %q", schedule)
	}
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("scheduler: empty command")
	}
	if strings.TrimSpace(name) == "" {
		name = command
	}

	t := &Task{
		ID:        uuid.NewString(),
		Name:      name,
		Schedule:  schedule,
		Command:   command,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	t.NextRunAt = nextRun(t, t.CreatedAt)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
	if err := s.saveLocked(); err != nil {
		s.tasks = s.tasks[:len(s.tasks)-1]
		return nil, err
	}
	copied := *t
	return &copied, nil
}

// Delete removes a task by id.
func (s *Scheduler) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tasks {
		if t.ID == id {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			return s.saveLocked()
		}
	}
	return ErrTaskNotFound
}

// SetEnabled flips a task on or off.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.ID == id {
			t.Enabled = enabled
			if enabled {
				t.NextRunAt = nextRun(t, time.Now().UTC())
			}
			return s.saveLocked()
		}
	}
	return ErrTaskNotFound
}

// RunNow fires a task immediately, regardless of schedule or enabled state.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.Lock()
	var target *Task
	for _, t := range s.tasks {
		if t.ID == id {
			target = t
			t.LastRunAt = time.Now().UTC()
			break
		}
	}
	if target != nil {
		if err := s.saveLocked(); err != nil {
			slog.Warn("task file save failed", "error", err)
		}
	}
	s.mu.Unlock()

	if target == nil {
		return ErrTaskNotFound
	}
	s.execute(ctx, target)

	s.mu.Lock()
	defer s.mu.Unlock()
	if target.LastError != "" {
		return errors.New(target.LastError)
	}
	return nil
}

// List returns all tasks, oldest first.
func (s *Scheduler) List() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, len(s.tasks))
	for i, t := range s.tasks {
		out[i] = *t
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get returns one task by id.
func (s *Scheduler) Get(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.ID == id {
			copied := *t
			return &copied, nil
		}
	}
	return nil, ErrTaskNotFound
}

// normalizeSchedule turns "HH:MM" into a daily cron expression; anything
// else passes through untouched.
func normalizeSchedule(schedule string) string {
	m := reClock.FindStringSubmatch(strings.TrimSpace(schedule))
	if m == nil {
		return strings.TrimSpace(schedule)
	}
	hour := strings.TrimPrefix(m[1], "0")
	if hour == "" {
		hour = "0"
	}
	minute := strings.TrimPrefix(m[2], "0")
	if minute == "" {
		minute = "0"
	}
	return minute + " " + hour + " * * *"
}

func (s *Scheduler) load() error {
	blob, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("scheduler: read task file: %w", err)
	}
	if len(blob) == 0 {
		return nil
	}
	var tasks []*Task
	if err := json.Unmarshal(blob, &tasks); err != nil {
		return fmt.Errorf("scheduler: parse task file: %w", err)
	}
	now := time.Now().UTC()
	for _, t := range tasks {
		if t.NextRunAt.IsZero() {
			t.NextRunAt = nextRun(t, now)
		}
	}
	s.tasks = tasks
	return nil
}

// saveLocked writes the task file atomically. Caller holds the lock.
func (s *Scheduler) saveLocked() error {
	blob, err := json.MarshalIndent(s.tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("scheduler: marshal tasks: %w", err)
	}
	if s.tasks == nil {
		blob = []byte("[]")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("scheduler: task dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return fmt.Errorf("scheduler: write task file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("scheduler: write task file: %w", err)
	}
	return nil
}

// Service adapts the scheduler to the plugin task surface.
type Service struct {
	S *Scheduler
}

func (a Service) Tasks() []plugin.TaskInfo {
	tasks := a.S.List()
	out := make([]plugin.TaskInfo, len(tasks))
	for i, t := range tasks {
		out[i] = plugin.TaskInfo{
			ID:        t.ID,
			Name:      t.Name,
			Schedule:  t.Schedule,
			Command:   t.Command,
			Enabled:   t.Enabled,
			LastRunAt: t.LastRunAt,
			NextRunAt: t.NextRunAt,
		}
	}
	return out
}

func (a Service) AddTask(name, schedule, command string) (plugin.TaskInfo, error) {
	t, err := a.S.Add(name, schedule, command)
	if err != nil {
		return plugin.TaskInfo{}, err
	}
	return plugin.TaskInfo{
		ID:        t.ID,
		Name:      t.Name,
		Schedule:  t.Schedule,
		Command:   t.Command,
		Enabled:   t.Enabled,
		NextRunAt: t.NextRunAt,
	}, nil
}

func (a Service) DeleteTask(id string) error { return a.S.Delete(id) }

func (a Service) SetTaskEnabled(id string, enabled bool) error { return a.S.SetEnabled(id, enabled) }

func (a Service) RunTaskNow(ctx context.Context, id string) error { return a.S.RunNow(ctx, id) }
