// ============================================================================
// Edge-Relay Local Task State - actor-owned task store
// ============================================================================
//
// Package: internal/edge/tasks
// File: store.go
//
// Ownership:
//   One goroutine (loop) owns the task map. Every operation is a closure sent
//   over opCh and run by that goroutine, so no lock guards the map. Reads get
//   copies; callers never hold a pointer into the owned state.
//
// Change hook:
//   Mutations that change what a task reports (create, edit, note, stop,
//   done) call OnChange with a copy of the task and the newest note, outside
//   the owner goroutine. The edge client wires this to the emitter's
//   task_update trigger.
//
// ============================================================================

package tasks

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("task not found")
	ErrClosed   = errors.New("task store is closed")
)

// Task statuses.
const (
	StatusActive  = "active"
	StatusStopped = "stopped"
	StatusDone    = "done"
)

// Note is one observation appended to a task.
type Note struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is a monitoring task running on the edge.
type Task struct {
	TaskID      string    `json:"task_id"`
	TaskNumber  int       `json:"task_number"`
	IOID        string    `json:"io_id"`
	Description string    `json:"task_description"`
	Status      string    `json:"status"`
	Done        bool      `json:"done"`
	Notes       []Note    `json:"task_note"`
	CreatedAt   time.Time `json:"created_at"`
}

// LatestNote returns the newest note, if any.
func (t Task) LatestNote() (Note, bool) {
	if len(t.Notes) == 0 {
		return Note{}, false
	}
	return t.Notes[len(t.Notes)-1], true
}

func (t Task) clone() Task {
	t.Notes = append([]Note(nil), t.Notes...)
	return t
}

// ChangeFunc receives a task after a reportable change.
type ChangeFunc func(task Task, note *Note)

type state struct {
	tasks  map[string]*Task
	nextID int
}

type change struct {
	task Task
	note *Note
}

// Store is the actor-owned task store.
type Store struct {
	opCh     chan func(*state) *change
	done     chan struct{}
	onChange ChangeFunc
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithOnChange registers the change hook.
func WithOnChange(fn ChangeFunc) Option {
	return func(s *Store) { s.onChange = fn }
}

// WithClock overrides the clock (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore starts the owner goroutine.
func NewStore(opts ...Option) *Store {
	s := &Store{
		opCh: make(chan func(*state) *change),
		done: make(chan struct{}),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.loop()
	return s
}

func (s *Store) loop() {
	st := &state{tasks: make(map[string]*Task)}
	for {
		select {
		case <-s.done:
			return
		case op := <-s.opCh:
			if c := op(st); c != nil && s.onChange != nil {
				go s.onChange(c.task, c.note)
			}
		}
	}
}

// do runs op on the owner goroutine and waits for it.
func (s *Store) do(op func(*state) *change) error {
	finished := make(chan struct{})
	wrapped := func(st *state) *change {
		defer close(finished)
		return op(st)
	}
	select {
	case <-s.done:
		return ErrClosed
	case s.opCh <- wrapped:
	}
	<-finished
	return nil
}

// Close stops the owner goroutine. Later calls return ErrClosed.
func (s *Store) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// List returns tasks ordered by task number, optionally filtered by io_id.
func (s *Store) List(ioID string) ([]Task, error) {
	var out []Task
	err := s.do(func(st *state) *change {
		out = make([]Task, 0, len(st.tasks))
		for _, t := range st.tasks {
			if ioID != "" && t.IOID != ioID {
				continue
			}
			out = append(out, t.clone())
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].TaskNumber < out[j].TaskNumber })
	return out, err
}

// Get returns one task.
func (s *Store) Get(taskID string) (Task, error) {
	var (
		out   Task
		found bool
	)
	err := s.do(func(st *state) *change {
		if t, ok := st.tasks[taskID]; ok {
			out, found = t.clone(), true
		}
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	if !found {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return out, nil
}

// Create adds an active task.
func (s *Store) Create(ioID, description string) (Task, error) {
	ioID, description = strings.TrimSpace(ioID), strings.TrimSpace(description)
	if ioID == "" || description == "" {
		return Task{}, errors.New("io_id and task_description are required")
	}
	var out Task
	err := s.do(func(st *state) *change {
		t := &Task{
			TaskID:      strconv.Itoa(st.nextID),
			TaskNumber:  st.nextID,
			IOID:        ioID,
			Description: description,
			Status:      StatusActive,
			Notes:       []Note{},
			CreatedAt:   s.now(),
		}
		st.nextID++
		st.tasks[t.TaskID] = t
		out = t.clone()
		return &change{task: t.clone()}
	})
	return out, err
}

// Edit replaces a task's description.
func (s *Store) Edit(taskID, description string) (Task, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return Task{}, errors.New("new_description is required")
	}
	return s.mutate(taskID, func(t *Task) *Note {
		t.Description = description
		return nil
	})
}

// AddNote appends an observation; done marks the task complete.
func (s *Store) AddNote(taskID, content string, done bool) (Task, error) {
	return s.mutate(taskID, func(t *Task) *Note {
		n := Note{Content: content, Timestamp: s.now()}
		t.Notes = append(t.Notes, n)
		if done {
			t.Done = true
			t.Status = StatusDone
		}
		return &n
	})
}

// Stop marks a task stopped without deleting it.
func (s *Store) Stop(taskID string) (Task, error) {
	return s.mutate(taskID, func(t *Task) *Note {
		t.Status = StatusStopped
		return nil
	})
}

// Delete removes a task.
func (s *Store) Delete(taskID string) error {
	found := false
	err := s.do(func(st *state) *change {
		if _, ok := st.tasks[taskID]; ok {
			delete(st.tasks, taskID)
			found = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return nil
}

// ActiveCount returns the number of active tasks.
func (s *Store) ActiveCount() int {
	n := 0
	_ = s.do(func(st *state) *change {
		for _, t := range st.tasks {
			if t.Status == StatusActive {
				n++
			}
		}
		return nil
	})
	return n
}

func (s *Store) mutate(taskID string, fn func(*Task) *Note) (Task, error) {
	var (
		out   Task
		found bool
	)
	err := s.do(func(st *state) *change {
		t, ok := st.tasks[taskID]
		if !ok {
			return nil
		}
		found = true
		note := fn(t)
		out = t.clone()
		return &change{task: t.clone(), note: note}
	})
	if err != nil {
		return Task{}, err
	}
	if !found {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return out, nil
}

// Project renders tasks as JSON-ready maps. It is pure.
func Project(tasks []Task) []map[string]any {
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, ProjectOne(t))
	}
	return out
}

// ProjectOne renders a single task.
func ProjectOne(t Task) map[string]any {
	notes := make([]map[string]any, 0, len(t.Notes))
	for _, n := range t.Notes {
		notes = append(notes, map[string]any{
			"content":   n.Content,
			"timestamp": n.Timestamp.Unix(),
		})
	}
	return map[string]any{
		"task_id":          t.TaskID,
		"task_number":      t.TaskNumber,
		"io_id":            t.IOID,
		"task_description": t.Description,
		"status":           t.Status,
		"done":             t.Done,
		"task_note":        notes,
	}
}
