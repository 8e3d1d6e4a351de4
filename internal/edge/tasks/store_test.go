package tasks

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time {
	return time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
}

func TestCreateListGet(t *testing.T) {
	s := NewStore(WithClock(fixedClock))
	defer s.Close()

	a, err := s.Create("cam0", "count people")
	require.NoError(t, err)
	b, err := s.Create("cam1", "watch door")
	require.NoError(t, err)

	assert.Equal(t, "0", a.TaskID)
	assert.Equal(t, "1", b.TaskID)
	assert.Equal(t, StatusActive, a.Status)

	all, err := s.List("")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "count people", all[0].Description)

	cam1, err := s.List("cam1")
	require.NoError(t, err)
	require.Len(t, cam1, 1)
	assert.Equal(t, "watch door", cam1[0].Description)

	got, err := s.Get("1")
	require.NoError(t, err)
	assert.Equal(t, "cam1", got.IOID)
}

func TestCreateValidates(t *testing.T) {
	s := NewStore()
	defer s.Close()

	_, err := s.Create("", "x")
	assert.Error(t, err)
	_, err = s.Create("cam0", "  ")
	assert.Error(t, err)
}

func TestMissingTask(t *testing.T) {
	s := NewStore()
	defer s.Close()

	_, err := s.Get("9")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.Stop("9")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete("9"), ErrNotFound)
}

func TestEditStopDelete(t *testing.T) {
	s := NewStore()
	defer s.Close()

	task, err := s.Create("cam0", "a")
	require.NoError(t, err)

	edited, err := s.Edit(task.TaskID, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", edited.Description)

	stopped, err := s.Stop(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, stopped.Status)
	assert.Equal(t, 0, s.ActiveCount())

	require.NoError(t, s.Delete(task.TaskID))
	all, err := s.List("")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestReadsAreCopies(t *testing.T) {
	s := NewStore()
	defer s.Close()

	task, err := s.Create("cam0", "a")
	require.NoError(t, err)
	_, err = s.AddNote(task.TaskID, "first", false)
	require.NoError(t, err)

	got, err := s.Get(task.TaskID)
	require.NoError(t, err)
	got.Notes[0].Content = "mutated"
	got.Description = "mutated"

	again, err := s.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "first", again.Notes[0].Content)
	assert.Equal(t, "a", again.Description)
}

func TestOnChangeFiresForNotes(t *testing.T) {
	var (
		mu    sync.Mutex
		notes []string
	)
	got := make(chan struct{}, 4)
	s := NewStore(WithOnChange(func(task Task, note *Note) {
		mu.Lock()
		if note != nil {
			notes = append(notes, note.Content)
		}
		mu.Unlock()
		got <- struct{}{}
	}))
	defer s.Close()

	task, err := s.Create("cam0", "a")
	require.NoError(t, err)
	done, err := s.AddNote(task.TaskID, "person at door", true)
	require.NoError(t, err)
	assert.True(t, done.Done)
	assert.Equal(t, StatusDone, done.Status)

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(time.Second):
			t.Fatal("change hook not called")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"person at door"}, notes)
}

func TestClosedStore(t *testing.T) {
	s := NewStore()
	s.Close()
	s.Close()

	_, err := s.List("")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Create("cam0", "a")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestProject(t *testing.T) {
	task := Task{
		TaskID:      "3",
		TaskNumber:  3,
		IOID:        "cam0",
		Description: "watch",
		Status:      StatusActive,
		Notes:       []Note{{Content: "n", Timestamp: fixedClock()}},
	}

	out := Project([]Task{task})
	require.Len(t, out, 1)
	assert.Equal(t, "3", out[0]["task_id"])
	assert.Equal(t, "watch", out[0]["task_description"])
	notes := out[0]["task_note"].([]map[string]any)
	assert.Equal(t, "n", notes[0]["content"])
	assert.Equal(t, fixedClock().Unix(), notes[0]["timestamp"])

	assert.Empty(t, Project(nil))
}

func TestConcurrentMutations(t *testing.T) {
	s := NewStore()
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Create("cam0", "x")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := s.List("")
	require.NoError(t, err)
	assert.Len(t, all, 50)
	seen := map[string]bool{}
	for _, task := range all {
		assert.False(t, seen[task.TaskID])
		seen[task.TaskID] = true
	}
}
