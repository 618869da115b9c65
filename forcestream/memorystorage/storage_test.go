package memorystorage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ahimsalabs/forcestream-go/forcestream"
)

func TestNew(t *testing.T) {
	s := New()
	if s == nil {
		t.Fatal("New() returned nil")
	}
}

func TestSaveLoad(t *testing.T) {
	t.Run("missing topic", func(t *testing.T) {
		s := New()
		_, err := s.Load(context.Background(), "/event/Order__e")
		if !errors.Is(err, forcestream.ErrCursorNotFound) {
			t.Errorf("expected ErrCursorNotFound, got %v", err)
		}
	})

	t.Run("save then load", func(t *testing.T) {
		s := New()
		ctx := context.Background()
		if err := s.Save(ctx, "/event/Order__e", 12); err != nil {
			t.Fatalf("save: %v", err)
		}
		got, err := s.Load(ctx, "/event/Order__e")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if got != 12 {
			t.Errorf("cursor = %d, want 12", got)
		}
	})

	t.Run("save replaces", func(t *testing.T) {
		s := New()
		ctx := context.Background()
		_ = s.Save(ctx, "/event/Order__e", 12)
		_ = s.Save(ctx, "/event/Order__e", 3)
		got, _ := s.Load(ctx, "/event/Order__e")
		if got != 3 {
			t.Errorf("cursor = %d, want 3", got)
		}
	})

	t.Run("topics are independent", func(t *testing.T) {
		s := New()
		ctx := context.Background()
		_ = s.Save(ctx, "/event/A__e", 1)
		_ = s.Save(ctx, "/event/B__e", 2)
		a, _ := s.Load(ctx, "/event/A__e")
		b, _ := s.Load(ctx, "/event/B__e")
		if a != 1 || b != 2 {
			t.Errorf("got a=%d b=%d, want 1 and 2", a, b)
		}
	})
}

func TestDelete(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.Save(ctx, "/event/Order__e", 5)

	if err := s.Delete(ctx, "/event/Order__e"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Load(ctx, "/event/Order__e"); !errors.Is(err, forcestream.ErrCursorNotFound) {
		t.Errorf("expected ErrCursorNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, "/event/Order__e"); err != nil {
		t.Errorf("deleting a missing cursor should succeed, got %v", err)
	}
}

func TestAll(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.Save(ctx, "/event/A__e", 1)
	_ = s.Save(ctx, "/event/B__e", 2)

	all := s.All()
	if len(all) != 2 || all["/event/A__e"] != 1 || all["/event/B__e"] != 2 {
		t.Errorf("All() = %v", all)
	}
}

func TestInvalidTopic(t *testing.T) {
	s := New()
	if err := s.Save(context.Background(), "", 1); !errors.Is(err, forcestream.ErrInvalidTopic) {
		t.Errorf("expected ErrInvalidTopic, got %v", err)
	}
}

func TestCanceledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Load(ctx, "/event/Order__e"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestClose(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.Save(ctx, "/event/Order__e", 5)

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Save(ctx, "/event/Order__e", 6); !errors.Is(err, ErrClosed) {
		t.Errorf("Save after close: expected ErrClosed, got %v", err)
	}
	if _, err := s.Load(ctx, "/event/Order__e"); !errors.Is(err, ErrClosed) {
		t.Errorf("Load after close: expected ErrClosed, got %v", err)
	}
}

func TestConcurrentSave(t *testing.T) {
	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Save(ctx, "/event/Order__e", int64(i))
		}()
	}
	wg.Wait()

	got, err := s.Load(ctx, "/event/Order__e")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got < 0 || got >= 50 {
		t.Errorf("cursor = %d, want one of the saved values", got)
	}
}
