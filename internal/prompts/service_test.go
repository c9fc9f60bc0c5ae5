package prompts

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"strategy-agent/internal/cache"
	"strategy-agent/internal/database"
)

type fakeSource struct {
	prompts map[string]*database.Prompt
	calls   int
}

func (f *fakeSource) GetPrompt(_ context.Context, id string) (*database.Prompt, error) {
	f.calls++
	return f.prompts[id], nil
}

type fakeCache struct {
	data    map[string][]byte
	err     error
	deletes []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string][]byte)}
}

func (f *fakeCache) Get(_ context.Context, key string, dest interface{}) error {
	if f.err != nil {
		return f.err
	}
	data, ok := f.data[key]
	if !ok {
		return cache.ErrMiss
	}
	return msgpack.Unmarshal(data, dest)
}

func (f *fakeCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	if f.err != nil {
		return f.err
	}
	data, err := msgpack.Marshal(value)
	if err != nil {
		return err
	}
	f.data[key] = data
	return nil
}

func (f *fakeCache) Delete(_ context.Context, key string) error {
	f.deletes = append(f.deletes, key)
	delete(f.data, key)
	return nil
}

func TestResolvePrompt(t *testing.T) {
	tmpl := &database.Prompt{ID: "tmpl-1", Name: "momentum", Content: "ride the trend"}

	t.Run("miss loads from store and fills cache", func(t *testing.T) {
		source := &fakeSource{prompts: map[string]*database.Prompt{"tmpl-1": tmpl}}
		fc := newFakeCache()
		svc := NewService(source, fc, zerolog.Nop())

		text, err := svc.ResolvePrompt(context.Background(), "tmpl-1")
		if err != nil {
			t.Fatalf("ResolvePrompt failed: %v", err)
		}
		if text != "ride the trend" {
			t.Errorf("unexpected content %q", text)
		}
		if source.calls != 1 {
			t.Errorf("expected one store read, got %d", source.calls)
		}
		if _, ok := fc.data[cache.PromptTemplateKey("tmpl-1")]; !ok {
			t.Error("expected cache to be populated")
		}
	})

	t.Run("hit skips the store", func(t *testing.T) {
		source := &fakeSource{prompts: map[string]*database.Prompt{"tmpl-1": tmpl}}
		fc := newFakeCache()
		svc := NewService(source, fc, zerolog.Nop())

		if _, err := svc.ResolvePrompt(context.Background(), "tmpl-1"); err != nil {
			t.Fatalf("first resolve failed: %v", err)
		}
		if _, err := svc.ResolvePrompt(context.Background(), "tmpl-1"); err != nil {
			t.Fatalf("second resolve failed: %v", err)
		}
		if source.calls != 1 {
			t.Errorf("expected cached second read, store reads = %d", source.calls)
		}
	})

	t.Run("unavailable cache falls back to store", func(t *testing.T) {
		source := &fakeSource{prompts: map[string]*database.Prompt{"tmpl-1": tmpl}}
		fc := newFakeCache()
		fc.err = cache.ErrUnavailable
		svc := NewService(source, fc, zerolog.Nop())

		text, err := svc.ResolvePrompt(context.Background(), "tmpl-1")
		if err != nil {
			t.Fatalf("ResolvePrompt failed: %v", err)
		}
		if text != "ride the trend" {
			t.Errorf("unexpected content %q", text)
		}
	})

	t.Run("nil cache resolves from store", func(t *testing.T) {
		source := &fakeSource{prompts: map[string]*database.Prompt{"tmpl-1": tmpl}}
		svc := NewService(source, nil, zerolog.Nop())

		text, err := svc.ResolvePrompt(context.Background(), "tmpl-1")
		if err != nil {
			t.Fatalf("ResolvePrompt failed: %v", err)
		}
		if text != "ride the trend" {
			t.Errorf("unexpected content %q", text)
		}
	})

	t.Run("unknown template errors", func(t *testing.T) {
		source := &fakeSource{prompts: map[string]*database.Prompt{}}
		svc := NewService(source, newFakeCache(), zerolog.Nop())

		if _, err := svc.ResolvePrompt(context.Background(), "missing"); err == nil {
			t.Fatal("expected error for unknown template")
		}
	})
}

func TestInvalidateDropsCacheEntry(t *testing.T) {
	source := &fakeSource{prompts: map[string]*database.Prompt{
		"tmpl-1": {ID: "tmpl-1", Name: "momentum", Content: "ride the trend"},
	}}
	fc := newFakeCache()
	svc := NewService(source, fc, zerolog.Nop())

	if _, err := svc.ResolvePrompt(context.Background(), "tmpl-1"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	svc.Invalidate(context.Background(), "tmpl-1")

	if len(fc.deletes) != 1 || fc.deletes[0] != cache.PromptTemplateKey("tmpl-1") {
		t.Errorf("unexpected deletes %v", fc.deletes)
	}
	if _, err := svc.ResolvePrompt(context.Background(), "tmpl-1"); err != nil {
		t.Fatalf("resolve after invalidate failed: %v", err)
	}
	if source.calls != 2 {
		t.Errorf("expected store re-read after invalidation, reads = %d", source.calls)
	}
}
