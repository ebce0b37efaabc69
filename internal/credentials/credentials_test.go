package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestFileStoreLoad(t *testing.T) {
	ctx := context.Background()
	cases := map[string]int64{
		`{"token":"t","userId":42}`:            42,
		`{"token":"t","userId":"43"}`:          43,
		`{"accessToken":"t","user":{"id":44}}`: 44,
	}
	for body, want := range cases {
		c, err := NewFileStore(writeFile(t, body)).Load(ctx)
		if err != nil {
			t.Fatalf("%s: %v", body, err)
		}
		if c.UserID != want || c.Token != "t" {
			t.Fatalf("%s: got %+v", body, c)
		}
	}
}

func TestFileStoreMissing(t *testing.T) {
	ctx := context.Background()
	_, err := NewFileStore(filepath.Join(t.TempDir(), "nope.json")).Load(ctx)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_, err = NewFileStore(writeFile(t, `{"token":"t"}`)).Load(ctx)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("token without user id: expected ErrNotFound, got %v", err)
	}
}

func TestStaticClear(t *testing.T) {
	s := NewStatic("tok", 7)
	if c, err := s.Load(context.Background()); err != nil || c.UserID != 7 {
		t.Fatalf("unexpected %+v %v", c, err)
	}
	s.Clear()
	if _, err := s.Load(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after clear, got %v", err)
	}
}
