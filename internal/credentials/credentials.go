package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/example/order-tracking/internal/wire"
)

// ErrNotFound means no usable identity is persisted: the user must log in.
var ErrNotFound = errors.New("credentials not found")

type Credentials struct {
	Token  string
	UserID int64
}

// Store reads the persisted auth token and user id. The core never writes
// them; login and logout own that lifecycle.
type Store interface {
	Load(ctx context.Context) (Credentials, error)
}

// FileStore reads a JSON document written by the login flow:
//
//	{"token": "...", "userId": 42}
//
// userId may be a string; a nested {"user": {"id": 42}} is also accepted.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore { return &FileStore{Path: path} }

func (f *FileStore) Load(_ context.Context) (Credentials, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Credentials{}, ErrNotFound
		}
		return Credentials{}, fmt.Errorf("read credentials: %w", err)
	}
	var doc struct {
		Token       string  `json:"token"`
		AccessToken string  `json:"accessToken"`
		UserID      wire.ID `json:"userId"`
		User        *struct {
			ID wire.ID `json:"id"`
		} `json:"user"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return Credentials{}, fmt.Errorf("parse credentials: %w", err)
	}
	c := Credentials{Token: doc.Token, UserID: int64(doc.UserID)}
	if c.Token == "" {
		c.Token = doc.AccessToken
	}
	if c.UserID == 0 && doc.User != nil {
		c.UserID = int64(doc.User.ID)
	}
	if c.UserID == 0 {
		return Credentials{}, ErrNotFound
	}
	return c, nil
}

// Static is an in-memory Store; Set and Clear mimic login and logout.
type Static struct {
	mu sync.RWMutex
	c  Credentials
}

func NewStatic(token string, userID int64) *Static {
	return &Static{c: Credentials{Token: token, UserID: userID}}
}

func (s *Static) Load(_ context.Context) (Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.c.UserID == 0 {
		return Credentials{}, ErrNotFound
	}
	return s.c, nil
}

func (s *Static) Set(c Credentials) {
	s.mu.Lock()
	s.c = c
	s.mu.Unlock()
}

func (s *Static) Clear() { s.Set(Credentials{}) }
