package services

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nurudeen19/rag-fortress-sub002/internal/core/access"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/clock"
	db "github.com/nurudeen19/rag-fortress-sub002/internal/core/database"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/lifecycle"
	"github.com/nurudeen19/rag-fortress-sub002/internal/logger"
)

var t0 = time.Date(2026, 4, 6, 8, 30, 0, 0, time.UTC)

type memObjects struct {
	mu      sync.Mutex
	objects map[string]string
	failPut bool
}

func newMemObjects() *memObjects { return &memObjects{objects: map[string]string{}} }

func (m *memObjects) UploadFile(_ context.Context, bucket, key string, data io.Reader, _ string) (string, error) {
	if m.failPut {
		return "", fmt.Errorf("bucket unavailable")
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = string(b)
	return "mem://" + bucket + "/" + key, nil
}

func (m *memObjects) DeleteFile(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, bucket+"/"+key)
	return nil
}

func (m *memObjects) GetFile(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("no such key")
	}
	return []byte(b), nil
}

func (m *memObjects) GetObjectReader(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	b, err := m.GetFile(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(string(b))), nil
}

func (m *memObjects) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

type env struct {
	store   *db.MemoryClient
	clock   *clock.FakeClock
	users   *UserService
	tokens  *TokenIssuer
	docs    *DocumentService
	objects *memObjects
	manager *lifecycle.Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := db.NewMemoryClient()
	require.NoError(t, db.SeedMemory(context.Background(), store))
	clk := clock.Fake(t0)
	tokens := NewTokenIssuer("test-secret", time.Hour, clk)
	objs := newMemObjects()
	m := lifecycle.NewManager(store, clk, logger.NewNop())
	return &env{
		store:   store,
		clock:   clk,
		users:   NewUserService(store, tokens, clk, logger.NewNop(), "boss@example.com"),
		tokens:  tokens,
		docs:    NewDocumentService(m, objs, "docs", logger.NewNop()),
		objects: objs,
		manager: m,
	}
}

func (e *env) signup(t *testing.T, email string) access.Principal {
	t.Helper()
	u, _, err := e.users.Signup(context.Background(), SignupInput{FirstName: "T", Email: email, Password: "correct horse"})
	require.NoError(t, err)
	return access.PrincipalFromUser(u)
}
