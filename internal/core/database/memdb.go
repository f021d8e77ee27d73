package db

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/nurudeen19/rag-fortress-sub002/internal/core"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/apperr"
	"github.com/nurudeen19/rag-fortress-sub002/internal/models"
)

// MemoryClient is a core.DbClient held entirely in process memory. It backs
// DB_DRIVER=memory and the tests. Values are copied on the way in and out so
// callers never share state with the store.
type MemoryClient struct {
	mu sync.RWMutex

	users       map[string]models.User
	roles       map[string]models.Role
	userRoles   map[string][]string
	departments map[string]models.Department
	members     map[string][]string

	documents map[string]models.Document
	audit     []models.AuditEvent
	chunks    map[string][]models.DocumentChunk

	requests map[string]models.OverrideRequest
	grants   []models.OverrideGrant
}

var _ core.DbClient = (*MemoryClient)(nil)

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		users:       make(map[string]models.User),
		roles:       make(map[string]models.Role),
		userRoles:   make(map[string][]string),
		departments: make(map[string]models.Department),
		members:     make(map[string][]string),
		documents:   make(map[string]models.Document),
		chunks:      make(map[string][]models.DocumentChunk),
		requests:    make(map[string]models.OverrideRequest),
	}
}

func (m *MemoryClient) Close() error { return nil }

func (m *MemoryClient) CreateUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.ID]; ok {
		return apperr.Conflict("user %s already exists", user.ID)
	}
	for _, u := range m.users {
		if u.Email == user.Email {
			return apperr.Conflict("email %s already registered", user.Email)
		}
	}
	u := *user
	u.Roles, u.DepartmentIDs = nil, nil
	m.users[u.ID] = u
	return nil
}

func (m *MemoryClient) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Email == email {
			return m.hydrateUser(u), nil
		}
	}
	return nil, apperr.NotFound("user %s not found", email)
}

func (m *MemoryClient) GetUserByID(_ context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, apperr.NotFound("user %s not found", id)
	}
	return m.hydrateUser(u), nil
}

func (m *MemoryClient) hydrateUser(u models.User) *models.User {
	for _, rid := range m.userRoles[u.ID] {
		u.Roles = append(u.Roles, m.roles[rid])
	}
	sort.Slice(u.Roles, func(i, j int) bool { return u.Roles[i].Name < u.Roles[j].Name })
	u.DepartmentIDs = slices.Sorted(slices.Values(m.members[u.ID]))
	return &u
}

func (m *MemoryClient) CreateRole(_ context.Context, role *models.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles {
		if r.Name == role.Name {
			return apperr.Conflict("role %s already exists", role.Name)
		}
	}
	m.roles[role.ID] = *role
	return nil
}

func (m *MemoryClient) GetRoleByName(_ context.Context, name string) (*models.Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.roles {
		if r.Name == name {
			return &r, nil
		}
	}
	return nil, apperr.NotFound("role %s not found", name)
}

func (m *MemoryClient) AssignRole(_ context.Context, userID, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return apperr.NotFound("user %s not found", userID)
	}
	if _, ok := m.roles[roleID]; !ok {
		return apperr.NotFound("role %s not found", roleID)
	}
	if !slices.Contains(m.userRoles[userID], roleID) {
		m.userRoles[userID] = append(m.userRoles[userID], roleID)
	}
	return nil
}

func (m *MemoryClient) CreateDepartment(_ context.Context, dept *models.Department) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.departments[dept.ID]; ok {
		return apperr.Conflict("department %s already exists", dept.ID)
	}
	m.departments[dept.ID] = *dept
	return nil
}

func (m *MemoryClient) AddDepartmentMember(_ context.Context, departmentID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.departments[departmentID]; !ok {
		return apperr.NotFound("department %s not found", departmentID)
	}
	if _, ok := m.users[userID]; !ok {
		return apperr.NotFound("user %s not found", userID)
	}
	if !slices.Contains(m.members[userID], departmentID) {
		m.members[userID] = append(m.members[userID], departmentID)
	}
	return nil
}

func (m *MemoryClient) CreateDocument(_ context.Context, doc *models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[doc.ID]; ok {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	m.documents[doc.ID] = copyDocument(*doc)
	return nil
}

func (m *MemoryClient) GetDocumentByID(_ context.Context, id string) (*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	if !ok {
		return nil, apperr.NotFound("document %s not found", id)
	}
	d = copyDocument(d)
	return &d, nil
}

func (m *MemoryClient) ListDocuments(_ context.Context, filter models.DocumentFilter) ([]models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Document
	for _, d := range m.documents {
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		if filter.UploaderID != "" && d.UploaderID != filter.UploaderID {
			continue
		}
		out = append(out, copyDocument(d))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].UploadedAt.Before(out[j].UploadedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryClient) UpdateDocumentIf(_ context.Context, doc *models.Document, expected models.DocumentStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.documents[doc.ID]
	if !ok || cur.Status != expected {
		return false, nil
	}
	m.documents[doc.ID] = copyDocument(*doc)
	return true, nil
}

func (m *MemoryClient) DeleteDocument(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[id]; !ok {
		return apperr.NotFound("document %s not found", id)
	}
	delete(m.documents, id)
	delete(m.chunks, id)
	return nil
}

func (m *MemoryClient) InsertAuditEvent(_ context.Context, ev *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, *ev)
	return nil
}

func (m *MemoryClient) ListAuditEvents(_ context.Context, documentID string) ([]models.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AuditEvent
	for _, ev := range m.audit {
		if ev.DocumentID == documentID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryClient) InsertDocumentChunks(_ context.Context, chunks []models.DocumentChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range chunks {
		ch.Embedding = slices.Clone(ch.Embedding)
		m.chunks[ch.DocumentID] = append(m.chunks[ch.DocumentID], ch)
	}
	return nil
}

func (m *MemoryClient) GetChunksByDocument(_ context.Context, documentID string) ([]models.DocumentChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := slices.Clone(m.chunks[documentID])
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *MemoryClient) DeleteChunksByDocument(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, documentID)
	return nil
}

func (m *MemoryClient) SearchDocumentChunks(_ context.Context, docID string, queryVec []float32, limit int) ([]models.DocumentChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return nearest(slices.Clone(m.chunks[docID]), queryVec, limit), nil
}

func (m *MemoryClient) SearchChunks(_ context.Context, queryVec []float32, limit int) ([]models.DocumentChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []models.DocumentChunk
	for id, chunks := range m.chunks {
		if d, ok := m.documents[id]; ok && d.Status == models.StatusProcessed {
			all = append(all, chunks...)
		}
	}
	return nearest(all, queryVec, limit), nil
}

// nearest orders chunks by euclidean distance to q, the same ordering the
// pgvector <-> operator uses.
func nearest(chunks []models.DocumentChunk, q []float32, limit int) []models.DocumentChunk {
	dist := func(v []float32) float64 {
		var sum float64
		for i := range min(len(v), len(q)) {
			d := float64(v[i] - q[i])
			sum += d * d
		}
		return math.Sqrt(sum)
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		di, dj := dist(chunks[i].Embedding), dist(chunks[j].Embedding)
		if di != dj {
			return di < dj
		}
		return chunks[i].ID < chunks[j].ID
	})
	if limit > 0 && len(chunks) > limit {
		chunks = chunks[:limit]
	}
	return chunks
}

func (m *MemoryClient) CreateOverrideRequest(_ context.Context, req *models.OverrideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.ID]; ok {
		return fmt.Errorf("override request %s already exists", req.ID)
	}
	m.requests[req.ID] = copyRequest(*req)
	return nil
}

func (m *MemoryClient) GetOverrideRequest(_ context.Context, id string) (*models.OverrideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, apperr.NotFound("override request %s not found", id)
	}
	r = copyRequest(r)
	return &r, nil
}

func (m *MemoryClient) ListOverrideRequests(_ context.Context, filter models.OverrideRequestFilter) ([]models.OverrideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.OverrideRequest
	for _, r := range m.requests {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.UserID != "" && r.UserID != filter.UserID {
			continue
		}
		if filter.TriggerFileID != "" && r.TriggerFileID != filter.TriggerFileID {
			continue
		}
		out = append(out, copyRequest(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryClient) DecideOverrideRequest(_ context.Context, req *models.OverrideRequest, grant *models.OverrideGrant) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.requests[req.ID]
	if !ok {
		return false, apperr.NotFound("override request %s not found", req.ID)
	}
	if cur.Status != models.OverridePending {
		return false, nil
	}
	m.requests[req.ID] = copyRequest(*req)
	if grant != nil {
		m.grants = append(m.grants, *grant)
	}
	return true, nil
}

func (m *MemoryClient) ListOverrideGrantsByUser(_ context.Context, userID string) ([]models.OverrideGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.OverrideGrant
	for _, g := range m.grants {
		if g.UserID == userID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *MemoryClient) DeleteExpiredOverrideGrants(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.grants[:0]
	var n int64
	for _, g := range m.grants {
		if g.ValidUntil.Before(before) {
			n++
			continue
		}
		kept = append(kept, g)
	}
	m.grants = kept
	return n, nil
}

func copyDocument(d models.Document) models.Document {
	if d.ProcessedAt != nil {
		t := *d.ProcessedAt
		d.ProcessedAt = &t
	}
	return d
}

func copyRequest(r models.OverrideRequest) models.OverrideRequest {
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		r.DecidedAt = &t
	}
	return r
}
