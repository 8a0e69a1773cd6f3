package attendance

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store for development and tests. One mutex
// guards everything so the uniqueness constraints hold under concurrency
// just as they do in Postgres.
type Memory struct {
	mu sync.Mutex

	sessions map[string]Session
	tokens   map[string]string
	marks    map[string]Mark
	marked   map[[2]string]string
	policies map[string]Policy
	audit    []AuditEntry

	courses   map[string]Course
	lecturers map[string]string
	students  map[string]memoryStudent
	enrolled  map[[2]string]bool
}

type memoryStudent struct {
	id     string
	number string
	name   string
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:  make(map[string]Session),
		tokens:    make(map[string]string),
		marks:     make(map[string]Mark),
		marked:    make(map[[2]string]string),
		policies:  make(map[string]Policy),
		courses:   make(map[string]Course),
		lecturers: make(map[string]string),
		students:  make(map[string]memoryStudent),
		enrolled:  make(map[[2]string]bool),
	}
}

// AddCourse registers a course.
func (m *Memory) AddCourse(c Course) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.courses[c.ID] = c
}

// AddLecturer links a user account to a lecturer profile.
func (m *Memory) AddLecturer(userID, lecturerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lecturers[userID] = lecturerID
}

// AddStudent links a user account to a student profile.
func (m *Memory) AddStudent(userID, studentID, number, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.students[userID] = memoryStudent{id: studentID, number: number, name: name}
}

// Enroll adds a student to a course.
func (m *Memory) Enroll(studentID, courseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enrolled[[2]string{studentID, courseID}] = true
}

// AuditEntries returns a copy of the audit trail.
func (m *Memory) AuditEntries() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) CreateSession(_ context.Context, s Session) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.tokens[s.Token]; dup {
		return Session{}, errDuplicateToken
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	m.sessions[s.ID] = s
	m.tokens[s.Token] = s.ID
	return s, nil
}

func (m *Memory) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (m *Memory) CloseSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.Active = false
	m.sessions[id] = s
	return nil
}

func (m *Memory) RotateToken(_ context.Context, id, token string, expiresAt time.Time) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if !s.Active {
		return Session{}, ErrSessionClosed
	}
	if owner, dup := m.tokens[token]; dup && owner != id {
		return Session{}, errDuplicateToken
	}
	delete(m.tokens, s.Token)
	s.Token = token
	s.ExpiresAt = expiresAt
	m.sessions[id] = s
	m.tokens[token] = id
	return s, nil
}

func (m *Memory) ActiveSessions(_ context.Context, lecturerID string, now time.Time) ([]SessionWithCourse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []SessionWithCourse{}
	for _, s := range m.sessions {
		if !IsLive(s, now) || (lecturerID != "" && s.LecturerID != lecturerID) {
			continue
		}
		c := m.courses[s.CourseID]
		out = append(out, SessionWithCourse{Session: s, CourseCode: c.Code, CourseName: c.Name, DepartmentID: c.DepartmentID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) HasMark(_ context.Context, sessionID, studentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.marked[[2]string{sessionID, studentID}]
	return ok, nil
}

func (m *Memory) InsertMark(_ context.Context, mk Mark, now time.Time) (Mark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[mk.SessionID]
	if !ok || !IsLive(s, now) {
		return Mark{}, errSessionNotLive
	}
	key := [2]string{mk.SessionID, mk.StudentID}
	if _, dup := m.marked[key]; dup {
		return Mark{}, ErrAlreadyMarked
	}
	mk.CreatedAt = now
	m.marks[mk.ID] = mk
	m.marked[key] = mk.ID
	return mk, nil
}

func (m *Memory) GetMark(_ context.Context, id string) (Mark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mk, ok := m.marks[id]
	if !ok {
		return Mark{}, ErrMarkNotFound
	}
	return mk, nil
}

func (m *Memory) SetMarkVerification(_ context.Context, id string, verified bool, score *float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mk, ok := m.marks[id]
	if !ok {
		return ErrMarkNotFound
	}
	mk.Verified = verified
	if score != nil {
		mk.MatchScore = score
	}
	m.marks[id] = mk
	return nil
}

func (m *Memory) MarksBySession(_ context.Context, sessionID string) ([]MarkWithStudent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byStudent := make(map[string]memoryStudent, len(m.students))
	for _, st := range m.students {
		byStudent[st.id] = st
	}
	out := []MarkWithStudent{}
	for _, mk := range m.marks {
		if mk.SessionID != sessionID {
			continue
		}
		st := byStudent[mk.StudentID]
		out = append(out, MarkWithStudent{Mark: mk, StudentNumber: st.number, StudentName: st.name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarkedAt.Before(out[j].MarkedAt) })
	return out, nil
}

func (m *Memory) MarksByStudent(_ context.Context, studentID string) ([]MarkWithSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []MarkWithSession{}
	for _, mk := range m.marks {
		if mk.StudentID != studentID {
			continue
		}
		s := m.sessions[mk.SessionID]
		c := m.courses[s.CourseID]
		out = append(out, MarkWithSession{Mark: mk, CourseID: c.ID, CourseCode: c.Code, CourseName: c.Name, SessionDate: s.SessionDate})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarkedAt.After(out[j].MarkedAt) })
	return out, nil
}

func (m *Memory) GetPolicy(_ context.Context, departmentID string) (Policy, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[departmentID]
	return p, ok, nil
}

func (m *Memory) UpsertPolicy(_ context.Context, p Policy) (Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[p.DepartmentID] = p
	return p, nil
}

func (m *Memory) Course(_ context.Context, courseID string) (Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.courses[courseID]
	if !ok {
		return Course{}, ErrCourseNotFound
	}
	return c, nil
}

func (m *Memory) LecturerIDForUser(_ context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lecturers[userID], nil
}

func (m *Memory) StudentIDForUser(_ context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.students[userID].id, nil
}

func (m *Memory) IsEnrolled(_ context.Context, studentID, courseID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enrolled[[2]string{studentID, courseID}], nil
}

func (m *Memory) Record(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}
