package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusattend/internal/auth"
	"campusattend/internal/queue"
)

const selfie = "data:image/jpeg;base64,/9j/4AAQSkZJRgABAQ=="

var (
	lecturer      = auth.Principal{ID: "user-lecturer-3", Role: auth.RoleLecturer}
	otherLecturer = auth.Principal{ID: "user-lecturer-9", Role: auth.RoleLecturer}
	hod           = auth.Principal{ID: "user-hod-1", Role: auth.RoleHOD}
	admin         = auth.Principal{ID: "user-admin-1", Role: auth.RoleAdmin}
	student       = auth.Principal{ID: "user-student-42", Role: auth.RoleStudent}
	outsider      = auth.Principal{ID: "user-student-77", Role: auth.RoleStudent}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []queue.Message
}

func (p *recordingPublisher) Publish(_ context.Context, msg queue.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

type fixture struct {
	store  *Memory
	clock  *fakeClock
	events *recordingPublisher
	svc    *Service
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := NewMemory()
	store.AddCourse(Course{ID: "7", Code: "CS101", Name: "Intro to Computing", DepartmentID: "dept-cs"})
	store.AddCourse(Course{ID: "8", Code: "CS202", Name: "Data Structures", DepartmentID: "dept-cs"})
	store.AddLecturer(lecturer.ID, "3")
	store.AddLecturer(otherLecturer.ID, "9")
	store.AddLecturer(hod.ID, "1")
	store.AddStudent(student.ID, "42", "CS/2024/042", "Ada Obi")
	store.AddStudent(outsider.ID, "77", "CS/2024/077", "Tunde Bello")
	store.Enroll("42", "7")
	store.Enroll("42", "8")

	if cfg.Validity == 0 {
		cfg.Validity = 5 * time.Minute
	}
	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	events := &recordingPublisher{}
	return &fixture{
		store:  store,
		clock:  clock,
		events: events,
		svc:    NewService(store, cfg, WithClock(clock.Now), WithPublisher(events)),
	}
}

func (f *fixture) open(t *testing.T, courseID string) Session {
	t.Helper()
	s, err := f.svc.CreateSession(context.Background(), lecturer, courseID)
	require.NoError(t, err)
	return s
}

func scan(s Session) ScanRequest {
	return ScanRequest{
		SessionID: s.ID,
		Token:     s.Token,
		Proof:     Proof{Selfie: selfie, IPAddress: "10.0.0.5", UserAgent: "test-agent"},
	}
}

func TestCreateSession_OpensLiveSession(t *testing.T) {
	f := newFixture(t, Config{})
	s := f.open(t, "7")

	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "7", s.CourseID)
	assert.Equal(t, "3", s.LecturerID)
	assert.True(t, s.Active)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute), s.ExpiresAt)
	assert.Len(t, s.Token, 43)
	assert.True(t, s.RequirePhoto, "unconfigured departments require a photo")
	assert.False(t, s.RequireDeviceFingerprint)
	assert.Equal(t, 300, s.ValiditySeconds)
	assert.True(t, IsLive(s, f.clock.Now()))

	audit := f.store.AuditEntries()
	require.Len(t, audit, 1)
	assert.Equal(t, "attendance_session", audit[0].EntityType)
	assert.Equal(t, s.ID, audit[0].EntityID)
}

func TestCreateSession_UsesDepartmentPolicy(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.store.UpsertPolicy(context.Background(), Policy{
		DepartmentID:             "dept-cs",
		RequirePhoto:             false,
		RequireDeviceFingerprint: true,
		SessionTimeout:           120,
	})
	require.NoError(t, err)

	s := f.open(t, "7")
	assert.False(t, s.RequirePhoto)
	assert.True(t, s.RequireDeviceFingerprint)
	assert.Equal(t, f.clock.Now().Add(2*time.Minute), s.ExpiresAt)
	assert.Equal(t, 120, s.ValiditySeconds)
}

func TestCreateSession_TokensDiffer(t *testing.T) {
	f := newFixture(t, Config{})
	a := f.open(t, "7")
	b := f.open(t, "8")
	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.Token, b.Token)
}

func TestCreateSession_Rejections(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.svc.CreateSession(ctx, student, "7")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.CreateSession(ctx, auth.Principal{ID: "user-x", Role: auth.RoleLecturer}, "7")
	assert.ErrorIs(t, err, ErrNotALecturer)

	_, err = f.svc.CreateSession(ctx, lecturer, "999")
	assert.ErrorIs(t, err, ErrCourseNotFound)

	_, err = f.svc.CreateSession(ctx, auth.Principal{}, "7")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRedeemScan_RecordsMark(t *testing.T) {
	f := newFixture(t, Config{})
	s := f.open(t, "7")

	f.clock.Advance(time.Minute)
	m, err := f.svc.RedeemScan(context.Background(), student, scan(s))
	require.NoError(t, err)

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, s.ID, m.SessionID)
	assert.Equal(t, "42", m.StudentID)
	assert.Equal(t, f.clock.Now(), m.MarkedAt)
	assert.False(t, m.Verified)
	require.NotNil(t, m.SelfieRef)
	assert.NotEmpty(t, *m.SelfieRef)
	assert.Equal(t, "10.0.0.5", m.IPAddress)
	assert.Nil(t, m.DeviceFingerprint)

	require.Len(t, f.events.msgs, 1)
	assert.Equal(t, MessageMarkCreated, f.events.msgs[0].Type)
	assert.Equal(t, m.ID, string(f.events.msgs[0].Body))

	marks, err := f.svc.SessionMarks(context.Background(), lecturer, s.ID)
	require.NoError(t, err)
	require.Len(t, marks, 1)
	assert.Equal(t, "Ada Obi", marks[0].StudentName)
	assert.Equal(t, "CS/2024/042", marks[0].StudentNumber)
}

func TestRedeemScan_SecondScanIsAlreadyMarked(t *testing.T) {
	f := newFixture(t, Config{})
	s := f.open(t, "7")
	ctx := context.Background()

	_, err := f.svc.RedeemScan(ctx, student, scan(s))
	require.NoError(t, err)

	_, err = f.svc.RedeemScan(ctx, student, scan(s))
	assert.ErrorIs(t, err, ErrAlreadyMarked)

	marks, err := f.svc.SessionMarks(ctx, lecturer, s.ID)
	require.NoError(t, err)
	assert.Len(t, marks, 1)
}

func TestRedeemScan_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("wrong token", func(t *testing.T) {
		f := newFixture(t, Config{})
		s := f.open(t, "7")
		req := scan(s)
		req.Token = "not-the-token"
		_, err := f.svc.RedeemScan(ctx, student, req)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("unknown session", func(t *testing.T) {
		f := newFixture(t, Config{})
		s := f.open(t, "7")
		req := scan(s)
		req.SessionID = "missing"
		_, err := f.svc.RedeemScan(ctx, student, req)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("expired", func(t *testing.T) {
		f := newFixture(t, Config{})
		s := f.open(t, "7")
		f.clock.Advance(6 * time.Minute)
		_, err := f.svc.RedeemScan(ctx, student, scan(s))
		assert.ErrorIs(t, err, ErrSessionExpired)
	})

	t.Run("expiry boundary is exclusive", func(t *testing.T) {
		f := newFixture(t, Config{})
		s := f.open(t, "7")
		f.clock.Advance(5 * time.Minute)
		_, err := f.svc.RedeemScan(ctx, student, scan(s))
		assert.ErrorIs(t, err, ErrSessionExpired)
	})

	t.Run("closed wins over bad token", func(t *testing.T) {
		f := newFixture(t, Config{})
		s := f.open(t, "7")
		require.NoError(t, f.svc.CloseSession(ctx, lecturer, s.ID))
		req := scan(s)
		req.Token = "stale"
		_, err := f.svc.RedeemScan(ctx, student, req)
		assert.ErrorIs(t, err, ErrSessionClosed)
	})

	t.Run("not a student profile", func(t *testing.T) {
		f := newFixture(t, Config{})
		s := f.open(t, "7")
		_, err := f.svc.RedeemScan(ctx, auth.Principal{ID: "user-ghost", Role: auth.RoleStudent}, scan(s))
		assert.ErrorIs(t, err, ErrNotAStudent)
	})

	t.Run("lecturer cannot scan", func(t *testing.T) {
		f := newFixture(t, Config{})
		s := f.open(t, "7")
		_, err := f.svc.RedeemScan(ctx, lecturer, scan(s))
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("photo required", func(t *testing.T) {
		f := newFixture(t, Config{})
		s := f.open(t, "7")
		req := scan(s)
		req.Proof.Selfie = "  "
		_, err := f.svc.RedeemScan(ctx, student, req)
		assert.ErrorIs(t, err, ErrPhotoRequired)
	})

	t.Run("fingerprint required", func(t *testing.T) {
		f := newFixture(t, Config{})
		_, err := f.store.UpsertPolicy(ctx, Policy{DepartmentID: "dept-cs", RequireDeviceFingerprint: true, SessionTimeout: 300})
		require.NoError(t, err)
		s := f.open(t, "7")
		_, err = f.svc.RedeemScan(ctx, student, scan(s))
		assert.ErrorIs(t, err, ErrFingerprintRequired)

		req := scan(s)
		req.Proof.DeviceFingerprint = "fp-123"
		m, err := f.svc.RedeemScan(ctx, student, req)
		require.NoError(t, err)
		require.NotNil(t, m.DeviceFingerprint)
		assert.Equal(t, "fp-123", *m.DeviceFingerprint)
	})

	t.Run("not enrolled", func(t *testing.T) {
		f := newFixture(t, Config{EnforceEnrollment: true})
		s := f.open(t, "7")
		_, err := f.svc.RedeemScan(ctx, outsider, scan(s))
		assert.ErrorIs(t, err, ErrNotEnrolled)
	})

	t.Run("enrollment not enforced", func(t *testing.T) {
		f := newFixture(t, Config{})
		s := f.open(t, "7")
		_, err := f.svc.RedeemScan(ctx, outsider, scan(s))
		assert.NoError(t, err)
	})
}

func TestRedeemScan_FailuresLeaveNoMark(t *testing.T) {
	f := newFixture(t, Config{})
	s := f.open(t, "7")
	ctx := context.Background()

	req := scan(s)
	req.Token = "guess"
	_, err := f.svc.RedeemScan(ctx, student, req)
	require.Error(t, err)

	marks, err := f.svc.StudentMarks(ctx, student)
	require.NoError(t, err)
	assert.Empty(t, marks)
	assert.Empty(t, f.events.msgs)
}

func TestRedeemScan_ConcurrentScansYieldOneMark(t *testing.T) {
	f := newFixture(t, Config{})
	s := f.open(t, "7")

	const n = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		dupes     int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RedeemScan(context.Background(), student, scan(s))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrAlreadyMarked):
				dupes++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, dupes)
	marks, err := f.svc.SessionMarks(context.Background(), lecturer, s.ID)
	require.NoError(t, err)
	assert.Len(t, marks, 1)
}

// blindStore hides existing marks from the fast path so every racer reaches
// the insert and the uniqueness check there.
type blindStore struct {
	*Memory
}

func (blindStore) HasMark(context.Context, string, string) (bool, error) {
	return false, nil
}

func TestRedeemScan_ConcurrentInsertsHitUniqueness(t *testing.T) {
	f := newFixture(t, Config{})
	s := f.open(t, "7")
	svc := NewService(blindStore{f.store}, Config{Validity: 5 * time.Minute}, WithClock(f.clock.Now))

	const n = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		start     = make(chan struct{})
		successes int
		dupes     int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.RedeemScan(context.Background(), student, scan(s))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrAlreadyMarked):
				dupes++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, dupes)
	marks, err := f.store.MarksBySession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Len(t, marks, 1)
}

func TestRedeemScan_FullQueueDoesNotBlock(t *testing.T) {
	f := newFixture(t, Config{})
	s := f.open(t, "7")

	q := queue.NewInMemory(1)
	require.NoError(t, q.Publish(context.Background(), queue.Message{Type: MessageMarkCreated, Body: []byte("backlog")}))
	svc := NewService(f.store, Config{Validity: 5 * time.Minute}, WithClock(f.clock.Now), WithPublisher(q))

	type result struct {
		mark Mark
		err  error
	}
	done := make(chan result, 1)
	go func() {
		m, err := svc.RedeemScan(context.Background(), student, scan(s))
		done <- result{m, err}
	}()

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, s.ID, res.mark.SessionID)
	case <-time.After(time.Second):
		t.Fatal("redeem blocked on a full queue")
	}
	ok, err := f.store.HasMark(context.Background(), s.ID, "42")
	require.NoError(t, err)
	assert.True(t, ok)
}

// closingStore closes the session just before the insert, as a lecturer
// racing the scan would.
type closingStore struct {
	*Memory
}

func (c closingStore) InsertMark(ctx context.Context, m Mark, now time.Time) (Mark, error) {
	if err := c.Memory.CloseSession(ctx, m.SessionID); err != nil {
		return Mark{}, err
	}
	return c.Memory.InsertMark(ctx, m, now)
}

func TestRedeemScan_CloseRacingInsert(t *testing.T) {
	f := newFixture(t, Config{})
	s := f.open(t, "7")

	svc := NewService(closingStore{f.store}, Config{Validity: 5 * time.Minute}, WithClock(f.clock.Now))
	_, err := svc.RedeemScan(context.Background(), student, scan(s))
	assert.ErrorIs(t, err, ErrSessionClosed)

	ok, err := f.store.HasMark(context.Background(), s.ID, "42")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRefreshToken_RotatesAndExtends(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	s := f.open(t, "7")

	_, err := f.svc.RedeemScan(ctx, student, scan(s))
	require.NoError(t, err)

	f.clock.Advance(4 * time.Minute)
	refreshed, err := f.svc.RefreshToken(ctx, lecturer, s.ID)
	require.NoError(t, err)

	assert.Equal(t, s.ID, refreshed.ID)
	assert.NotEqual(t, s.Token, refreshed.Token)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute), refreshed.ExpiresAt)
	assert.True(t, refreshed.Active)

	f.clock.Advance(2 * time.Minute)
	_, err = f.svc.RedeemScan(ctx, outsider, scan(s))
	assert.ErrorIs(t, err, ErrInvalidToken, "old token must stop working")

	_, err = f.svc.RedeemScan(ctx, outsider, scan(refreshed))
	require.NoError(t, err)

	marks, err := f.svc.SessionMarks(ctx, lecturer, s.ID)
	require.NoError(t, err)
	assert.Len(t, marks, 2, "marks survive a refresh")
}

func TestRefreshToken_RevivesExpiredSession(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	s := f.open(t, "7")

	f.clock.Advance(10 * time.Minute)
	refreshed, err := f.svc.RefreshToken(ctx, lecturer, s.ID)
	require.NoError(t, err)

	_, err = f.svc.RedeemScan(ctx, student, scan(refreshed))
	assert.NoError(t, err)
}

func TestRefreshToken_ClosedSession(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	s := f.open(t, "7")
	require.NoError(t, f.svc.CloseSession(ctx, lecturer, s.ID))

	_, err := f.svc.RefreshToken(ctx, lecturer, s.ID)
	assert.ErrorIs(t, err, ErrSessionClosed)

	got, err := f.svc.GetSession(ctx, lecturer, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Token, got.Token)
	assert.False(t, got.Active)
}

func TestCloseSession_IsIdempotentAndTerminal(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	s := f.open(t, "7")

	require.NoError(t, f.svc.CloseSession(ctx, lecturer, s.ID))
	require.NoError(t, f.svc.CloseSession(ctx, lecturer, s.ID))

	_, err := f.svc.RedeemScan(ctx, student, scan(s))
	assert.ErrorIs(t, err, ErrSessionClosed)

	var closes int
	for _, e := range f.store.AuditEntries() {
		if e.EntityID == s.ID && e.Action == "closed attendance session "+s.ID {
			closes++
		}
	}
	assert.Equal(t, 1, closes)

	err = f.svc.CloseSession(ctx, lecturer, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestOwnership(t *testing.T) {
	ctx := context.Background()

	t.Run("enforced", func(t *testing.T) {
		f := newFixture(t, Config{EnforceOwnership: true})
		s := f.open(t, "7")

		assert.ErrorIs(t, f.svc.CloseSession(ctx, otherLecturer, s.ID), ErrUnauthorized)
		_, err := f.svc.RefreshToken(ctx, otherLecturer, s.ID)
		assert.ErrorIs(t, err, ErrUnauthorized)
		_, err = f.svc.SessionMarks(ctx, otherLecturer, s.ID)
		assert.ErrorIs(t, err, ErrUnauthorized)

		assert.NoError(t, f.svc.CloseSession(ctx, hod, s.ID))
	})

	t.Run("not enforced", func(t *testing.T) {
		f := newFixture(t, Config{})
		s := f.open(t, "7")
		assert.NoError(t, f.svc.CloseSession(ctx, otherLecturer, s.ID))
	})
}

func TestActiveSessions(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	mine := f.open(t, "7")
	f.clock.Advance(time.Second)
	closed := f.open(t, "8")
	require.NoError(t, f.svc.CloseSession(ctx, lecturer, closed.ID))
	theirs, err := f.svc.CreateSession(ctx, otherLecturer, "8")
	require.NoError(t, err)

	got, err := f.svc.ActiveSessions(ctx, lecturer)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, mine.ID, got[0].ID)
	assert.Equal(t, "CS101", got[0].CourseCode)
	assert.Equal(t, "dept-cs", got[0].DepartmentID)

	all, err := f.svc.ActiveSessions(ctx, hod)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, theirs.ID, all[0].ID, "newest first")

	f.clock.Advance(10 * time.Minute)
	got, err = f.svc.ActiveSessions(ctx, lecturer)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = f.svc.ActiveSessions(ctx, student)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestStudentMarks(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	a := f.open(t, "7")
	b := f.open(t, "8")

	_, err := f.svc.RedeemScan(ctx, student, scan(a))
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.svc.RedeemScan(ctx, student, scan(b))
	require.NoError(t, err)

	marks, err := f.svc.StudentMarks(ctx, student)
	require.NoError(t, err)
	require.Len(t, marks, 2)
	assert.Equal(t, "CS202", marks[0].CourseCode)
	assert.Equal(t, "CS101", marks[1].CourseCode)

	_, err = f.svc.StudentMarks(ctx, lecturer)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestUpsertPolicy(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	before := f.open(t, "7")

	p, err := f.svc.Policy(ctx, lecturer, "dept-cs")
	require.NoError(t, err)
	assert.False(t, p.Configured)
	assert.True(t, p.RequirePhoto)

	_, err = f.svc.UpsertPolicy(ctx, lecturer, Policy{DepartmentID: "dept-cs", SessionTimeout: 300})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.UpsertPolicy(ctx, admin, Policy{DepartmentID: "dept-cs", SessionTimeout: 5})
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = f.svc.UpsertPolicy(ctx, admin, Policy{SessionTimeout: 300})
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	saved, err := f.svc.UpsertPolicy(ctx, hod, Policy{DepartmentID: "dept-cs", RequireDeviceFingerprint: true, SessionTimeout: 600})
	require.NoError(t, err)
	assert.True(t, saved.Configured)
	assert.Equal(t, f.clock.Now(), saved.UpdatedAt)

	after := f.open(t, "7")
	assert.False(t, after.RequirePhoto)
	assert.True(t, after.RequireDeviceFingerprint)
	assert.Equal(t, 600, after.ValiditySeconds)

	got, err := f.svc.GetSession(ctx, lecturer, before.ID)
	require.NoError(t, err)
	assert.True(t, got.RequirePhoto, "existing sessions keep their snapshot")
	assert.False(t, got.RequireDeviceFingerprint)
}

type failingAudit struct {
	*Memory
}

func (failingAudit) Record(context.Context, AuditEntry) error {
	return errors.New("audit table unavailable")
}

func TestAuditFailureDoesNotFailOperation(t *testing.T) {
	f := newFixture(t, Config{})
	svc := NewService(failingAudit{f.store}, Config{}, WithClock(f.clock.Now))
	ctx := context.Background()

	s, err := svc.CreateSession(ctx, lecturer, "7")
	require.NoError(t, err)
	_, err = svc.RedeemScan(ctx, student, scan(s))
	require.NoError(t, err)
	assert.NoError(t, svc.CloseSession(ctx, lecturer, s.ID))
}
