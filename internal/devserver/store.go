package devserver

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/planproof/planproof/internal/compliance"
	"github.com/planproof/planproof/internal/project"
	"github.com/planproof/planproof/internal/session"
	"github.com/planproof/planproof/pkg/cerr"
)

type account struct {
	user     session.User
	password string
}

type taskInfo struct {
	id           string
	projectID    int64
	complianceID int64
	filename     string
}

// store is the in-memory state behind the stub backend. Everything is lost on
// restart, which is the point.
type store struct {
	mu            sync.Mutex
	accounts      map[string]*account
	projects      []project.Project
	records       map[int64]*compliance.Record
	tasks         map[string]*taskInfo
	nextUserID    int64
	nextProjectID int64
	nextRecordID  int64
}

func newStore() *store {
	return &store{
		accounts: map[string]*account{},
		records:  map[int64]*compliance.Record{},
		tasks:    map[string]*taskInfo{},
	}
}

func (s *store) register(email, password, fullName string) (*session.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[email]; ok {
		return nil, cerr.NewError(cerr.AlreadyExists, "email is already registered", nil)
	}
	s.nextUserID++
	acct := &account{
		user: session.User{
			ID:       s.nextUserID,
			Email:    email,
			FullName: fullName,
			IsActive: true,
		},
		password: password,
	}
	s.accounts[email] = acct
	u := acct.user
	return &u, nil
}

func (s *store) authenticate(email, password string) (*session.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[email]
	if !ok || acct.password != password {
		return nil, cerr.NewError(cerr.Unauthenticated, "invalid email or password", nil)
	}
	u := acct.user
	return &u, nil
}

func (s *store) userByEmail(email string) (*session.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[email]
	if !ok {
		return nil, cerr.NewError(cerr.Unauthenticated, "unknown user", nil)
	}
	u := acct.user
	return &u, nil
}

func (s *store) createProject(req project.CreateRequest) project.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextProjectID++
	p := project.Project{
		ProjectID:      s.nextProjectID,
		ApplicantName:  req.ApplicantName,
		Location:       req.Location,
		BuildingType:   req.BuildingType,
		SubmissionDate: time.Now().UTC(),
		Status:         "submitted",
	}
	s.projects = append(s.projects, p)
	return p
}

func (s *store) listProjects() []project.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]project.Project, len(s.projects))
	copy(out, s.projects)
	return out
}

func (s *store) hasProject(projectID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if p.ProjectID == projectID {
			return true
		}
	}
	return false
}

// createTask reserves a compliance record for a freshly launched check and
// returns its task handle.
func (s *store) createTask(projectID int64, filename string) *taskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRecordID++
	task := &taskInfo{
		id:           ulid.Make().String(),
		projectID:    projectID,
		complianceID: s.nextRecordID,
		filename:     filename,
	}
	s.tasks[task.id] = task
	s.records[task.complianceID] = &compliance.Record{
		ComplianceID: task.complianceID,
		ProjectID:    projectID,
		RevisionDate: time.Now().UTC(),
		Decision:     compliance.DecisionPending,
	}
	return task
}

func (s *store) task(taskID string) (*taskInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	return t, ok
}

// completeTask stores the analysis result and forgets the task.
func (s *store) completeTask(taskID string, result compliance.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return
	}
	delete(s.tasks, taskID)
	if rec, ok := s.records[task.complianceID]; ok {
		rec.Result = result
	}
}

func (s *store) recordsForProject(projectID int64) []compliance.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []compliance.Record
	for _, rec := range s.records {
		if rec.ProjectID == projectID {
			out = append(out, *rec)
		}
	}
	return out
}

func (s *store) record(complianceID int64) (*compliance.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[complianceID]
	if !ok {
		return nil, cerr.NewError(cerr.NotFound, "compliance record not found", nil)
	}
	out := *rec
	return &out, nil
}

func (s *store) setDecision(projectID, complianceID int64, decision compliance.Decision) (*compliance.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[complianceID]
	if !ok || rec.ProjectID != projectID {
		return nil, cerr.NewError(cerr.NotFound, "compliance record not found", nil)
	}
	rec.Decision = decision
	out := *rec
	return &out, nil
}
