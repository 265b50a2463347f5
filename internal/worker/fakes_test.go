package worker

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ignite/email-validator/internal/cleaner"
	"github.com/ignite/email-validator/internal/domain"
	"github.com/ignite/email-validator/internal/repository/postgres"
	"github.com/ignite/email-validator/internal/verifier"
)

// memDB is an in-memory stand-in for the relational store with the same
// uniqueness rules: one master per normalized address and one filter,
// result and final row per master.
type memDB struct {
	mu sync.Mutex

	batches    map[int64]*domain.Batch
	staged     []domain.StagedEmail
	nextStaged int64
	masters    map[int64]*domain.MasterEmail
	byNorm     map[string]int64
	nextMaster int64
	filtered   map[int64]*domain.FilteredEmail
	results    map[int64]*domain.VerificationResult
	final      map[int64]*domain.FinalEmail
	freePool   []int64
	unsub      map[string]bool
	public     map[string]bool
	roles      map[string]string
	rules      []cleaner.RuleSet
	audits     []string
}

func newMemDB() *memDB {
	return &memDB{
		batches:  map[int64]*domain.Batch{},
		masters:  map[int64]*domain.MasterEmail{},
		byNorm:   map[string]int64{},
		filtered: map[int64]*domain.FilteredEmail{},
		results:  map[int64]*domain.VerificationResult{},
		final:    map[int64]*domain.FinalEmail{},
		unsub:    map[string]bool{},
		public:   map[string]bool{},
		roles:    map[string]string{},
	}
}

// addBatch stages raws under a new batch.
func (db *memDB) addBatch(id int64, sub domain.Submitter, raws ...string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.batches[id] = &domain.Batch{ID: id, Submitter: sub, TotalCount: int64(len(raws)), Status: domain.BatchUploaded}
	for _, r := range raws {
		db.nextStaged++
		db.staged = append(db.staged, domain.StagedEmail{ID: db.nextStaged, BatchID: id, Raw: r})
	}
}

// stage appends raw rows to a batch's staging table.
func (db *memDB) stage(id int64, raws ...string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, r := range raws {
		db.nextStaged++
		db.staged = append(db.staged, domain.StagedEmail{ID: db.nextStaged, BatchID: id, Raw: r})
	}
}

func (db *memDB) batchStatus(id int64) domain.BatchStatus {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.batches[id].Status
}

func (db *memDB) masterIDs(batchID int64) []int64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	var ids []int64
	for id, m := range db.masters {
		if m.BatchID == batchID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (db *memDB) filteredFor(norm string) *domain.FilteredEmail {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.filtered[db.byNorm[norm]]
}

func (db *memDB) resultFor(norm string) *domain.VerificationResult {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.results[db.byNorm[norm]]
}

func (db *memDB) finalFor(norm string) *domain.FinalEmail {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.final[db.byNorm[norm]]
}

func (db *memDB) count(kind string, batchID int64) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for id, m := range db.masters {
		if m.BatchID != batchID {
			continue
		}
		switch kind {
		case "filtered":
			if db.filtered[id] != nil {
				n++
			}
		case "results":
			if db.results[id] != nil {
				n++
			}
		case "final":
			if db.final[id] != nil {
				n++
			}
		}
	}
	return n
}

func (db *memDB) stores() Stores {
	return Stores{
		Batches:    memBatches{db},
		Staging:    memStaging{db},
		Masters:    memMasters{db},
		Filtered:   memFiltered{db},
		Results:    memResults{db},
		Final:      memFinal{db},
		Lists:      memLists{db},
		Boundaries: memBoundaries{db},
		Audit:      memAudit{db},
	}
}

type memBatches struct{ db *memDB }

func (s memBatches) Get(_ context.Context, id int64) (*domain.Batch, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	b, ok := s.db.batches[id]
	if !ok {
		return nil, postgres.ErrBatchNotFound
	}
	cp := *b
	return &cp, nil
}

func (s memBatches) SetStatus(_ context.Context, id int64, status domain.BatchStatus) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if b, ok := s.db.batches[id]; ok && b.Status != domain.BatchDeleted {
		b.Status = status
	}
	return nil
}

func (s memBatches) StartIfPending(_ context.Context, id int64) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if b, ok := s.db.batches[id]; ok && (b.Status == domain.BatchUploaded || b.Status == domain.BatchRequeued) {
		b.Status = domain.BatchRunning
	}
	return nil
}

func (s memBatches) Complete(_ context.Context, id int64) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	b, ok := s.db.batches[id]
	if !ok {
		return false, nil
	}
	switch b.Status {
	case domain.BatchCompleted, domain.BatchDeleted, domain.BatchPaused, domain.BatchDuplicate:
		return false, nil
	}
	b.Status = domain.BatchCompleted
	return true, nil
}

func (s memBatches) Pause(_ context.Context, id int64, stage domain.Stage) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	b, ok := s.db.batches[id]
	if !ok || b.Status == domain.BatchDeleted {
		return postgres.ErrBatchNotFound
	}
	b.Status = domain.BatchPaused
	st := stage
	b.PausedStage = &st
	return nil
}

func (s memBatches) Resume(_ context.Context, id int64) (domain.Stage, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	b, ok := s.db.batches[id]
	if !ok || b.Status != domain.BatchPaused || b.PausedStage == nil {
		return "", postgres.ErrBatchNotFound
	}
	stage := *b.PausedStage
	b.Status = domain.BatchRunning
	b.PausedStage = nil
	return stage, nil
}

func (s memBatches) SubmitterRole(_ context.Context, userID string) (string, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.db.roles[userID], nil
}

func (s memBatches) MarkDeletedAndPurge(_ context.Context, id int64) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	b, ok := s.db.batches[id]
	if !ok {
		return postgres.ErrBatchNotFound
	}
	b.Status = domain.BatchDeleted
	for mid, m := range s.db.masters {
		if m.BatchID != id {
			continue
		}
		delete(s.db.filtered, mid)
		delete(s.db.results, mid)
		delete(s.db.final, mid)
		delete(s.db.byNorm, m.Normalized)
		delete(s.db.masters, mid)
	}
	kept := s.db.staged[:0]
	for _, st := range s.db.staged {
		if st.BatchID != id {
			kept = append(kept, st)
		}
	}
	s.db.staged = kept
	return nil
}

func (s memBatches) ResetDownstream(_ context.Context, id int64) ([]int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var ids []int64
	for mid, m := range s.db.masters {
		if m.BatchID != id {
			continue
		}
		ids = append(ids, mid)
		delete(s.db.filtered, mid)
		delete(s.db.results, mid)
		delete(s.db.final, mid)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	s.db.batches[id].Status = domain.BatchRequeued
	s.db.batches[id].PausedStage = nil
	return ids, nil
}

type memStaging struct{ db *memDB }

func (s memStaging) Count(_ context.Context, batchID int64) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var n int64
	for _, st := range s.db.staged {
		if st.BatchID == batchID {
			n++
		}
	}
	return n, nil
}

func (s memStaging) NextChunk(_ context.Context, batchID int64, limit int) ([]domain.StagedEmail, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []domain.StagedEmail
	for _, st := range s.db.staged {
		if st.BatchID == batchID && len(out) < limit {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s memStaging) DeleteThrough(_ context.Context, batchID, maxID int64) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	kept := s.db.staged[:0]
	for _, st := range s.db.staged {
		if st.BatchID != batchID || st.ID > maxID {
			kept = append(kept, st)
		}
	}
	s.db.staged = kept
	return nil
}

type memMasters struct{ db *memDB }

func (s memMasters) Insert(_ context.Context, m *domain.MasterEmail) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.byNorm[m.Normalized]; ok {
		return false, nil
	}
	s.db.nextMaster++
	m.ID = s.db.nextMaster
	cp := *m
	s.db.masters[m.ID] = &cp
	s.db.byNorm[m.Normalized] = m.ID
	return true, nil
}

func (s memMasters) Get(_ context.Context, id int64) (*domain.MasterEmail, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	m, ok := s.db.masters[id]
	if !ok {
		return nil, postgres.ErrMasterNotFound
	}
	cp := *m
	return &cp, nil
}

func (s memMasters) CountForBatch(_ context.Context, batchID int64) (int64, error) {
	return int64(len(s.db.masterIDs(batchID))), nil
}

type memFiltered struct{ db *memDB }

func (s memFiltered) Insert(_ context.Context, f *domain.FilteredEmail) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.filtered[f.MasterID]; ok {
		return false, nil
	}
	cp := *f
	s.db.filtered[f.MasterID] = &cp
	return true, nil
}

func (s memFiltered) Get(_ context.Context, masterID int64) (*domain.FilteredEmail, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	f, ok := s.db.filtered[masterID]
	if !ok {
		return nil, nil
	}
	cp := *f
	return &cp, nil
}

func (s memFiltered) Counts(_ context.Context, batchID int64) (postgres.FilterCounts, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var c postgres.FilterCounts
	for id, m := range s.db.masters {
		if m.BatchID != batchID {
			continue
		}
		c.Masters++
		if f := s.db.filtered[id]; f != nil {
			c.Filtered++
			if f.Eligible() {
				c.Eligible++
			}
		}
	}
	return c, nil
}

type memResults struct{ db *memDB }

func (s memResults) Insert(_ context.Context, v *domain.VerificationResult) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.results[v.MasterID]; ok {
		return false, nil
	}
	cp := *v
	cp.VerifiedAt = time.Now()
	s.db.results[v.MasterID] = &cp
	return true, nil
}

func (s memResults) Latest(_ context.Context, masterID int64) (*domain.VerificationResult, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	v, ok := s.db.results[masterID]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (s memResults) CountVerified(_ context.Context, batchID int64) (int64, error) {
	return int64(s.db.count("results", batchID)), nil
}

type memFinal struct{ db *memDB }

func (s memFinal) Insert(_ context.Context, f *domain.FinalEmail) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.final[f.MasterID]; ok {
		return false, nil
	}
	cp := *f
	s.db.final[f.MasterID] = &cp
	if f.FreePool {
		s.db.freePool = append(s.db.freePool, f.MasterID)
	}
	return true, nil
}

func (s memFinal) CountSplit(_ context.Context, batchID int64) (int64, error) {
	return int64(s.db.count("final", batchID)), nil
}

type memLists struct{ db *memDB }

func (s memLists) IsUnsubscribed(_ context.Context, email, d string) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.db.unsub[strings.ToLower(email)] || s.db.unsub[strings.ToLower(d)], nil
}

func (s memLists) IsPublicDomain(_ context.Context, d string) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.db.public[d], nil
}

func (s memLists) RuleSets(_ context.Context, _ cleaner.Scope) ([]cleaner.RuleSet, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return append([]cleaner.RuleSet(nil), s.db.rules...), nil
}

type memBoundaries struct{ db *memDB }

func (s memBoundaries) scan(limit int, batchID int64, pick func(id int64, m *domain.MasterEmail) bool) []int64 {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []int64
	for id, m := range s.db.masters {
		if (batchID == 0 || m.BatchID == batchID) && pick(id, m) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s memBoundaries) batchesOf(ids []int64, limit int) []int64 {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	seen := map[int64]bool{}
	var out []int64
	for _, id := range ids {
		b := s.db.masters[id].BatchID
		if !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s memBoundaries) unfiltered(id int64, _ *domain.MasterEmail) bool {
	return s.db.filtered[id] == nil
}

func (s memBoundaries) unverified(id int64, _ *domain.MasterEmail) bool {
	f := s.db.filtered[id]
	return f != nil && f.Eligible() && s.db.results[id] == nil
}

func (s memBoundaries) unsplit(id int64, _ *domain.MasterEmail) bool {
	return s.db.results[id] != nil && s.db.final[id] == nil
}

func (s memBoundaries) StagedBatches(_ context.Context, limit int) ([]int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	seen := map[int64]bool{}
	var out []int64
	for _, st := range s.db.staged {
		if !seen[st.BatchID] && len(out) < limit {
			seen[st.BatchID] = true
			out = append(out, st.BatchID)
		}
	}
	return out, nil
}

func (s memBoundaries) UnfilteredBatches(_ context.Context, limit int) ([]int64, error) {
	return s.batchesOf(s.scan(1<<30, 0, s.unfiltered), limit), nil
}

func (s memBoundaries) UnfilteredIDs(_ context.Context, batchID int64, limit int) ([]int64, error) {
	return s.scan(limit, batchID, s.unfiltered), nil
}

func (s memBoundaries) UnverifiedBatches(_ context.Context, limit int) ([]int64, error) {
	return s.batchesOf(s.scan(1<<30, 0, s.unverified), limit), nil
}

func (s memBoundaries) UnverifiedIDs(_ context.Context, batchID int64, limit int) ([]int64, error) {
	return s.scan(limit, batchID, s.unverified), nil
}

func (s memBoundaries) UnsplitBatches(_ context.Context, limit int) ([]int64, error) {
	return s.batchesOf(s.scan(1<<30, 0, s.unsplit), limit), nil
}

func (s memBoundaries) UnsplitIDs(_ context.Context, batchID int64, limit int) ([]int64, error) {
	return s.scan(limit, batchID, s.unsplit), nil
}

func (s memBoundaries) OpenBatches(_ context.Context, limit int) ([]int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []int64
	for id, b := range s.db.batches {
		if b.Status == domain.BatchRunning || b.Status == domain.BatchRequeued {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s memBoundaries) MasterBatches(_ context.Context, ids []int64) (map[int64]int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	out := map[int64]int64{}
	for _, id := range ids {
		if m, ok := s.db.masters[id]; ok {
			out[id] = m.BatchID
		}
	}
	return out, nil
}

type memAudit struct{ db *memDB }

func (s memAudit) Record(_ context.Context, action, _, resource string, _ interface{}) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.audits = append(s.db.audits, action+":"+resource)
	return nil
}

// memCredentials backs the key manager's counters.
type memCredentials struct {
	mu    sync.Mutex
	creds map[string]*domain.Credential
}

func newMemCredentials() *memCredentials {
	return &memCredentials{creds: map[string]*domain.Credential{}}
}

func (s *memCredentials) Seed(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if _, ok := s.creds[k]; !ok {
			s.creds[k] = &domain.Credential{Key: k, Status: domain.CredentialActive}
		}
	}
	return nil
}

func (s *memCredentials) RecordSuccess(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.creds[key]
	c.TotalRequests++
	c.TotalSuccess++
	c.ConsecutiveErrors = 0
	return nil
}

func (s *memCredentials) RecordFailure(_ context.Context, key string, consecutive bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.creds[key]
	c.TotalRequests++
	c.TotalFailed++
	if consecutive {
		c.ConsecutiveErrors++
	}
	return c.ConsecutiveErrors, nil
}

func (s *memCredentials) SetStatus(_ context.Context, key string, status domain.CredentialStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.creds[key]; ok {
		c.Status = status
	}
	return nil
}

func (s *memCredentials) List(_ context.Context) ([]domain.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Credential
	for _, c := range s.creds {
		out = append(out, *c)
	}
	return out, nil
}

func (s *memCredentials) get(key string) domain.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.creds[key]
}

// fakeVerifier answers from a table and counts calls per address.
type fakeVerifier struct {
	mu      sync.Mutex
	answers map[string]*verifier.Response
	errs    map[string]error
	calls   map[string]int
}

func newFakeVerifier() *fakeVerifier {
	return &fakeVerifier{
		answers: map[string]*verifier.Response{},
		errs:    map[string]error{},
		calls:   map[string]int{},
	}
}

func (f *fakeVerifier) Verify(_ context.Context, email, _ string) (*verifier.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[email]++
	if err := f.errs[email]; err != nil {
		return nil, err
	}
	if r := f.answers[email]; r != nil {
		return r, nil
	}
	return &verifier.Response{Code: "ok", Message: "Accepted", Raw: []byte(`{"code":"ok"}`)}, nil
}

func (f *fakeVerifier) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

var errBoom = errors.New("boom")
