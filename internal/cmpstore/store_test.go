package cmpstore

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "db", "cmp.sqlite"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newJob(id, view string, gates ...string) *Job {
	return &Job{
		ID:     id,
		Status: JobStatusQueued,
		Params: JobParams{
			View:   view,
			Group1: []string{"a1", "a2"},
			Group2: []string{"b1", "b2"},
			Gates:  gates,
		},
		CreatedAt: time.Now(),
	}
}

func TestStore_JobLifecycle(t *testing.T) {
	s := openStore(t)
	if err := s.CreateJob(newJob("j1", "unmixed", "Lymph")); err != nil {
		t.Fatal(err)
	}

	queued, err := s.ListQueuedJobs()
	if err != nil || len(queued) != 1 {
		t.Fatalf("expected 1 queued job, got %d (%v)", len(queued), err)
	}

	if err := s.UpdateJobStarted("j1"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateJobCounts("j1", 2, 2); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateJobProgress("j1", "testing", 1, 4); err != nil {
		t.Fatal(err)
	}
	results := []*Result{
		{Gate: "Lymph", Measure: "fraction_of_parent", Log2FC: 1, PRanksum: 0.2, FDRRanksum: 0.3},
		{Gate: "Lymph", Measure: "median:FITC", Log2FC: -3, PRanksum: 0.01, FDRRanksum: 0.02},
	}
	if err := s.InsertResults("j1", results); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateJobStatus("j1", JobStatusCompleted, ""); err != nil {
		t.Fatal(err)
	}

	job, err := s.GetJob("j1")
	if err != nil || job == nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != JobStatusCompleted || job.StartedAt == nil || job.FinishedAt == nil {
		t.Fatalf("unexpected job state %+v", job)
	}
	if job.N1 != 2 || job.Progress.Phase != "testing" || job.Params.Group2[1] != "b2" {
		t.Fatalf("fields not persisted: %+v", job)
	}

	page, total, err := s.QueryResults("j1", "", 0, 10)
	if err != nil || total != 2 {
		t.Fatalf("QueryResults: total=%d err=%v", total, err)
	}
	if page[0].Measure != "median:FITC" {
		t.Fatalf("default order should sort by fdr_ranksum, got %q first", page[0].Measure)
	}
	page, _, _ = s.QueryResults("j1", "abs_log2fc", 1, 1)
	if len(page) != 1 || page[0].Log2FC != 1 {
		t.Fatalf("unexpected second page %+v", page)
	}

	if missing, err := s.GetJob("nope"); err != nil || missing != nil {
		t.Fatalf("missing job should be nil, nil; got %v, %v", missing, err)
	}
}

func TestStore_RestartRecoveryAndRetention(t *testing.T) {
	s := openStore(t)
	for _, id := range []string{"old", "running"} {
		if err := s.CreateJob(newJob(id, "raw")); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.UpdateJobStarted("running"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRunningAsFailed("server restarted"); err != nil {
		t.Fatal(err)
	}
	job, _ := s.GetJob("running")
	if job.Status != JobStatusFailed || job.Error != "server restarted" {
		t.Fatalf("running job not failed on recovery: %+v", job)
	}

	past := time.Now().AddDate(0, 0, -10).Format(time.RFC3339)
	if _, err := s.db.Exec(`UPDATE cmp_jobs SET status = ?, finished_at = ? WHERE job_id = ?`,
		string(JobStatusCompleted), past, "old"); err != nil {
		t.Fatal(err)
	}
	n, err := s.DeleteExpiredJobs(7)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 expired job, got %d (%v)", n, err)
	}
	if job, _ := s.GetJob("old"); job != nil {
		t.Fatalf("expired job still present")
	}
}

func TestStore_GateReferences(t *testing.T) {
	s := openStore(t)
	s.CreateJob(newJob("a", "unmixed", "Lymph", "Q +,+"))
	s.CreateJob(newJob("b", "unmixed"))
	s.CreateJob(newJob("c", "raw", "Singlets"))
	s.CreateJob(newJob("d", "unmixed", "Gone"))
	s.UpdateJobStatus("d", JobStatusFailed, "boom")

	refs, err := s.GateReferences("unmixed")
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || len(refs["a"]) != 2 || refs["a"][1] != "Q +,+" {
		t.Fatalf("unexpected references %v", refs)
	}
}

func TestStore_Sessions(t *testing.T) {
	s := openStore(t)
	payload := []byte(`{"gates":[{"name":"Lymph"}]}`)
	if err := s.SaveSession(&Session{ID: "s1", Name: "panel", View: "unmixed", Payload: payload}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetSession("s1")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Payload) != string(payload) || got.View != "unmixed" {
		t.Fatalf("session round trip mismatch: %+v", got)
	}

	list, err := s.ListSessions()
	if err != nil || len(list) != 1 || list[0].Payload != nil {
		t.Fatalf("unexpected session list %+v (%v)", list, err)
	}

	if err := s.DeleteSession("s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSession("s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
