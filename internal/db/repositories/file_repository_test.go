package repositories

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/project-storage/project-storage/internal/storage"
)

const sampleFileID = "aa000000000000000000000000000001"

// ---------------------------------------------------------------------------
// ProjectSchema
// ---------------------------------------------------------------------------

func TestProjectSchema(t *testing.T) {
	got, err := ProjectSchema("Demo_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `"project_demo_1"` {
		t.Errorf("ProjectSchema() = %s", got)
	}
}

func TestProjectSchema_RejectsInjection(t *testing.T) {
	for _, name := range []string{"", "demo; DROP TABLE x", `demo"`, "demo.files", "dëmo"} {
		if _, err := ProjectSchema(name); !errors.Is(err, storage.ErrInvalidIdentifier) {
			t.Errorf("ProjectSchema(%q) error = %v, want ErrInvalidIdentifier", name, err)
		}
	}
}

// ---------------------------------------------------------------------------
// ListUnused
// ---------------------------------------------------------------------------

func TestListUnused(t *testing.T) {
	db, mock := newMockDB(t)
	cutoff := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM "project_demo".files`) + `\s+WHERE activity_id IS NULL AND updated_at < \$1`).
		WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"id", "activity_id", "updated_at"}).
			AddRow(sampleFileID, nil, cutoff.Add(-time.Hour)))

	files, err := NewFileRepository(db).ListUnused(context.Background(), "demo", cutoff)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) != 1 || files[0].ID != sampleFileID || files[0].ActivityID.Valid {
		t.Errorf("ListUnused() = %+v", files)
	}
	expectationsMet(t, mock)
}

func TestListUnused_InvalidProject(t *testing.T) {
	db, mock := newMockDB(t)

	_, err := NewFileRepository(db).ListUnused(context.Background(), "bad-name", time.Now())
	if !errors.Is(err, storage.ErrInvalidIdentifier) {
		t.Errorf("error = %v, want ErrInvalidIdentifier", err)
	}
	expectationsMet(t, mock)
}

func TestListUnused_DBError(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("SELECT id, activity_id, updated_at").WillReturnError(errDB)

	if _, err := NewFileRepository(db).ListUnused(context.Background(), "demo", time.Now()); err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// DeleteWithScrub
// ---------------------------------------------------------------------------

func TestDeleteWithScrub_Success(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "project_demo".files WHERE id = $1`)).
		WithArgs(sampleFileID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "project_demo".activities a`)).
		WithArgs(sampleFileID).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	if err := NewFileRepository(db).DeleteWithScrub(context.Background(), "demo", sampleFileID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expectationsMet(t, mock)
}

func TestDeleteWithScrub_AbsentRow(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := NewFileRepository(db).DeleteWithScrub(context.Background(), "demo", sampleFileID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDeleteWithScrub_BeginError(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin().WillReturnError(errDB)

	if err := NewFileRepository(db).DeleteWithScrub(context.Background(), "demo", sampleFileID); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestDeleteWithScrub_ScrubErrorRollsBack(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE").WillReturnError(errDB)
	mock.ExpectRollback()

	if err := NewFileRepository(db).DeleteWithScrub(context.Background(), "demo", sampleFileID); err == nil {
		t.Error("expected error, got nil")
	}
	expectationsMet(t, mock)
}

func TestDeleteWithScrub_InvalidProject(t *testing.T) {
	db, mock := newMockDB(t)

	err := NewFileRepository(db).DeleteWithScrub(context.Background(), "x y", sampleFileID)
	if !errors.Is(err, storage.ErrInvalidIdentifier) {
		t.Errorf("error = %v, want ErrInvalidIdentifier", err)
	}
	expectationsMet(t, mock)
}
