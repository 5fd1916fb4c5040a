package migrate

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"sql/0001_users.up.sql":       {Data: []byte("create table users (id text);")},
		"sql/0001_users.down.sql":     {Data: []byte("drop table users;")},
		"sql/0002_history.up.sql":     {Data: []byte("create table h (id text);\ncreate index h_idx on h (id);")},
		"sql/0002_history.down.sql":   {Data: []byte("drop table h;")},
		"sql/README.md":               {Data: []byte("not a migration")},
		"sql/nested/0003_skip.up.sql": {Data: []byte("select 1;")},
	}
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_users.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create table h").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create index h_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into schema_migrations").WithArgs("0002_history.up.sql", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	m := NewManager(db, testFS(), "sql", WithLogger(zap.NewNop()))
	applied, err := m.Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0002_history.up.sql" {
		t.Fatalf("unexpected applied migrations: %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpRollsBackFailedMigration(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec("create table users").WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	m := NewManager(db, testFS(), "sql", WithLogger(zap.NewNop()))
	applied, err := m.Up(context.Background())
	if err == nil || !strings.Contains(err.Error(), "0001_users.up.sql") {
		t.Fatalf("expected error naming the migration, got %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected nothing applied, got %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownRollsBackLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}).
		AddRow("0001_users.up.sql").AddRow("0002_history.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table h").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from schema_migrations where name").WithArgs("0002_history.up.sql").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	m := NewManager(db, testFS(), "sql", WithLogger(zap.NewNop()))
	name, err := m.Down(context.Background())
	if err != nil {
		t.Fatalf("Down: %v", err)
	}
	if name != "0002_history.up.sql" {
		t.Fatalf("rolled back %s", name)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStatusReportsPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_users.up.sql"))

	st, err := NewManager(db, testFS(), "sql", WithLogger(zap.NewNop())).Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(st.Applied) != 1 || len(st.Pending) != 1 || st.Pending[0] != "0002_history.up.sql" {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestSplitStatements(t *testing.T) {
	src := `create table a (v text default 'x;y');
-- comment; with semicolon
create function f() returns trigger as $$
begin
    raise exception 'nope';
end;
$$ language plpgsql;
create trigger t before update on a for each row execute function f();`

	stmts := splitStatements(src)
	if len(stmts) != 3 {
		for i, s := range stmts {
			t.Logf("stmt %d: %q", i, s)
		}
		t.Fatalf("expected 3 statements, got %d", len(stmts))
	}
	if !strings.Contains(stmts[0], "'x;y'") {
		t.Fatalf("quoted semicolon split: %q", stmts[0])
	}
	if !strings.Contains(stmts[1], "raise exception 'nope';") || !strings.HasSuffix(strings.TrimSpace(stmts[1]), "language plpgsql;") {
		t.Fatalf("dollar-quoted body split: %q", stmts[1])
	}
}
