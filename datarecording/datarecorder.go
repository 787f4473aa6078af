// Package datarecording stores flat records, such as mapper operation
// traces, in a SQLite database.
package datarecording

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/fatih/structs"
	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// DataRecorder is a backend that can record and store data
type DataRecorder interface {
	// CreateTable creates a new table whose columns are the fields of the
	// sample entry.
	CreateTable(tableName string, sampleEntry any)

	// InsertData buffers an entry for a table that already exists.
	InsertData(tableName string, entry any)

	// ListTables returns the names of all tables created.
	ListTables() []string

	// Flush writes all the buffered entries into the database.
	Flush()

	// Close flushes and closes the database.
	Close() error
}

// ErrInvalidEntry is the panic value when an entry has a field that cannot be
// stored in a column.
var ErrInvalidEntry = errors.New("entry is invalid")

const defaultBatchSize = 100000

// New creates a new DataRecorder that writes to path.sqlite3. An empty path
// picks a unique name.
func New(path string) DataRecorder {
	w := &sqliteWriter{
		dbName:    path,
		batchSize: defaultBatchSize,
		tables:    make(map[string]*table),
	}

	w.Init()

	atexit.Register(func() { w.Flush() })

	return w
}

// NewWithDB creates a new DataRecorder with a given database.
func NewWithDB(db *sql.DB) DataRecorder {
	w := &sqliteWriter{
		DB:        db,
		batchSize: defaultBatchSize,
		tables:    make(map[string]*table),
	}

	atexit.Register(func() { w.Flush() })

	return w
}

type table struct {
	structType reflect.Type
	entries    []any
}

// sqliteWriter is the writer that writes data into SQLite database. Hooks
// call it from many goroutines.
type sqliteWriter struct {
	*sql.DB

	lock       sync.Mutex
	dbName     string
	tables     map[string]*table
	batchSize  int
	entryCount int
	closed     bool
}

// Init establishes a connection to the database.
func (t *sqliteWriter) Init() {
	if t.dbName == "" {
		t.dbName = "dart_trace_" + xid.New().String()
	}

	filename := t.dbName + ".sqlite3"

	_, err := os.Stat(filename)
	if err == nil {
		panic(fmt.Errorf("file %s already exists", filename))
	}

	fmt.Fprintf(os.Stderr, "Database created for recording: %s\n", filename)

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		panic(err)
	}

	t.DB = db
}

func (t *sqliteWriter) isAllowedType(kind reflect.Kind) bool {
	switch kind {
	case
		reflect.Bool,
		reflect.Int,
		reflect.Int8,
		reflect.Int16,
		reflect.Int32,
		reflect.Int64,
		reflect.Uint,
		reflect.Uint8,
		reflect.Uint16,
		reflect.Uint32,
		reflect.Uint64,
		reflect.Float32,
		reflect.Float64,
		reflect.String:
		return true
	default:
		return false
	}
}

func (t *sqliteWriter) checkStructFields(entry any) error {
	types := reflect.TypeOf(entry)
	if types.Kind() != reflect.Struct {
		return ErrInvalidEntry
	}

	for i := 0; i < types.NumField(); i++ {
		field := types.Field(i)

		if !field.IsExported() || !t.isAllowedType(field.Type.Kind()) {
			return fmt.Errorf("%w: field %s", ErrInvalidEntry, field.Name)
		}
	}

	return nil
}

func (t *sqliteWriter) CreateTable(tableName string, sampleEntry any) {
	err := t.checkStructFields(sampleEntry)
	if err != nil {
		panic(err)
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	fields := strings.Join(structs.Names(sampleEntry), ", \n\t")

	createTableSQL := `CREATE TABLE ` + tableName +
		` (` + "\n\t" + fields + "\n" + `);`
	t.mustExecute(createTableSQL)

	t.tables[tableName] = &table{
		structType: reflect.TypeOf(sampleEntry),
		entries:    []any{},
	}
}

func (t *sqliteWriter) InsertData(tableName string, entry any) {
	t.lock.Lock()
	defer t.lock.Unlock()

	table, exists := t.tables[tableName]
	if !exists {
		panic(fmt.Sprintf("table %s does not exist", tableName))
	}

	if reflect.TypeOf(entry) != table.structType {
		panic(fmt.Sprintf("entry of type %T does not fit table %s",
			entry, tableName))
	}

	table.entries = append(table.entries, entry)

	t.entryCount++
	if t.entryCount >= t.batchSize {
		t.flush()
	}
}

func (t *sqliteWriter) ListTables() []string {
	t.lock.Lock()
	defer t.lock.Unlock()

	tables := make([]string, 0, len(t.tables))
	for table := range t.tables {
		tables = append(tables, table)
	}

	return tables
}

func (t *sqliteWriter) Flush() {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.flush()
}

func (t *sqliteWriter) flush() {
	if t.entryCount == 0 || t.closed {
		return
	}

	t.mustExecute("BEGIN TRANSACTION")
	defer t.mustExecute("COMMIT TRANSACTION")

	for tableName, table := range t.tables {
		if len(table.entries) == 0 {
			continue
		}

		stmt := t.prepareStatement(tableName, table.entries[0])

		for _, entry := range table.entries {
			_, err := stmt.Exec(structs.Values(entry)...)
			if err != nil {
				panic(err)
			}
		}

		table.entries = nil

		stmt.Close()
	}

	t.entryCount = 0
}

func (t *sqliteWriter) Close() error {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.flush()
	t.closed = true

	return t.DB.Close()
}

func (t *sqliteWriter) mustExecute(query string) sql.Result {
	res, err := t.Exec(query)
	if err != nil {
		fmt.Printf("Failed to execute: %s\n", query)
		panic(err)
	}

	return res
}

func (t *sqliteWriter) prepareStatement(table string, entry any) *sql.Stmt {
	n := structs.Names(entry)
	for i := 0; i < len(n); i++ {
		n[i] = "?"
	}

	entryToFill := "(" + strings.Join(n, ", ") + ")"
	sqlStr := "INSERT INTO " + table + " VALUES " + entryToFill

	stmt, err := t.Prepare(sqlStr)
	if err != nil {
		panic(err)
	}

	return stmt
}
