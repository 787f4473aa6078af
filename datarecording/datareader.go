package datarecording

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// ErrUnknownColumn is returned when a query names a column the mapped entry
// type does not have.
var ErrUnknownColumn = errors.New("unknown column")

// QueryParams selects rows of a table.
type QueryParams struct {
	// Where holds the WHERE clause without the "WHERE" keyword, such as
	// "Op = ? AND Pages > ?".
	Where string

	// Args holds the arguments for the placeholders in Where.
	Args []any

	// Limit is the maximum number of rows to return. 0 means no limit.
	Limit int

	// Offset is the number of rows to skip. It needs a Limit.
	Offset int

	// OrderBy is a column of the entry type.
	OrderBy string
}

// GroupParams selects a grouped summary of a table.
type GroupParams struct {
	// GroupBy lists the columns the rows are grouped by. Groups come back
	// ordered by the same columns.
	GroupBy []string

	// Sum lists numeric columns that are added up within each group.
	Sum []string

	Where string
	Args  []any
}

// A Group is one row of a grouped summary.
type Group struct {
	// Keys holds the values of the GroupBy columns.
	Keys []string

	Count int

	// Sums holds the totals of the Sum columns.
	Sums []float64
}

// DataReader reads back the tables a DataRecorder wrote.
type DataReader interface {
	// MapTable binds a table to the entry type it was created from. A table
	// must be mapped before it is read.
	MapTable(tableName string, sampleEntry any)

	// Query returns the selected rows as pointers to the entry type, and the
	// number of rows matching the Where clause.
	Query(ctx context.Context, tableName string, params QueryParams) (
		results []any,
		totalCount int,
		err error,
	)

	// Summarize counts and totals the rows of a table per group.
	Summarize(ctx context.Context, tableName string, params GroupParams) (
		[]Group,
		error,
	)

	// Close closes the reader.
	Close() error
}

type sqliteReader struct {
	*sql.DB

	typeMap map[string]reflect.Type
}

// NewReader opens a database written by a DataRecorder.
func NewReader(dbFilename string) DataReader {
	db, err := sql.Open("sqlite3", dbFilename)
	if err != nil {
		panic(err)
	}

	return &sqliteReader{
		DB:      db,
		typeMap: make(map[string]reflect.Type),
	}
}

func (r *sqliteReader) MapTable(tableName string, sampleEntry any) {
	r.typeMap[tableName] = reflect.TypeOf(sampleEntry)
}

func (r *sqliteReader) entryType(tableName string) (reflect.Type, error) {
	structType, ok := r.typeMap[tableName]
	if !ok {
		return nil, fmt.Errorf("table %s is not mapped", tableName)
	}

	return structType, nil
}

// columnsMustExist keeps column names, which cannot be bound as arguments,
// to the fields of the entry type.
func columnsMustExist(structType reflect.Type, columns ...string) error {
	for _, c := range columns {
		if _, ok := structType.FieldByName(c); !ok {
			return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, structType.Name(), c)
		}
	}

	return nil
}

func whereClause(where string) string {
	if where == "" {
		return ""
	}

	return " WHERE " + where
}

func (r *sqliteReader) Query(
	ctx context.Context,
	tableName string,
	params QueryParams,
) ([]any, int, error) {
	structType, err := r.entryType(tableName)
	if err != nil {
		return nil, 0, err
	}

	query := "SELECT * FROM " + tableName + whereClause(params.Where)

	if params.OrderBy != "" {
		err = columnsMustExist(structType, params.OrderBy)
		if err != nil {
			return nil, 0, err
		}

		query += " ORDER BY " + params.OrderBy
	}

	if params.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", params.Limit, params.Offset)
	}

	var totalCount int

	err = r.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+tableName+whereClause(params.Where),
		params.Args...).Scan(&totalCount)
	if err != nil {
		return nil, 0, err
	}

	rows, err := r.QueryContext(ctx, query, params.Args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	results, err := scanEntries(rows, structType)
	if err != nil {
		return nil, 0, err
	}

	return results, totalCount, nil
}

func (r *sqliteReader) Summarize(
	ctx context.Context,
	tableName string,
	params GroupParams,
) ([]Group, error) {
	structType, err := r.entryType(tableName)
	if err != nil {
		return nil, err
	}

	err = columnsMustExist(structType, params.GroupBy...)
	if err == nil {
		err = columnsMustExist(structType, params.Sum...)
	}

	if err != nil {
		return nil, err
	}

	selected := append([]string{}, params.GroupBy...)
	selected = append(selected, "COUNT(*)")

	for _, c := range params.Sum {
		selected = append(selected, "TOTAL("+c+")")
	}

	query := "SELECT " + strings.Join(selected, ", ") +
		" FROM " + tableName + whereClause(params.Where)

	if len(params.GroupBy) > 0 {
		keys := strings.Join(params.GroupBy, ", ")
		query += " GROUP BY " + keys + " ORDER BY " + keys
	}

	rows, err := r.QueryContext(ctx, query, params.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []Group

	for rows.Next() {
		g := Group{
			Keys: make([]string, len(params.GroupBy)),
			Sums: make([]float64, len(params.Sum)),
		}

		targets := make([]any, 0, len(selected))
		for i := range g.Keys {
			targets = append(targets, &g.Keys[i])
		}

		targets = append(targets, &g.Count)

		for i := range g.Sums {
			targets = append(targets, &g.Sums[i])
		}

		err = rows.Scan(targets...)
		if err != nil {
			return nil, err
		}

		groups = append(groups, g)
	}

	return groups, rows.Err()
}

// scanEntries fills one new entry per row, matching columns to fields by
// name. Columns without a field are dropped.
func scanEntries(rows *sql.Rows, structType reflect.Type) ([]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []any

	for rows.Next() {
		entry := reflect.New(structType)
		targets := make([]any, len(columns))

		for i, c := range columns {
			field := entry.Elem().FieldByName(c)
			if !field.IsValid() {
				var discard any
				targets[i] = &discard

				continue
			}

			targets[i] = field.Addr().Interface()
		}

		err = rows.Scan(targets...)
		if err != nil {
			return nil, err
		}

		results = append(results, entry.Interface())
	}

	return results, rows.Err()
}

func (r *sqliteReader) Close() error {
	return r.DB.Close()
}
