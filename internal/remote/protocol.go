// Package remote is the client of the mastiff query service. It prepares a
// query signature, posts it to a server and returns the CSV result table.
package remote

import (
	"encoding/csv"
	"fmt"
	"io"
)

// Routes served by mastiff-server
const (
	SearchPath = "/search"
	GatherPath = "/gather"
)

// ErrorResponse is the JSON body of a failed request
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Table is a CSV result returned by the server
type Table struct {
	Header []string
	Rows   [][]string
}

// ParseTable reads a CSV table with a header row
func ParseTable(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse results: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("parse results: empty response")
	}
	return &Table{Header: records[0], Rows: records[1:]}, nil
}

// AddColumn appends a column holding value in every row
func (t *Table) AddColumn(name, value string) {
	t.Header = append(t.Header, name)
	for i := range t.Rows {
		t.Rows[i] = append(t.Rows[i], value)
	}
}

// Write renders the table as CSV
func (t *Table) Write(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return err
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return err
	}
	return cw.Error()
}
