package main

import (
	"bytes"
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.gazette.dev/hadron/fault"
	"go.gazette.dev/hadron/migrator"
	"gopkg.in/yaml.v2"
)

// Document is the YAML description of a migration, eg:
//
//	table: users
//	alter:
//	  - ADD COLUMN `age` INT(11)
//	  - ADD INDEX `index_users_on_age` (`age`)
//	renames:
//	  - from: name
//	    to: full_name
//	filter: WHERE deleted_at IS NULL
type Document struct {
	Table   string   `yaml:"table"`
	Alter   []string `yaml:"alter"`
	Renames []Rename `yaml:"renames"`
	Filter  *string  `yaml:"filter"`
}

// Rename of a column.
type Rename struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Validate returns an error if the Document is not well-formed.
func (d Document) Validate() error {
	if d.Table == "" {
		return fault.New(fault.Precondition, "expected table")
	}
	for i, a := range d.Alter {
		if strings.TrimSpace(a) == "" {
			return fault.Errorf(fault.Precondition, "alter[%d]: expected clause", i)
		}
	}
	var seen = make(map[string]bool)
	for i, r := range d.Renames {
		if r.From == "" || r.To == "" {
			return fault.Errorf(fault.Precondition, "renames[%d]: expected from and to", i)
		} else if seen[r.From] {
			return fault.Errorf(fault.Precondition, "renames[%d]: column %q is renamed twice", i, r.From)
		}
		seen[r.From] = true
	}
	return nil
}

// Migrator returns the migrator.Migrator of the Document.
func (d Document) Migrator() *migrator.Migrator {
	var m = migrator.NewMigrator(d.Table)
	for _, a := range d.Alter {
		m.Alter(a)
	}
	for _, r := range d.Renames {
		m.RenameColumn(r.From, r.To)
	}
	if d.Filter != nil {
		m.Filter(*d.Filter)
	}
	return m
}

// ParseDocument strictly decodes and validates a Document.
func ParseDocument(b []byte) (*Document, error) {
	var doc Document
	if err := yaml.UnmarshalStrict(bytes.TrimSpace(b), &doc); err != nil {
		return nil, fault.Wrap(fault.Precondition, errors.WithMessage(err, "decoding migration"))
	} else if err = doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ReadDocument reads and parses the Document at |path|.
func ReadDocument(path string) (*Document, error) {
	var b, err = os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %s", path)
	}
	doc, err := ParseDocument(b)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return doc, nil
}
