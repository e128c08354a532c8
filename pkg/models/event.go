package models

import (
	"fmt"
	"strings"
)

// ChangeKind values match PostgreSQL's TG_OP.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

func (k ChangeKind) Valid() bool {
	return k == ChangeInsert || k == ChangeUpdate || k == ChangeDelete
}

func (k *ChangeKind) UnmarshalText(text []byte) error {
	kind := ChangeKind(strings.ToUpper(strings.TrimSpace(string(text))))
	if !kind.Valid() {
		return fmt.Errorf("unknown change kind %q", text)
	}
	*k = kind
	return nil
}

// ChangeEvent is one notification from the change feed. For deletes only
// Record.ID is meaningful.
type ChangeEvent struct {
	Kind   ChangeKind `json:"kind"`
	Record Order      `json:"record"`
}

func (e ChangeEvent) String() string {
	return fmt.Sprintf("%s order %d", e.Kind, e.Record.ID)
}
