package vulndb

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStaleIndex is returned by index-backed searches when the index was
// built from an older revision of the document store.
var ErrStaleIndex = errors.New("index is stale")

// ValidationError rejects one ingested record.
type ValidationError struct {
	Position int
	VulnID   string
	Reason   string
}

func (e *ValidationError) Error() string {
	id := e.VulnID
	if id == "" {
		id = "<no id>"
	}
	return fmt.Sprintf("record %d (%s): %s", e.Position, id, e.Reason)
}

// ValidationErrors collects the records rejected from one batch. The rest
// of the batch is stored regardless.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%d record(s) rejected: %s", len(e), strings.Join(msgs, "; "))
}

func validate(position int, v Vulnerability) *ValidationError {
	if len(v.Details) == 0 {
		return &ValidationError{Position: position, VulnID: v.ID, Reason: "no package details"}
	}
	if v.ID != "" {
		return nil
	}
	for _, d := range v.Details {
		if ParseCPE(d.CpeURI).IsSome() {
			return nil
		}
	}
	return &ValidationError{Position: position, Reason: "neither an id nor a decomposable cpe_uri"}
}
