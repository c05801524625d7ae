package importer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/bcicen/jstream"
	"gitlab.alpinelinux.org/alpine/security/vulndb/vulndb"
)

// Source is a feed of normalized vulnerability records. Sources only read;
// storing is done by Import.
type Source interface {
	Name() string
	Load(ctx context.Context) ([]vulndb.Vulnerability, error)
}

// decodeRecords reads either a JSON array of records, which is streamed, or a
// single record object. Array elements that do not decode are logged and
// skipped.
func decodeRecords(r io.Reader, name string) ([]vulndb.Vulnerability, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %w", name, err)
	}

	switch first {
	case '{':
		var v vulndb.Vulnerability
		if err := json.NewDecoder(br).Decode(&v); err != nil {
			return nil, fmt.Errorf("could not decode %s: %w", name, err)
		}
		return []vulndb.Vulnerability{v}, nil
	case '[':
	default:
		return nil, fmt.Errorf("could not decode %s: expected a JSON object or array, got %q", name, first)
	}

	vulns := []vulndb.Vulnerability{}
	decoder := jstream.NewDecoder(br, 1)
	position := 0
	for mv := range decoder.Stream() {
		position++
		data, err := json.Marshal(mv.Value)
		if err != nil {
			slog.Error("could not re-encode record", "file", name, "position", position, "err", err)
			continue
		}
		var v vulndb.Vulnerability
		if err := json.Unmarshal(data, &v); err != nil {
			slog.Error("could not unmarshal record", "file", name, "position", position, "err", err)
			continue
		}
		vulns = append(vulns, v)
	}
	if err := decoder.Err(); err != nil {
		return nil, fmt.Errorf("could not decode %s: %w", name, err)
	}
	return vulns, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}
