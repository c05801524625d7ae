package vulndb

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/moznion/go-optional"
)

type DocumentKind string

const (
	KindDetail  DocumentKind = "detail"
	KindSummary DocumentKind = "summary"
)

// documentNamespace seeds the content-derived document and advisory ids.
var documentNamespace = uuid.MustParse("6f1c3d0e-8f7b-4b57-9d65-3c8f2f1e4a10")

// Document is one persisted row. Every advisory is stored as one summary
// document plus one detail document per package detail; a detail document
// carries its advisory with Details holding only that detail.
type Document struct {
	DocID              string        `gorm:"type:varchar(64);primaryKey;not null"`
	VulnID             string        `gorm:"type:varchar(120);not null;index:ix_document_vuln_id"`
	Kind               DocumentKind  `gorm:"type:varchar(10);not null"`
	Package            string        `gorm:"index:ix_document_package"`
	Vendor             string        `gorm:"index:ix_document_vendor"`
	PackageType        string        `gorm:"type:varchar(40)"`
	CpeURI             string
	MinAffectedVersion string        `gorm:"type:varchar(80)"`
	MaxAffectedVersion string        `gorm:"type:varchar(80)"`
	Revision           int64         `gorm:"not null"`
	Vulnerability      Vulnerability `gorm:"type:text;serializer:json"`
}

// StoreState records the revision of the last committed store mutation.
type StoreState struct {
	StateID   int   `gorm:"primaryKey;not null"`
	Revision  int64 `gorm:"not null"`
	UpdatedAt time.Time
}

// Detail returns the detail a detail document was fanned out for.
func (d Document) Detail() optional.Option[VulnerabilityDetail] {
	if d.Kind != KindDetail {
		return optional.None[VulnerabilityDetail]()
	}
	return OptionalFirst(d.Vulnerability.Details)
}

func (d Document) IsDetail() bool {
	return d.Kind == KindDetail
}

// Occurrence projects the document, matched at version, into an occurrence.
func (d Document) Occurrence(version string) optional.Option[VulnerabilityOccurrence] {
	return optional.Map(d.Detail(), func(detail VulnerabilityDetail) VulnerabilityOccurrence {
		return NewOccurrence(d.Vulnerability, detail, version)
	})
}

func documentID(parts ...string) string {
	return uuid.NewSHA1(documentNamespace, []byte(strings.Join(parts, "\x00"))).String()
}

// advisoryID returns the id of v, deriving one from its CPEs when the feed
// gave none.
func advisoryID(v Vulnerability) string {
	if v.ID != "" {
		return v.ID
	}
	cpes := make([]string, 0, len(v.Details))
	for _, d := range v.Details {
		cpes = append(cpes, d.CpeURI)
	}
	return "VULNDB-" + documentID(append(cpes, v.Description)...)
}

// fanOut normalises v and expands it into its summary and detail documents.
func fanOut(v Vulnerability, revision int64) []Document {
	v.ID = advisoryID(v)
	details := make([]VulnerabilityDetail, 0, len(v.Details))
	for _, d := range v.Details {
		details = append(details, d.Normalize())
	}
	v.Details = details

	docs := make([]Document, 0, len(details)+1)
	docs = append(docs, Document{
		DocID:         documentID(v.ID, string(KindSummary)),
		VulnID:        v.ID,
		Kind:          KindSummary,
		Revision:      revision,
		Vulnerability: v,
	})
	for _, d := range details {
		single := v
		single.Details = []VulnerabilityDetail{d}
		docs = append(docs, Document{
			DocID: documentID(
				v.ID, string(KindDetail), d.CpeURI, d.Package, d.MinAffectedVersion, d.MaxAffectedVersion,
			),
			VulnID:             v.ID,
			Kind:               KindDetail,
			Package:            d.Package,
			Vendor:             d.Vendor(),
			PackageType:        d.PackageType,
			CpeURI:             d.CpeURI,
			MinAffectedVersion: d.MinAffectedVersion,
			MaxAffectedVersion: d.MaxAffectedVersion,
			Revision:           revision,
			Vulnerability:      single,
		})
	}
	return docs
}
