// Package abac evaluates attribute-based access control for document
// blocks. Evaluation is a pure predicate over a subject snapshot and a
// block's security metadata; ordinary denial is a result, never an
// error.
package abac

import (
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// ErrDenied marks an authorization denial. It is the expected outcome
// of a failed check, distinguishable from infrastructure failures so
// callers can tell "you may not see this" from "we could not check".
var ErrDenied = errors.New("authorization denied")

// Classification is the ordinal sensitivity label on a block.
type Classification int

const (
	Public Classification = iota
	Internal
	Confidential
	Restricted
)

func (c Classification) String() string {
	switch c {
	case Internal:
		return "internal"
	case Confidential:
		return "confidential"
	case Restricted:
		return "restricted"
	default:
		return "public"
	}
}

// ParseClassification is lenient: unknown labels mean the block was
// never classified and default to public.
func ParseClassification(value string) Classification {
	switch value {
	case "internal":
		return Internal
	case "confidential":
		return Confidential
	case "restricted":
		return Restricted
	default:
		return Public
	}
}

const RoleAdmin = "admin"

// Subject is an immutable attribute snapshot taken at evaluation time.
type Subject struct {
	ID             string            `json:"id"`
	Role           string            `json:"role"`
	ClearanceLevel int               `json:"clearanceLevel"`
	Department     string            `json:"department,omitempty"`
	Attrs          map[string]string `json:"attrs,omitempty"`
}

// Provenance records where a block came from and who sealed it.
type Provenance struct {
	SourceID    string    `json:"sourceId,omitempty"`
	AuthorID    string    `json:"authorId,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
	Signature   []byte    `json:"signature,omitempty"`
	SignerID    string    `json:"signerId,omitempty"`
	OriginDocID string    `json:"originDocId,omitempty"`
	OriginURL   string    `json:"originUrl,omitempty"`
}

// BlockMetadata is the security metadata attached to one block. The
// ACL is an allow-list of subject IDs or role names; empty means the
// block is open to anyone who clears the classification gate.
type BlockMetadata struct {
	Classification Classification `json:"classification"`
	ACL            []string       `json:"acl,omitempty"`
	Locked         bool           `json:"locked,omitempty"`
	Provenance     Provenance     `json:"provenance"`
}

// Validate reports whether the metadata is complete for its stated
// classification. Confidential and restricted blocks must carry author
// provenance; an out-of-range classification or blank ACL entries are
// malformed regardless of level.
func (m BlockMetadata) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Classification, validation.By(classificationInRange)),
		validation.Field(&m.ACL, validation.Each(validation.Required)),
		validation.Field(&m.Provenance, validation.By(provenanceFor(m.Classification))),
	)
}

func classificationInRange(value interface{}) error {
	c, _ := value.(Classification)
	if c < Public || c > Restricted {
		return errors.New("classification out of range")
	}
	return nil
}

func provenanceFor(class Classification) validation.RuleFunc {
	return func(value interface{}) error {
		if class < Confidential {
			return nil
		}
		p, _ := value.(Provenance)
		if p.AuthorID == "" {
			return errors.New("authorId required at this classification")
		}
		if p.Timestamp.IsZero() {
			return errors.New("timestamp required at this classification")
		}
		return nil
	}
}

// EffectiveClassification is the level gating actually uses. Malformed
// metadata is treated as the highest ordinal so an incomplete record
// can never widen access.
func EffectiveClassification(meta *BlockMetadata) Classification {
	if meta == nil {
		return Public
	}
	if meta.Validate() != nil {
		return Restricted
	}
	return meta.Classification
}

// Evaluate decides whether the subject may see a block with the given
// metadata. A nil subject or nil metadata allows: both mean nothing
// was ever restricted, and denying would hide every block of every
// document that predates the shadow store. Errors, by contrast, deny;
// that split is the governing policy ("missing is public, broken is
// denied").
func Evaluate(subject *Subject, meta *BlockMetadata) bool {
	if subject == nil || meta == nil {
		return true
	}

	class := EffectiveClassification(meta)
	if subject.ClearanceLevel < int(class) {
		return false
	}

	if len(meta.ACL) > 0 && !aclAllows(meta.ACL, subject) {
		return false
	}

	// Imported restricted content gets an extra clearance floor even
	// when the ACL names the subject.
	if meta.Provenance.OriginDocID != "" && class == Restricted &&
		subject.Role != RoleAdmin && subject.ClearanceLevel < 3 {
		return false
	}

	return true
}

// EvaluateEdit layers the lock bit on top of Evaluate. Locked blocks
// stay editable by admins only.
func EvaluateEdit(subject *Subject, meta *BlockMetadata) bool {
	if !Evaluate(subject, meta) {
		return false
	}
	if subject == nil || meta == nil {
		return true
	}
	if meta.Locked && subject.Role != RoleAdmin {
		return false
	}
	return true
}

func aclAllows(acl []string, subject *Subject) bool {
	for _, entry := range acl {
		if entry == subject.ID || entry == subject.Role {
			return true
		}
	}
	return false
}

// CloneMetadata deep-copies metadata so stored records never alias
// caller slices.
func CloneMetadata(meta BlockMetadata) BlockMetadata {
	clone := meta
	if meta.ACL != nil {
		clone.ACL = append([]string(nil), meta.ACL...)
	}
	if meta.Provenance.Signature != nil {
		clone.Provenance.Signature = append([]byte(nil), meta.Provenance.Signature...)
	}
	return clone
}
