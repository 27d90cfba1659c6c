// models/gorm_models.go
package models

import (
	"time"

	"github.com/wfunc/casefile/state"
)

// User holds the cached running score total. The authoritative history is ScoreEntry.
type User struct {
	ID        int64  `gorm:"primaryKey"`
	Nickname  string `gorm:"not null"`
	Score     int64  `gorm:"not null;default:0"`
	CreatedAt time.Time
}

// Case is created REGISTERED by setup. TrueCulpritID never changes afterwards.
type Case struct {
	ID            int64        `gorm:"primaryKey"`
	Title         string       `gorm:"not null"`
	Description   string       `gorm:"type:text"`
	Difficulty    int          `gorm:"not null;default:1"`
	Status        state.Status `gorm:"type:varchar(16);index;not null"`
	TrueCulpritID int64        `gorm:"not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Participation is the single per-case record of who holds which role.
// Role ids go from nil to set exactly once.
type Participation struct {
	ID               int64  `gorm:"primaryKey"`
	CaseID           int64  `gorm:"uniqueIndex;not null"`
	ClientID         int64  `gorm:"index;not null"`
	CulpritID        *int64 `gorm:"index"`
	PoliceID         *int64 `gorm:"index"`
	DetectiveID      *int64 `gorm:"index"`
	DetectiveGuessID *int64
	IsSolved         *bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EvidenceItem is authored with the case and never changes.
type EvidenceItem struct {
	ID               int64  `gorm:"primaryKey"`
	CaseID           int64  `gorm:"index;not null"`
	Description      string `gorm:"not null"`
	IsTrue           bool   `gorm:"not null;default:false"`
	IsDecoyCandidate bool   `gorm:"not null;default:false"`
}

// SubmittedEvidence is one row of the set shown to the detective.
type SubmittedEvidence struct {
	ID               int64  `gorm:"primaryKey"`
	CaseID           int64  `gorm:"index;not null"`
	SourceEvidenceID int64  `gorm:"not null"`
	Description      string `gorm:"not null"`
	IsTrue           bool   `gorm:"not null"`
}

// TableName keeps the set singular; it is a snapshot, not a collection of cases.
func (SubmittedEvidence) TableName() string {
	return "submitted_evidence"
}

// ScoreEntry is append-only: never updated, never deleted.
type ScoreEntry struct {
	ID        int64  `gorm:"primaryKey"`
	UserID    int64  `gorm:"index;not null"`
	CaseID    int64  `gorm:"index;not null"`
	Delta     int64  `gorm:"not null"`
	Reason    string `gorm:"type:varchar(32);not null"`
	CreatedAt time.Time
}

// All returns every model for migration, parents first.
func All() []interface{} {
	return []interface{}{
		&User{},
		&Case{},
		&Participation{},
		&EvidenceItem{},
		&SubmittedEvidence{},
		&ScoreEntry{},
	}
}
