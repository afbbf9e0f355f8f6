// Package index persists the set of live install sessions so a restarted
// process can find and reap the staging left behind by the previous one.
package index

import (
	"context"
	"errors"
	"time"

	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/session"
)

// ErrNotFound is returned when no record exists for a session id.
var ErrNotFound = errors.New("session record not found")

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("session index closed")

// Record is the persisted description of one session.
type Record struct {
	ID             int          `cbor:"1,keyasint" json:"id"`
	UserID         int          `cbor:"2,keyasint" json:"user_id"`
	Installer      string       `cbor:"3,keyasint" json:"installer"`
	InstallerUID   int          `cbor:"4,keyasint" json:"installer_uid"`
	Mode           session.Mode `cbor:"5,keyasint" json:"mode"`
	AppPackageName string       `cbor:"6,keyasint,omitempty" json:"app_package_name,omitempty"`
	StageDir       string       `cbor:"7,keyasint,omitempty" json:"stage_dir,omitempty"`
	StageCid       string       `cbor:"8,keyasint,omitempty" json:"stage_cid,omitempty"`
	CreatedAt      time.Time    `cbor:"9,keyasint" json:"created_at"`
	Sealed         bool         `cbor:"10,keyasint" json:"sealed"`
}

// RecordOf describes s for the index.
func RecordOf(s *session.Session) Record {
	return Record{
		ID:             s.ID(),
		UserID:         s.UserID(),
		Installer:      s.InstallerPackageName(),
		InstallerUID:   s.InstallerUID(),
		Mode:           s.Params().Mode,
		AppPackageName: s.Params().AppPackageName,
		StageDir:       s.StageDir(),
		StageCid:       s.StageCid(),
		CreatedAt:      s.CreatedAt(),
		Sealed:         s.IsSealed(),
	}
}

// SessionIndex stores session records keyed by session id.
//
// Implementations must be safe for concurrent use. Put replaces any record
// with the same id. List returns records ordered by id.
type SessionIndex interface {
	Put(ctx context.Context, r Record) error
	Get(ctx context.Context, id int) (Record, error)
	Delete(ctx context.Context, id int) error
	List(ctx context.Context) ([]Record, error)
	Close() error
}
