package session

import (
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
)

// Mode selects how a session relates to an existing install.
type Mode int

const (
	// ModeFullInstall replaces any existing install; the session must stage
	// a base APK.
	ModeFullInstall Mode = 1

	// ModeInheritExisting adds or replaces splits of an installed package
	// and inherits everything it does not override.
	ModeInheritExisting Mode = 2
)

func (m Mode) String() string {
	switch m {
	case ModeFullInstall:
		return "full"
	case ModeInheritExisting:
		return "inherit"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// InstallFlags is a bitmask of install options.
type InstallFlags uint32

const (
	InstallForwardLock             InstallFlags = 0x00000001
	InstallReplaceExisting         InstallFlags = 0x00000002
	InstallExternal                InstallFlags = 0x00000008
	InstallInternal                InstallFlags = 0x00000010
	InstallAllUsers                InstallFlags = 0x00000040
	InstallGrantRuntimePermissions InstallFlags = 0x00000100
	InstallForcePermissionPrompt   InstallFlags = 0x00000400
)

// Has reports whether every bit of f is set.
func (i InstallFlags) Has(f InstallFlags) bool { return i&f == f }

// UserAll targets every user on the device.
const UserAll = -1

// Params are the immutable parameters a session is created with.
type Params struct {
	Mode         Mode `validate:"oneof=1 2"`
	InstallFlags InstallFlags

	// SizeBytes is the client's estimate of the staged payload; it sizes
	// container allocations.
	SizeBytes int64 `validate:"gte=0"`

	// AppPackageName, if set, pins the package every staged APK must declare.
	AppPackageName string `validate:"omitempty,max=255"`
	AppLabel       string

	AbiOverride string
	VolumeUUID  string

	// GrantedRuntimePermissions are granted at install time when
	// InstallGrantRuntimePermissions is set.
	GrantedRuntimePermissions []string
}

var paramsValidator = validator.New()

// Validate checks that p is well formed.
func (p Params) Validate() error {
	if err := paramsValidator.Struct(p); err != nil {
		return fmt.Errorf("%w: session params: %v", ErrInvalidArgument, err)
	}
	if p.Mode == ModeInheritExisting && p.AppPackageName == "" {
		return fmt.Errorf("%w: inherit mode requires an app package name", ErrInvalidArgument)
	}
	if p.InstallFlags.Has(InstallInternal | InstallExternal) {
		return fmt.Errorf("%w: install cannot be both internal and external", ErrInvalidArgument)
	}
	return nil
}

func (p Params) dump(w io.Writer, indent string) {
	fmt.Fprintf(w, "%smode=%s installFlags=0x%x sizeBytes=%d\n", indent, p.Mode, uint32(p.InstallFlags), p.SizeBytes)
	fmt.Fprintf(w, "%sappPackageName=%s appLabel=%s abiOverride=%s volumeUuid=%s\n",
		indent, p.AppPackageName, p.AppLabel, p.AbiOverride, p.VolumeUUID)
}

// Info is a point-in-time description of a session.
type Info struct {
	SessionID            int       `json:"session_id"`
	UserID               int       `json:"user_id"`
	InstallerPackageName string    `json:"installer_package_name"`
	InstallerUID         int       `json:"installer_uid"`
	ResolvedBaseCodePath string    `json:"resolved_base_code_path,omitempty"`
	Progress             float64   `json:"progress"`
	Sealed               bool      `json:"sealed"`
	Active               bool      `json:"active"`
	Mode                 Mode      `json:"mode"`
	SizeBytes            int64     `json:"size_bytes"`
	AppPackageName       string    `json:"app_package_name,omitempty"`
	AppLabel             string    `json:"app_label,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}
