// Package errs collects the error kinds shared across the measurement and
// attribution engine (spec §7), from most local to most fatal. Packages
// wrap these sentinels with fmt.Errorf("...: %w", ...) so callers can still
// errors.Is against the kind while getting a contextual message.
package errs

import "errors"

var (
	// NoSample means attribution was requested but a ring buffer holds
	// fewer than two records; no value is emitted for that metric family
	// this pass.
	NoSample = errors.New("errs: fewer than two samples available")

	// ImplausibleReading means the wrap-handling sanity ceiling was
	// exceeded; the derived value for this interval is suppressed but the
	// raw records are retained.
	ImplausibleReading = errors.New("errs: implausible reading (more than one wrap)")

	// Transient means a single counter or process read failed; the caller
	// skips that entry and retries on the next pass.
	Transient = errors.New("errs: transient read failure")

	// Unsupported means a counter handle issued at discovery no longer
	// resolves to a live counter (e.g. a powercap zone that disappeared).
	// The caller should request Rediscover rather than retry the same
	// handle.
	Unsupported = errors.New("errs: counter unsupported since discovery")

	// PermissionDenied means a counter file or register could not be
	// accessed due to missing privileges.
	PermissionDenied = errors.New("errs: permission denied")

	// NoCounterAvailable means discovery yielded no usable counter; fatal
	// at startup.
	NoCounterAvailable = errors.New("errs: no counter available")

	// BackendUnreachable means a push-mode collaborator (or, within the
	// core, the bridge's mirror writer) could not reach its destination;
	// retried with bounded backoff, never fatal to the core.
	BackendUnreachable = errors.New("errs: backend unreachable")
)

// RemediationClass names the category of fix a PermissionDenied or
// NoCounterAvailable diagnostic points the operator toward.
type RemediationClass int

const (
	// RemediationUnknown is the zero value for a diagnostic that has not
	// classified its remediation.
	RemediationUnknown RemediationClass = iota
	// RemediationFilePermission means the fix is a chmod/chown or a
	// permission-fix script against counter pseudo-files.
	RemediationFilePermission
	// RemediationDriverInstall means a vendor driver or kernel module must
	// be installed or loaded.
	RemediationDriverInstall
	// RemediationUnsupportedCPU means the CPU generation does not expose
	// the counters this build knows how to read.
	RemediationUnsupportedCPU
)

func (r RemediationClass) String() string {
	switch r {
	case RemediationFilePermission:
		return "file-permission-fix"
	case RemediationDriverInstall:
		return "driver-install"
	case RemediationUnsupportedCPU:
		return "unsupported-cpu-generation"
	default:
		return "unknown"
	}
}

// Diagnostic carries the extra context §4.1/§7 require for PermissionDenied
// and NoCounterAvailable: the offending path and a remediation class a
// human operator can act on without reading source code.
type Diagnostic struct {
	Path        string
	Remediation RemediationClass
	Err         error
}

func (d *Diagnostic) Error() string {
	if d.Path == "" {
		return d.Err.Error() + " (" + d.Remediation.String() + ")"
	}
	return d.Err.Error() + ": " + d.Path + " (" + d.Remediation.String() + ")"
}

func (d *Diagnostic) Unwrap() error { return d.Err }

// NewDiagnostic builds a Diagnostic wrapping one of the package sentinels.
func NewDiagnostic(err error, path string, remediation RemediationClass) *Diagnostic {
	return &Diagnostic{Path: path, Remediation: remediation, Err: err}
}
