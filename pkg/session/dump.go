package session

import (
	"fmt"
	"io"
)

// Dump writes a diagnostic description of the session to w.
func (s *Session) Dump(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const indent = "  "
	fmt.Fprintf(w, "Session %d:\n", s.id)
	fmt.Fprintf(w, "%suserId=%d installerPackageName=%s installerUid=%d createdMillis=%d\n",
		indent, s.userID, s.installerPackageName, s.installerUID, s.createdAt.UnixMilli())
	fmt.Fprintf(w, "%sstageDir=%s stageCid=%s\n", indent, s.stageDir, s.stageCid)
	s.params.dump(w, indent)
	fmt.Fprintf(w, "%sclientProgress=%.2f progress=%.2f sealed=%t permissionsAccepted=%t relinquished=%t destroyed=%t\n",
		indent, s.clientProgress, s.progress, s.sealed, s.permissionsAccepted, s.relinquished, s.destroyed)
	fmt.Fprintf(w, "%sbridges=%d finalStatus=%d finalMessage=%s\n",
		indent, len(s.bridges), int(s.finalStatus), s.finalMessage)
	if s.packageName != "" {
		fmt.Fprintf(w, "%spackageName=%s versionCode=%d signatures=%s base=%s staged=%d inherited=%d\n",
			indent, s.packageName, s.versionCode, s.signatures.Digest(), s.resolvedBaseFile,
			len(s.resolvedStagedFiles), len(s.resolvedInheritedFiles))
		if s.inheritedFilesBase != "" {
			fmt.Fprintf(w, "%sinheritedFrom=%s instructionSets=%v\n", indent, s.inheritedFilesBase, s.resolvedInstructionSets)
		}
	}
}
