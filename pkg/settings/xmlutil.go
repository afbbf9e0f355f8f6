package settings

import (
	"encoding/xml"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/CyanogenMod/android-frameworks-base-sub001/internal/logger"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/durable"
)

// encodeDocument writes v as an indented, standalone UTF-8 XML document.
func encodeDocument(w io.Writer, v any) error {
	if _, err := io.WriteString(w, "<?xml version='1.0' encoding='utf-8' standalone='yes' ?>\n"); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "    ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// decodeDocument reads the best generation of f into v. found is false when
// neither generation exists.
func (r *Registry) decodeDocument(doc string, f *durable.File, v any) (found bool, err error) {
	in, err := f.OpenRead()
	if errors.Is(err, durable.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		r.metrics.RecordReadProblem(doc, "open")
		return false, err
	}
	defer func() { _ = in.Close() }()

	if in.FromBackup() {
		r.appendMessage("Reading from backup %s", f.BackupPath)
		logger.Info("settings: need to read from backup %s", f.BackupPath)
		r.metrics.RecordReadProblem(doc, "backup")
	}

	if err := xml.NewDecoder(in).Decode(v); err != nil {
		r.metrics.RecordReadProblem(doc, "parse")
		return true, err
	}
	return true, nil
}

// writeDocument runs write and records its outcome. Failures are reported
// at critical severity and kept in the diagnostic buffer; the previous
// generation stays on disk as the backup.
func (r *Registry) writeDocument(doc string, write func() error) error {
	start := time.Now()
	err := write()
	r.metrics.ObserveWrite(doc, time.Since(start), err)
	if err != nil {
		logger.Critical("settings: unable to write %s, current changes will be lost at reboot: %v", doc, err)
		r.appendMessage("Unable to write %s: %v", doc, err)
	}
	return err
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return v
}

func parseHex64(s string, def int64) int64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseInt(strings.TrimSpace(s), 16, 64)
	if err != nil {
		return def
	}
	return v
}

func parseHex32(s string, def uint32) uint32 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 16, 32)
	if err != nil {
		return def
	}
	return uint32(v)
}

func parseBool(s string, def bool) bool {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	return def
}

func hex64(v int64) string  { return strconv.FormatInt(v, 16) }
func hex32(v uint32) string { return strconv.FormatUint(uint64(v), 16) }

// boolAttr renders v as "true", or "" so omitempty drops the attribute.
func boolAttr(v bool) string {
	if v {
		return "true"
	}
	return ""
}

// intAttr renders v, or "" when v equals def.
func intAttr(v, def int) string {
	if v == def {
		return ""
	}
	return strconv.Itoa(v)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
