package settings

import (
	"io"
	"strconv"
	"strings"
)

// DefaultSEInfo is written for packages without an SELinux label.
const DefaultSEInfo = "default"

// WritePackageList rewrites packages.list. Each line is
//
//	<name> <uid> <debug 0|1> <data dir> <seinfo> <gid,gid,...|none>
//
// Native tools parse this file; its format must not change. Packages
// without a data directory, or with a space in it, are left out.
func (r *Registry) WritePackageList(g Guard) error {
	r.lock.check(g)
	return r.writePackageList()
}

func (r *Registry) writePackageList() error {
	users := r.userList()

	var lines []string
	for _, name := range r.packageNames() {
		p := r.packages[name]
		if p.DataDir == "" {
			if name != "android" {
				r.appendMessage("Skipping %s due to missing metadata", name)
			}
			continue
		}
		if strings.Contains(p.DataDir, " ") {
			continue
		}
		lines = append(lines, r.packageListLine(p, users))
	}

	return r.writeDocument(DocPackageList, func() error {
		return r.packageList.Write(func(w io.Writer) error {
			for _, l := range lines {
				if _, err := io.WriteString(w, l); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func (r *Registry) packageListLine(p *PackageSetting, users []int) string {
	var sb strings.Builder
	sb.WriteString(p.Name)
	sb.WriteByte(' ')
	sb.WriteString(strconv.Itoa(p.AppID))
	if p.PkgFlags&FlagDebuggable != 0 {
		sb.WriteString(" 1 ")
	} else {
		sb.WriteString(" 0 ")
	}
	sb.WriteString(p.DataDir)
	sb.WriteByte(' ')
	if p.SEInfo != "" {
		sb.WriteString(p.SEInfo)
	} else {
		sb.WriteString(DefaultSEInfo)
	}
	sb.WriteByte(' ')

	gids := p.Permissions().ComputeGids(users, r.gidsOf)
	if len(gids) == 0 {
		sb.WriteString("none")
	} else {
		for i, gid := range gids {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Itoa(gid))
		}
	}
	sb.WriteByte('\n')
	return sb.String()
}
