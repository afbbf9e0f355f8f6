package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/config"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/settings"
)

var jsonOutput bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions recorded in the session index",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		idx, err := config.CreateSessionIndex(cmd.Context(), &cfg.Installer.Index)
		if err != nil {
			return err
		}
		defer idx.Close()

		records, err := idx.List(cmd.Context())
		if err != nil {
			return err
		}
		sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), records)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tUSER\tINSTALLER\tMODE\tPACKAGE\tSEALED\tCREATED")
		for _, r := range records {
			fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%t\t%s\n",
				r.ID, r.UserID, r.Installer, r.Mode, r.AppPackageName, r.Sealed, r.CreatedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

type packageRow struct {
	Name        string `json:"name"`
	VersionCode int    `json:"version_code"`
	AppID       int    `json:"app_id"`
	CodePath    string `json:"code_path"`
	Installer   string `json:"installer,omitempty"`
	Users       []int  `json:"users"`
}

var packagesCmd = &cobra.Command{
	Use:   "packages",
	Short: "List packages in the settings registry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		registry := settings.New(settings.NewLock(), settings.Options{
			DataDir:     cfg.Settings.DataDir,
			Fingerprint: cfg.Settings.Fingerprint,
			Users:       cfg.Settings.Users,
		})
		w := registry.Lock().Write()
		_, err = registry.Read(w)
		w.Release()
		if err != nil {
			return err
		}

		g := registry.Lock().Read()
		var rows []packageRow
		for _, name := range registry.PackageNames(g) {
			p := registry.Package(g, name)
			row := packageRow{
				Name:        p.Name,
				VersionCode: p.VersionCode,
				AppID:       p.AppID,
				CodePath:    p.CodePath,
				Installer:   p.InstallerPackageName,
			}
			for _, u := range registry.Users(g) {
				if p.States().GetInstalled(u) {
					row.Users = append(row.Users, u)
				}
			}
			rows = append(rows, row)
		}
		g.Release()

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), rows)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PACKAGE\tVERSION\tAPP ID\tINSTALLER\tUSERS\tCODE PATH")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%v\t%s\n", r.Name, r.VersionCode, r.AppID, r.Installer, r.Users, r.CodePath)
		}
		return tw.Flush()
	},
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	sessionsCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	packagesCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
}
