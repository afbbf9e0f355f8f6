package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/config"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/session"
)

var installOpts struct {
	inherit   bool
	pkg       string
	replace   bool
	grant     bool
	external  bool
	installer string
	uid       int
	user      int
	assumeYes bool
}

var installCmd = &cobra.Command{
	Use:   "install [flags] <apk>...",
	Short: "Stage APK files in a new session and commit it",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runInstall,
}

func init() {
	f := installCmd.Flags()
	f.BoolVar(&installOpts.inherit, "inherit", false, "add or replace splits of an installed package")
	f.StringVarP(&installOpts.pkg, "package", "p", "", "package every APK must declare")
	f.BoolVarP(&installOpts.replace, "replace", "r", false, "replace an existing install")
	f.BoolVarP(&installOpts.grant, "grant", "g", false, "grant every requested runtime permission")
	f.BoolVar(&installOpts.external, "external", false, "stage into a container")
	f.StringVar(&installOpts.installer, "installer", "", "installer package name")
	f.IntVar(&installOpts.uid, "uid", 0, "installer uid")
	f.IntVar(&installOpts.user, "user", 0, "target user id (-1 for all users)")
	f.BoolVarP(&installOpts.assumeYes, "yes", "y", false, "accept the install confirmation prompt")
}

// commitReceiver forwards session outcomes to the waiting command.
type commitReceiver struct {
	actions chan struct{}
	results chan installResult
}

type installResult struct {
	pkg     string
	code    session.Code
	message string
}

func (r *commitReceiver) OnUserActionRequired(int) { r.actions <- struct{}{} }

func (r *commitReceiver) OnPackageInstalled(_ int, pkg string, code session.Code, message string, _ map[string]string) {
	r.results <- installResult{pkg: pkg, code: code, message: message}
}

func runInstall(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	d, err := openDaemon(ctx, cfg, &config.MetricsResult{})
	if err != nil {
		return err
	}
	defer func() { _ = d.Close(context.Background()) }()

	if _, err := d.service.Recover(ctx); err != nil {
		return err
	}

	params := session.Params{
		Mode:           session.ModeFullInstall,
		AppPackageName: installOpts.pkg,
	}
	if installOpts.inherit {
		params.Mode = session.ModeInheritExisting
	}
	if installOpts.replace {
		params.InstallFlags |= session.InstallReplaceExisting
	}
	if installOpts.grant {
		params.InstallFlags |= session.InstallGrantRuntimePermissions
	}
	if installOpts.external {
		params.InstallFlags |= session.InstallExternal
	}
	for _, path := range args {
		st, err := os.Stat(path)
		if err != nil {
			return err
		}
		params.SizeBytes += st.Size()
	}

	id, err := d.service.CreateSession(ctx, params, installOpts.installer, installOpts.uid, installOpts.user)
	if err != nil {
		return err
	}
	sess, err := d.service.OpenSession(id, installOpts.uid)
	if err != nil {
		return err
	}

	for _, path := range args {
		if err := stageFile(sess, path); err != nil {
			sess.Close()
			_ = d.service.AbandonSession(id, installOpts.uid)
			return err
		}
		sess.AddClientProgress(1 / float64(len(args)))
	}
	sess.Close()

	rcv := &commitReceiver{actions: make(chan struct{}, 1), results: make(chan installResult, 1)}
	if err := sess.Commit(rcv); err != nil {
		return err
	}

	for {
		select {
		case <-rcv.actions:
			if !installOpts.assumeYes {
				fmt.Fprintln(cmd.ErrOrStderr(), "Install requires confirmation; rerun with --yes to accept")
			}
			if err := sess.SetPermissionsResult(installOpts.assumeYes); err != nil {
				return err
			}
		case res := <-rcv.results:
			if res.code != session.Succeeded {
				fmt.Fprintf(cmd.OutOrStdout(), "Failure [%s: %s]\n", res.code, res.message)
				return errors.New("install failed")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Success: %s (session %d)\n", res.pkg, id)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// stageFile streams path into the session under its base name.
func stageFile(sess *session.Session, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}

	b, err := sess.OpenWrite(filepath.Base(path), 0, st.Size())
	if err != nil {
		return err
	}
	if _, err := io.Copy(b, f); err != nil {
		b.ForceClose()
		return fmt.Errorf("failed to stage %s: %w", path, err)
	}
	return b.Close()
}
