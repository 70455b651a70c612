package cli

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const hookMarker = "# installed by qgate"

const prePushHook = "#!/bin/sh\n" + hookMarker + "\nexec qgate\n"

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Install or remove the git pre-push hook that runs the local gate",
}

var hookInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the pre-push hook",
	Args:  usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		path, err := hookPath()
		if err != nil {
			return err
		}

		if existing, err := os.ReadFile(path); err == nil {
			if !bytes.Contains(existing, []byte(hookMarker)) && !force {
				return usageError(fmt.Errorf("%s exists and was not installed by qgate (use --force to replace it)", path))
			}
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create hooks directory: %w", err)
		}
		if err := os.WriteFile(path, []byte(prePushHook), 0o755); err != nil {
			return fmt.Errorf("write hook: %w", err)
		}
		// WriteFile keeps the mode of an existing file.
		if err := os.Chmod(path, 0o755); err != nil {
			return fmt.Errorf("chmod hook: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Installed %s\n", path)
		return nil
	},
}

var hookUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the pre-push hook if qgate installed it",
	Args:  usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := hookPath()
		if err != nil {
			return err
		}
		existing, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(cmd.OutOrStdout(), "No pre-push hook installed.")
			return nil
		}
		if err != nil {
			return err
		}
		if !bytes.Contains(existing, []byte(hookMarker)) {
			return usageError(fmt.Errorf("%s was not installed by qgate; leaving it alone", path))
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", path)
		return nil
	},
}

func hookPath() (string, error) {
	a, err := loadApp(false)
	if err != nil {
		return "", err
	}
	wt := a.worktrees()
	if wt == nil {
		return "", usageError(fmt.Errorf("%s is not a git repository", a.dir))
	}
	dir, err := wt.HooksDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "pre-push"), nil
}

func init() {
	hookInstallCmd.Flags().Bool("force", false, "replace a pre-push hook qgate did not install")
	hookCmd.AddCommand(hookInstallCmd)
	hookCmd.AddCommand(hookUninstallCmd)
}
