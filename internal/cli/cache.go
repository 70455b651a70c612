package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cacheKeyCmd = &cobra.Command{
	Use:   "cache-key",
	Short: "Print the dependency cache key for the lock file",
	Long: `Print <os>-<prefix>-<toolchain>-<sha256 of cache.lock_file>, suitable as the
key of a CI dependency cache. The same key is exported to stages as
QGATE_CACHE_KEY and stored with every run.`,
	Args: usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(false)
		if err != nil {
			return err
		}
		gateName, _ := cmd.Flags().GetString("gate")
		entryName, _ := cmd.Flags().GetString("entry")
		entry, err := a.pickEntry(gateName, entryName)
		if err != nil {
			return err
		}
		if tc, _ := cmd.Flags().GetString("toolchain"); tc != "" {
			entry.Toolchain = tc
		}

		key, err := a.newRunner(cmd, false, nil).CacheKey(entry, a.dir)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

func init() {
	cacheKeyCmd.Flags().String("gate", ciGate, "gate whose matrix entry supplies the toolchain")
	cacheKeyCmd.Flags().String("entry", "", "matrix entry (default: the first)")
	cacheKeyCmd.Flags().String("toolchain", "", "override the entry's toolchain")
}
