package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/dustin/go-humanize"
	"github.com/leighmacdonald/magmerge/config"
	"github.com/leighmacdonald/magmerge/merge"
	"github.com/leighmacdonald/magmerge/store"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// mergeCmd merges the source database into the target database
var mergeCmd = &cobra.Command{
	Use:   "merge <target> <source>",
	Short: "Merge the source database into the target database",
	Long: `Merge the torrents of the source database and their files into the target database.

Torrents whose info_hash already exists in the target are skipped. The whole merge runs in a
single transaction on the target, nothing is written unless it completes.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := store.ParseLocator(args[0])
		if err != nil {
			return errors.Wrap(err, "Invalid target")
		}
		source, err := store.ParseLocator(args[1])
		if err != nil {
			return errors.Wrap(err, "Invalid source")
		}
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()

		pair, err := store.OpenPair(ctx, target, source)
		if err != nil {
			return err
		}
		defer func() {
			if err := pair.Close(); err != nil {
				log.Errorf("Failed to close databases: %v", err)
			}
		}()
		opts := merge.Options{
			BatchSize:     config.GetInt(config.MergeBatchSize),
			Fast:          config.GetBool(config.MergeFast),
			StrippedFiles: config.GetBool(config.MergeStrippedFiles),
			Reporter:      merge.NewLogReporter(),
		}
		log.Infof("Merging %s into %s", source, target)
		res, err := merge.New(pair, opts).Run(ctx)
		if err != nil {
			return errors.Wrap(err, "Merge failed, target left unchanged")
		}
		fmt.Printf("processed: %s inserted: %s failed: %s files: %s\n",
			humanize.Comma(res.Processed), humanize.Comma(res.Inserted),
			humanize.Comma(res.Failed), humanize.Comma(res.Files))
		if opts.StrippedFiles && res.LastID > 0 {
			fmt.Printf("last torrent: %d (%s)\n", res.LastID, res.LastHash)
			fmt.Printf("purge merged source files with: %s\n", res.PurgeHint())
		}
		return nil
	},
}

func init() {
	mergeCmd.Flags().Bool("fast", false, "Drop target indices and constraints while merging (client/server targets only)")
	mergeCmd.Flags().Bool("stripped-files", false, "Only merge source torrents which still have file rows")
	mergeCmd.Flags().Int("batch-size", config.DefaultBatchSize, "Number of torrents merged per batch")
	_ = viper.BindPFlag(string(config.MergeFast), mergeCmd.Flags().Lookup("fast"))
	_ = viper.BindPFlag(string(config.MergeStrippedFiles), mergeCmd.Flags().Lookup("stripped-files"))
	_ = viper.BindPFlag(string(config.MergeBatchSize), mergeCmd.Flags().Lookup("batch-size"))
	rootCmd.AddCommand(mergeCmd)
}
