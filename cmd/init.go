package cmd

import (
	"context"

	"github.com/leighmacdonald/magmerge/consts"
	"github.com/leighmacdonald/magmerge/store"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// initCmd creates an empty magnetico schema, mostly useful to prepare a client/server target
var initCmd = &cobra.Command{
	Use:   "init <database>",
	Short: "Create the magnetico schema in an empty database",
	Long: `Create the magnetico torrents and files tables and their indices.

A sqlite path which does not exist yet is created.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loc, err := store.ParseNewLocator(args[0])
		if err != nil {
			return err
		}
		ctx := context.Background()
		s, err := store.Open(ctx, loc)
		if err != nil {
			return err
		}
		defer func() {
			if err := s.Close(); err != nil {
				log.Errorf("Failed to close database: %v", err)
			}
		}()
		initializer, ok := s.(store.Initializer)
		if !ok {
			return errors.Wrapf(consts.ErrUnsupported, "Cannot create schema with %s", loc.Driver)
		}
		if err := initializer.CreateSchema(ctx); err != nil {
			return errors.Wrap(err, "Failed to create schema")
		}
		log.Infof("Created schema in %s", loc)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
