package config

import (
	"os"

	"github.com/leighmacdonald/magmerge/consts"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Key is a viper configuration key
type Key string

const (
	// GeneralLogLevel sets the logrus Logger level
	// info|warn|debug|trace
	GeneralLogLevel Key = "general_log_level"

	// GeneralLogColour toggles between colourised console output
	// true|false
	GeneralLogColour Key = "general_log_colour"

	// MergeBatchSize is the number of source torrents fetched and merged per batch
	// 1000
	MergeBatchSize Key = "merge_batch_size"

	// MergeFast drops the target indices and constraints while importing and recreates
	// them afterwards. Only client/server targets which support it honour this.
	// true|false
	MergeFast Key = "merge_fast"

	// MergeStrippedFiles only merges source torrents which still have at least one row in
	// the files table
	// true|false
	MergeStrippedFiles Key = "merge_stripped_files"
)

// DefaultBatchSize is used when merge_batch_size is unset or invalid
const DefaultBatchSize = 1000

func init() {
	viper.SetDefault(string(GeneralLogLevel), "info")
	viper.SetDefault(string(GeneralLogColour), true)
	viper.SetDefault(string(MergeBatchSize), DefaultBatchSize)
	viper.SetDefault(string(MergeFast), false)
	viper.SetDefault(string(MergeStrippedFiles), false)
}

// GetString returns the string value of the key
func GetString(key Key) string {
	return viper.GetString(string(key))
}

// GetBool returns the bool value of the key
func GetBool(key Key) bool {
	return viper.GetBool(string(key))
}

// GetInt returns the int value of the key
func GetInt(key Key) int {
	return viper.GetInt(string(key))
}

// Read reads in config file and ENV variables if set.
//
// A missing config file is not an error unless one was explicitly requested, the defaults
// are enough to run a merge.
func Read(cfgFile string) error {
	explicit := true
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else if os.Getenv("MAGMERGE_CONFIG") != "" {
		viper.SetConfigFile(os.Getenv("MAGMERGE_CONFIG"))
	} else {
		explicit = false
		home, err := homedir.Dir()
		if err != nil {
			return errors.Wrap(err, "Failed to resolve home directory")
		}
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigName("magmerge")
	}

	viper.SetEnvPrefix("magmerge")
	viper.AutomaticEnv() // read in environment variables that match

	if err := viper.ReadInConfig(); err != nil {
		if explicit {
			return consts.ErrInvalidConfig
		}
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return errors.Wrap(err, "Failed to parse config file")
		}
	} else {
		log.Debugf("Using config file: %s", viper.ConfigFileUsed())
	}
	return setupLogger(GetString(GeneralLogLevel), GetBool(GeneralLogColour))
}

func setupLogger(levelStr string, colour bool) error {
	log.SetFormatter(&log.TextFormatter{
		ForceColors:      colour,
		DisableTimestamp: true,
	})
	log.SetOutput(os.Stdout)
	level, err := log.ParseLevel(levelStr)
	if err != nil {
		return errors.Wrapf(consts.ErrInvalidConfig, "Invalid log level: %s", levelStr)
	}
	log.SetLevel(level)
	return nil
}
