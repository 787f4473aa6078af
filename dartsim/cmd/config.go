package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/sarchlab/iommu/mem/vm/mapper"
	"github.com/spf13/cobra"
)

const bootArgsEnv = "DART_BOOT_ARGS"

// config is what every command shares after flags and the environment are
// resolved.
var config struct {
	BootArgs mapper.BootArgs
}

func loadConfig(cmd *cobra.Command) error {
	err := godotenv.Load(envFile)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("env-file"):
	case err != nil:
		return fmt.Errorf("loading %s: %w", envFile, err)
	}

	line := bootArgs
	if !cmd.Flags().Changed("boot-args") {
		line = os.Getenv(bootArgsEnv)
	}

	args, err := mapper.ParseBootArgs(line)
	if err != nil {
		return err
	}

	config.BootArgs = args

	return nil
}
