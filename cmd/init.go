package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/config"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/preflight"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// RunInit handles the 'init' command: it writes a configuration file into the
// source directory. Flags given alongside are stored in the file.
func RunInit(ctx context.Context, flagMap map[string]interface{}) error {
	return runInit(ctx, flagMap, func() bool {
		return PromptForConfirmation("Are you sure you want to continue?", false)
	})
}

func runInit(_ context.Context, flagMap map[string]interface{}, confirm func() bool) error {
	source, _ := flagMap["source"].(string)
	if source == "" {
		source = "."
	}
	absSource, err := util.AbsPath(source)
	if err != nil {
		return fmt.Errorf("could not determine absolute source path for %s: %w", source, err)
	}
	if err := preflight.CheckSourceAccessible(absSource); err != nil {
		return err
	}

	force, _ := flagMap["force"].(bool)
	configPath := filepath.Join(absSource, config.ConfigFileName)

	baseConfig := config.NewDefault()
	if _, err := os.Stat(configPath); err == nil {
		if !force {
			fmt.Printf("WARNING: Configuration file already exists at %s.\n", configPath)
			fmt.Printf("It will be rewritten with the given flags applied; unknown keys will be lost.\n")
			if !confirm() {
				plog.Info(buildinfo.Name + " init operation canceled.")
				return nil
			}
		}
		// Keep existing settings unless they cannot be read.
		if loaded, err := config.Load(absSource); err != nil {
			plog.Warn("Could not load existing configuration, starting with defaults.", "reason", err)
		} else {
			baseConfig = loaded
		}
	}

	runConfig := config.MergeConfigWithFlags(baseConfig, flagMap)
	runConfig.Source = absSource
	if err := runConfig.Validate(false); err != nil {
		return err
	}

	if err := preflight.CheckTargetWritable(absSource); err != nil {
		return err
	}
	if _, err := config.Generate(runConfig); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}
	plog.Info(buildinfo.Name+" source successfully initialized.", "source", absSource)
	return nil
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Printf("%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
