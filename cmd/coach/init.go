package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"coach/internal/config"
	coacherrors "coach/internal/errors"
	"coach/internal/rubric"
	"coach/internal/storage"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize coach configuration",
	Long:  "Creates a .coach/ directory with default configuration, an empty database, and starter seed files in the workspace root",
	RunE:  runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Force reinitialization (removes existing .coach directory)")
	rootCmd.AddCommand(initCmd)
}

// starterSeed is written next to .coach/ as a worked example for
// 'coach rubric import'. Weights per (role, dimension) must sum to 100.
const starterSeed = `# Rubric seed for 'coach rubric import RUBRIC.toml --actor you'.
# Criterion weights must sum to 100 within each (role, dimension) pair.

version = "1.0.0"
name = "Coaching rubric 1.0.0"

[[criterion]]
role = "ae"
dimension = "discovery"
name = "Open-ended questions"
description = "Rep asks questions that surface the prospect's own framing"
weight = 60

[[criterion]]
role = "ae"
dimension = "discovery"
name = "Pain quantification"
description = "Rep attaches a number to the problem"
weight = 40

[[criterion]]
role = "ae"
dimension = "objection_handling"
name = "Acknowledge before answering"
weight = 100
`

// starterProfiles documents the weight-profile format without changing
// the unweighted default; every entry ships commented out.
const starterProfiles = `# Call-type aggregation weight profiles. Dimensions absent from a
# profile keep weight 1.0. Uncomment and adjust to use.

# [profiles.discovery_call]
# discovery = 2.0
# objection_handling = 1.0
`

func runInit(cmd *cobra.Command, args []string) error {
	root := dirFlag

	coachDir := filepath.Join(root, config.Dir)
	if _, statErr := os.Stat(coachDir); statErr == nil {
		if !initForce {
			// Idempotent: already initialized is success.
			fmt.Println("Coach already initialized.")
			fmt.Printf("Configuration at: %s\n", filepath.Join(coachDir, "config.json"))
			fmt.Println("\nRun 'coach init --force' to reinitialize.")
			return nil
		}
		if removeErr := os.RemoveAll(coachDir); removeErr != nil {
			return coacherrors.Wrap(coacherrors.Internal, "failed to remove existing .coach directory", removeErr)
		}
	}

	cfg := config.DefaultConfig()
	if err := cfg.Save(root); err != nil {
		return coacherrors.Wrap(coacherrors.Internal, "failed to write config file", err)
	}

	profilesPath := workspacePath(cfg.Scoring.ProfilesPath)
	if err := os.WriteFile(profilesPath, []byte(starterProfiles), 0644); err != nil {
		return coacherrors.Wrap(coacherrors.Internal, "failed to write weight profiles", err)
	}

	seedPath := filepath.Join(root, rubric.SeedFile)
	if _, err := os.Stat(seedPath); os.IsNotExist(err) {
		if writeErr := os.WriteFile(seedPath, []byte(starterSeed), 0644); writeErr != nil {
			return coacherrors.Wrap(coacherrors.Internal, "failed to write rubric seed", writeErr)
		}
	}

	// Opening the database applies the schema so later commands start
	// from a migrated file.
	logger := newLogger(cfg)
	db, err := storage.Open(workspacePath(cfg.Database.Path), logger)
	if err != nil {
		return err
	}
	db.Close()

	fmt.Println("Coach initialized successfully!")
	fmt.Printf("Configuration written to: %s\n", filepath.Join(coachDir, "config.json"))
	fmt.Printf("Weight profiles at: %s\n", profilesPath)
	fmt.Printf("Rubric seed example at: %s\n", seedPath)
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s and run 'coach rubric import %s --actor you'\n", rubric.SeedFile, rubric.SeedFile)
	fmt.Println("  2. Ingest a call with 'coach transcript ingest call.json --call c-100 --rep alice'")
	fmt.Println("  3. Score it with 'coach analyze c-100 --dimensions discovery'")

	return nil
}
