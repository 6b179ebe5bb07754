package main

import (
	"context"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	coacherrors "coach/internal/errors"
	"coach/internal/rubric"
)

var rubricCmd = &cobra.Command{
	Use:   "rubric",
	Short: "Manage rubric versions and criteria",
	Long: `Manage the versioned coaching rubric.

Criteria are grouped by (role, dimension) and every committed group's
weights must sum to 100. Single-criterion edits are checked against
that total; use 'rubric replace' or 'rubric import' to change a whole
group at once.`,
}

var (
	rubricListRole      string
	rubricListDimension string
)

var rubricListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active rubric criteria",
	Long: `List criteria of the active rubric version.

Examples:
  coach rubric list
  coach rubric list --role ae
  coach rubric list --role ae --dimension discovery`,
	RunE: runRubricList,
}

var (
	criterionID          string
	criterionVersionID   string
	criterionRole        string
	criterionDimension   string
	criterionName        string
	criterionDescription string
	criterionWeight      int
	criterionMaxScore    int
	criterionOrder       int
	criterionActor       string
)

var rubricAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a criterion to the active version",
	Long: `Add one criterion. The (role, dimension) group must sum to 100
after the insert or the change is rejected.

Examples:
  coach rubric add --role ae --dimension discovery \
    --name "Asks open questions" --weight 40 --max-score 10 --actor leah`,
	RunE: runRubricAdd,
}

var rubricUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update a criterion",
	Long: `Update fields of an existing criterion by id. Only the flags you
pass change; role, dimension, and version are fixed.

Examples:
  coach rubric update --id 3f1c... --weight 50 --actor leah`,
	RunE: runRubricUpdate,
}

var rubricDeleteCmd = &cobra.Command{
	Use:   "delete <criterion-id>",
	Short: "Delete a criterion",
	Args:  cobra.ExactArgs(1),
	RunE:  runRubricDelete,
}

var rubricVersionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List rubric versions",
	RunE:  runRubricVersions,
}

var rubricActivateCmd = &cobra.Command{
	Use:   "activate <version-id>",
	Short: "Make a rubric version the active one",
	Args:  cobra.ExactArgs(1),
	RunE:  runRubricActivate,
}

var rubricDeprecateCmd = &cobra.Command{
	Use:   "deprecate <version-id>",
	Short: "Deprecate a rubric version",
	Long: `Deprecate a rubric version. Deprecated versions are read-only;
cached analyses computed under them are kept until their TTL expires.`,
	Args: cobra.ExactArgs(1),
	RunE: runRubricDeprecate,
}

var (
	importVersion string
	importActor   string
)

var rubricImportCmd = &cobra.Command{
	Use:   "import <rubric.toml>",
	Short: "Import a declarative rubric file as a new version",
	Long: `Create a new rubric version from a RUBRIC.toml seed file. Every
(role, dimension) group in the file must sum to 100 or nothing is
committed. The new version is not activated automatically.

Examples:
  coach rubric import RUBRIC.toml --version 1.1.0 --actor leah
  coach rubric activate <new-version-id> --actor leah`,
	Args: cobra.ExactArgs(1),
	RunE: runRubricImport,
}

var (
	replaceVersionID string
	replaceRole      string
	replaceDimension string
	replaceFile      string
	replaceActor     string
)

var rubricReplaceCmd = &cobra.Command{
	Use:   "replace",
	Short: "Replace one (role, dimension) criterion group",
	Long: `Atomically replace every criterion of one (role, dimension) group
in the active version. The file holds [[criterion]] blocks with name,
weight, and optional description, max_score, and order; weights must
sum to 100.

Examples:
  coach rubric replace --role ae --dimension discovery \
    --file discovery.toml --actor leah`,
	RunE: runRubricReplace,
}

func init() {
	rubricListCmd.Flags().StringVar(&rubricListRole, "role", "", "Filter by rep role")
	rubricListCmd.Flags().StringVar(&rubricListDimension, "dimension", "", "Filter by dimension")

	for _, cmd := range []*cobra.Command{rubricAddCmd, rubricUpdateCmd} {
		cmd.Flags().StringVar(&criterionVersionID, "version-id", "", "Target version (default: active)")
		cmd.Flags().StringVar(&criterionRole, "role", "", "Rep role")
		cmd.Flags().StringVar(&criterionDimension, "dimension", "", "Dimension")
		cmd.Flags().StringVar(&criterionName, "name", "", "Criterion name")
		cmd.Flags().StringVar(&criterionDescription, "description", "", "What good looks like")
		cmd.Flags().IntVar(&criterionWeight, "weight", 0, "Weight within the dimension (group must sum to 100)")
		cmd.Flags().IntVar(&criterionMaxScore, "max-score", 100, "Raw score ceiling")
		cmd.Flags().IntVar(&criterionOrder, "order", 0, "Display order")
		cmd.Flags().StringVar(&criterionActor, "actor", "", "Audit actor (default: current user)")
	}
	rubricUpdateCmd.Flags().StringVar(&criterionID, "id", "", "Criterion id to update")

	rubricDeleteCmd.Flags().StringVar(&criterionActor, "actor", "", "Audit actor (default: current user)")
	rubricActivateCmd.Flags().StringVar(&criterionActor, "actor", "", "Audit actor (default: current user)")
	rubricDeprecateCmd.Flags().StringVar(&criterionActor, "actor", "", "Audit actor (default: current user)")

	rubricImportCmd.Flags().StringVar(&importVersion, "version", "", "Override the version string in the file")
	rubricImportCmd.Flags().StringVar(&importActor, "actor", "", "Audit actor (default: current user)")

	rubricReplaceCmd.Flags().StringVar(&replaceVersionID, "version-id", "", "Target version (default: active)")
	rubricReplaceCmd.Flags().StringVar(&replaceRole, "role", "", "Rep role")
	rubricReplaceCmd.Flags().StringVar(&replaceDimension, "dimension", "", "Dimension")
	rubricReplaceCmd.Flags().StringVar(&replaceFile, "file", "", "TOML file with [[criterion]] blocks")
	rubricReplaceCmd.Flags().StringVar(&replaceActor, "actor", "", "Audit actor (default: current user)")

	rubricCmd.AddCommand(rubricListCmd, rubricAddCmd, rubricUpdateCmd, rubricDeleteCmd,
		rubricVersionsCmd, rubricActivateCmd, rubricDeprecateCmd, rubricImportCmd, rubricReplaceCmd)
	rootCmd.AddCommand(rubricCmd)
}

func runRubricList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()

	version, err := a.rubrics.ActiveVersion(ctx)
	if err != nil {
		return err
	}

	var criteria []rubric.Criterion
	switch {
	case rubricListRole != "" && rubricListDimension != "":
		criteria, err = a.rubrics.ActiveCriteria(ctx, rubricListRole, rubricListDimension)
	case rubricListRole != "":
		criteria, err = a.rubrics.ActiveCriteriaForRole(ctx, rubricListRole)
	default:
		criteria, err = a.rubrics.CriteriaForVersion(ctx, version.ID)
	}
	if err != nil {
		return err
	}
	return printResult(&criteriaOutput{Version: version, Criteria: criteria})
}

func runRubricAdd(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	created, err := a.rubrics.UpsertCriterion(context.Background(), rubric.Criterion{
		VersionID:    criterionVersionID,
		Role:         criterionRole,
		Dimension:    criterionDimension,
		Name:         criterionName,
		Description:  criterionDescription,
		Weight:       criterionWeight,
		MaxScore:     criterionMaxScore,
		DisplayOrder: criterionOrder,
	}, resolveActor(criterionActor))
	if err != nil {
		return err
	}
	return printResult(created)
}

func runRubricUpdate(cmd *cobra.Command, args []string) error {
	if criterionID == "" {
		return coacherrors.New(coacherrors.ValidationFailed, "--id is required")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()

	existing, err := a.rubrics.GetCriterion(ctx, criterionID)
	if err != nil {
		return err
	}

	c := *existing
	flags := cmd.Flags()
	if flags.Changed("name") {
		c.Name = criterionName
	}
	if flags.Changed("description") {
		c.Description = criterionDescription
	}
	if flags.Changed("weight") {
		c.Weight = criterionWeight
	}
	if flags.Changed("max-score") {
		c.MaxScore = criterionMaxScore
	}
	if flags.Changed("order") {
		c.DisplayOrder = criterionOrder
	}

	updated, err := a.rubrics.UpsertCriterion(ctx, c, resolveActor(criterionActor))
	if err != nil {
		return err
	}
	return printResult(updated)
}

func runRubricDelete(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.rubrics.DeleteCriterion(context.Background(), args[0], resolveActor(criterionActor)); err != nil {
		return err
	}
	fmt.Printf("Deleted criterion %s\n", args[0])
	return nil
}

func runRubricVersions(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	versions, err := a.rubrics.Versions(context.Background())
	if err != nil {
		return err
	}
	return printResult(versions)
}

func runRubricActivate(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.rubrics.ActivateVersion(context.Background(), args[0], resolveActor(criterionActor)); err != nil {
		return err
	}
	fmt.Printf("Activated version %s\n", args[0])
	return nil
}

func runRubricDeprecate(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.rubrics.DeprecateVersion(context.Background(), args[0], resolveActor(criterionActor)); err != nil {
		return err
	}
	fmt.Printf("Deprecated version %s\n", args[0])
	return nil
}

func runRubricImport(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	seed, err := rubric.ParseSeedFile(args[0])
	if err != nil {
		return err
	}

	version, criteria, err := a.rubrics.ImportSeed(context.Background(), seed, importVersion, resolveActor(importActor))
	if err != nil {
		return err
	}
	return printResult(&criteriaOutput{Version: version, Criteria: criteria})
}

// groupFile is the rubric replace input: [[criterion]] blocks for one
// (role, dimension) group.
type groupFile struct {
	Criteria []rubric.CriterionDeclaration `toml:"criterion"`
}

func runRubricReplace(cmd *cobra.Command, args []string) error {
	if replaceRole == "" || replaceDimension == "" || replaceFile == "" {
		return coacherrors.New(coacherrors.ValidationFailed, "--role, --dimension, and --file are required")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()

	data, err := os.ReadFile(replaceFile)
	if err != nil {
		return fmt.Errorf("failed to read criteria file: %w", err)
	}
	var group groupFile
	if err := toml.Unmarshal(data, &group); err != nil {
		return coacherrors.Wrap(coacherrors.ValidationFailed, "criteria file is not valid TOML", err)
	}

	versionID := replaceVersionID
	if versionID == "" {
		version, err := a.rubrics.ActiveVersion(ctx)
		if err != nil {
			return err
		}
		versionID = version.ID
	}

	criteria := make([]rubric.Criterion, len(group.Criteria))
	for i, decl := range group.Criteria {
		c := rubric.Criterion{
			Role:         replaceRole,
			Dimension:    replaceDimension,
			Name:         decl.Name,
			Description:  decl.Description,
			Weight:       decl.Weight,
			MaxScore:     decl.MaxScore,
			DisplayOrder: decl.Order,
		}
		if c.MaxScore == 0 {
			c.MaxScore = 100
		}
		if c.DisplayOrder == 0 {
			c.DisplayOrder = i + 1
		}
		criteria[i] = c
	}

	replaced, err := a.rubrics.ReplaceCriteria(ctx, versionID, replaceRole, replaceDimension, criteria, resolveActor(replaceActor))
	if err != nil {
		return err
	}

	version, err := a.rubrics.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	return printResult(&criteriaOutput{Version: version, Criteria: replaced})
}
