package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"statement-ingest-service/internal/models"
	"statement-ingest-service/internal/reporter"
	"statement-ingest-service/pkg/errors"
)

// Flags for the detect and mark commands
var (
	detectThreshold float64
	markMaster      string
	markDuplicates  []string
	markGroupsFile  string
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Find likely duplicate transactions in a scope",
	Long: `Detect compares every transaction of the scope and groups likely
duplicates under a master. Nothing is written; confirm groups with 'mark'.

Examples:
  statements detect --workspace acme
  statements detect --workspace acme --threshold 0.7 --output-format json -o groups.json`,
	Args: cobra.NoArgs,
	RunE: runDetect,
}

var markCmd = &cobra.Command{
	Use:   "mark",
	Short: "Persist confirmed duplicate groups",
	Long: `Mark links duplicates to their master. Give one group with --master and
--duplicates, or many with --groups-file. The groups file is either a JSON
array of {"masterId", "duplicateIds"} objects or the JSON output of 'detect'.

A group that cannot be marked is reported without affecting the others.

Examples:
  statements mark --workspace acme --master 7f0c... --duplicates 1b2e...,9a4d...
  statements mark --workspace acme --groups-file groups.json`,
	Args:    cobra.NoArgs,
	PreRunE: validateMarkFlags,
	RunE:    runMark,
}

func init() {
	rootCmd.AddCommand(detectCmd, markCmd)

	detectCmd.Flags().Float64VarP(&detectThreshold, "threshold", "t", 0, "minimum similarity in (0, 1] (default: matching.default_threshold)")

	markCmd.Flags().StringVarP(&markMaster, "master", "m", "", "master transaction id")
	markCmd.Flags().StringSliceVarP(&markDuplicates, "duplicates", "d", nil, "comma-separated duplicate transaction ids")
	markCmd.Flags().StringVarP(&markGroupsFile, "groups-file", "g", "", "JSON file with the groups to mark")
}

func runDetect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	scope, err := scopeFromFlags()
	if err != nil {
		return err
	}

	return withApp(ctx, func(a *app) error {
		threshold := detectThreshold
		if !cmd.Flags().Changed("threshold") {
			threshold = a.config.Matching.DefaultThreshold
		}

		groups, err := a.svc.DetectDuplicates(ctx, scope, threshold)
		if err != nil {
			return err
		}
		verbosef("Found %d duplicate groups at threshold %.2f\n", len(groups), threshold)
		return a.render(reporter.GroupsReport{Threshold: threshold, Groups: groups})
	})
}

func validateMarkFlags(cmd *cobra.Command, args []string) error {
	single := markMaster != "" || len(markDuplicates) > 0
	switch {
	case single && markGroupsFile != "":
		return errors.ValidationError(errors.CodeInvalidInput, "groups-file", markGroupsFile,
			fmt.Errorf("--groups-file cannot be combined with --master or --duplicates"))
	case markGroupsFile != "":
		return validateFileExists(markGroupsFile, "groups file")
	case markMaster == "":
		return errors.ValidationError(errors.CodeMissingField, "master", nil, nil).
			WithSuggestion("Pass --master and --duplicates, or --groups-file")
	case len(markDuplicates) == 0:
		return errors.ValidationError(errors.CodeMissingField, "duplicates", nil, nil).
			WithSuggestion("Pass at least one duplicate id with --duplicates")
	}
	return nil
}

func runMark(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	scope, err := scopeFromFlags()
	if err != nil {
		return err
	}

	groups, err := markGroupsFromFlags()
	if err != nil {
		return err
	}

	return withApp(ctx, func(a *app) error {
		result, err := a.svc.MarkDuplicates(ctx, scope, groups)
		if err != nil {
			return err
		}
		if err := a.render(reporter.MarkReport{Result: result}); err != nil {
			return err
		}

		if len(result.FailedGroups) > 0 {
			first := result.FailedGroups[0]
			return errors.New(errors.CategoryConflict, errors.ErrorCode(first.Code),
				fmt.Sprintf("%d of %d groups could not be marked", len(result.FailedGroups), len(groups))).
				WithContext("first_master_id", first.MasterID).
				WithSuggestion("Run 'detect' again and mark groups that qualify")
		}
		return nil
	})
}

func markGroupsFromFlags() ([]models.MarkGroup, error) {
	if markGroupsFile == "" {
		dups := make([]string, 0, len(markDuplicates))
		for _, id := range markDuplicates {
			if id = strings.TrimSpace(id); id != "" {
				dups = append(dups, id)
			}
		}
		return []models.MarkGroup{{MasterID: strings.TrimSpace(markMaster), DuplicateIDs: dups}}, nil
	}

	data, err := os.ReadFile(markGroupsFile)
	if err != nil {
		return nil, err
	}
	return parseMarkGroups(data)
}

// parseMarkGroups accepts a list of mark groups or a detect report
func parseMarkGroups(data []byte) ([]models.MarkGroup, error) {
	var groups []models.MarkGroup
	if err := json.Unmarshal(data, &groups); err == nil {
		return groups, nil
	}

	var report reporter.GroupsReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, errors.ValidationError(errors.CodeInvalidFormat, "groups-file", markGroupsFile, err).
			WithSuggestion("Provide a JSON array of groups or the JSON output of 'detect'")
	}

	groups = make([]models.MarkGroup, 0, len(report.Groups))
	for _, g := range report.Groups {
		if g.Master == nil {
			return nil, errors.ValidationError(errors.CodeMissingField, "master", nil, nil)
		}
		groups = append(groups, models.MarkGroup{MasterID: g.Master.ID, DuplicateIDs: g.MemberIDs()})
	}
	return groups, nil
}
